// Package vortexfinder2 serves vortex line datasets to browser clients over
// WebSocket.
//
// A dataset is a read-only pebble store under a catalog root, named
// <name><suffix> (".rocksdb" by default). It holds a JSON description of the
// simulation, a JSON list of vortex events and one JSON document per time
// frame.
//
// # Protocol
//
// Each WebSocket connection is one session. The server greets a new session
// with the dataset list, then answers client requests strictly in order:
//
//	{"type":"requestDBList"}                 -> {"type":"dbList","data":[...]}
//	{"type":"requestDataInfo","dbname":"x"}  -> {"type":"dataInfo","dataInfo":{...},"events":[...]}
//	{"type":"requestFrame","frame":3}        -> {"type":"vlines","data":{...}}
//
// Failures are reported as {"type":"error","kind":...,"message":...} and
// never close the connection.
//
// # Packages
//
//   - catalog: lists datasets under the root directory
//   - dataset: pebble-backed storage engine, handles and the writer
//   - protocol: request decoding and response encoding
//   - session: per-connection state machine
//   - server: WebSocket listener, keepalive and limits
//   - activity: optional NATS feed of session events
//   - config, errors, health, metric, natsclient: shared infrastructure
//
// The cmd/vfserver binary runs the server and cmd/vfimport converts JSON
// exports into dataset stores.
package vortexfinder2
