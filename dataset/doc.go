// Package dataset stores vortex line datasets and serves them to sessions.
//
// A dataset is a pebble directory <root>/<name><suffix> holding:
//
//	manifest          msgpack Manifest{Version, Name, Frames, CreatedAt}
//	info              zstd(JSON object)  dataset metadata
//	events            zstd(JSON array)   event list
//	frame/0000000000  zstd(JSON object)  one record per frame
//
// PebbleEngine opens stores read-only and shares one pebble.DB per path
// between all handles, closing it when the last handle is released. Each
// Handle keeps its own LRU cache of decoded frames. JSON payloads are
// returned exactly as written.
//
// Create writes a new store; the import tool and tests use it to build
// datasets.
package dataset
