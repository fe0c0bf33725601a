package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// ManifestVersion is the store layout version written by Create
const ManifestVersion = 1

var (
	keyManifest = []byte("manifest")
	keyInfo     = []byte("info")
	keyEvents   = []byte("events")
)

func frameKey(index int) []byte {
	return []byte(fmt.Sprintf("frame/%010d", index))
}

// Manifest describes a store. It is the only msgpack record; every other
// value is zstd-compressed JSON.
type Manifest struct {
	Version   int       `msgpack:"version"`
	Name      string    `msgpack:"name"`
	Frames    int       `msgpack:"frames"`
	CreatedAt time.Time `msgpack:"created_at"`
}

func encodeManifest(m Manifest) ([]byte, error) {
	return msgpack.Marshal(&m)
}

func decodeManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return Manifest{}, err
	}
	if m.Version != ManifestVersion {
		return Manifest{}, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	if m.Frames < 0 {
		return Manifest{}, fmt.Errorf("negative frame count %d", m.Frames)
	}
	return m, nil
}

var recordEncoder, _ = zstd.NewWriter(nil)

// Decoders are cached inside the reader; DecodeAll is safe for concurrent use.
var recordDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

func encodeRecord(doc json.RawMessage) []byte {
	return recordEncoder.EncodeAll(doc, make([]byte, 0, len(doc)))
}

// decodeRecord decompresses a value and checks it is a JSON document whose
// first token starts with want ('{' or '['). want 0 accepts any JSON value.
func decodeRecord(data []byte, want byte) (json.RawMessage, error) {
	doc, err := recordDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if !json.Valid(doc) {
		return nil, fmt.Errorf("record is not valid JSON")
	}
	if want != 0 {
		trimmed := bytes.TrimLeft(doc, " \t\r\n")
		if len(trimmed) == 0 || trimmed[0] != want {
			return nil, fmt.Errorf("record does not start with %q", want)
		}
	}
	return json.RawMessage(doc), nil
}
