// Package protocol encodes and decodes the JSON messages exchanged with
// browser clients over the WebSocket.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/tj-corona/vortexfinder2/errors"
)

// Message types, client to server
const (
	TypeRequestDBList   = "requestDBList"
	TypeRequestDataInfo = "requestDataInfo"
	TypeRequestFrame    = "requestFrame"
)

// Message types, server to client
const (
	TypeDBList   = "dbList"
	TypeDataInfo = "dataInfo"
	TypeVLines   = "vlines"
	TypeError    = "error"
)

// ErrorKind identifies a per-request failure on the wire
type ErrorKind string

// Error kinds
const (
	KindMalformedRequest   ErrorKind = "MalformedRequest"
	KindOpenFailed         ErrorKind = "OpenFailed"
	KindNoDatasetOpen      ErrorKind = "NoDatasetOpen"
	KindFrameFailed        ErrorKind = "FrameFailed"
	KindCatalogUnavailable ErrorKind = "CatalogUnavailable"
)

// RequestKind is the decoded request variant
type RequestKind int

// Request kinds
const (
	ListDatasets RequestKind = iota + 1
	OpenDataset
	GetFrame
)

func (k RequestKind) String() string {
	switch k {
	case ListDatasets:
		return TypeRequestDBList
	case OpenDataset:
		return TypeRequestDataInfo
	case GetFrame:
		return TypeRequestFrame
	default:
		return "unknown"
	}
}

// Request is one decoded client message. Name is set for OpenDataset and
// Frame for GetFrame.
type Request struct {
	Kind  RequestKind
	Name  string
	Frame int
}

// Decode parses a client message. Anything that is not a JSON object with a
// known string type and correctly typed fields fails with an error that
// wraps errors.ErrInvalidData.
func Decode(data []byte) (Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return Request{}, malformed("message is not a JSON object")
	}

	rawType, ok := fields["type"]
	if !ok {
		return Request{}, malformed("missing field \"type\"")
	}
	msgType, err := decodeString(rawType)
	if err != nil {
		return Request{}, malformed("field \"type\" must be a string")
	}

	switch msgType {
	case TypeRequestDBList:
		return Request{Kind: ListDatasets}, nil

	case TypeRequestDataInfo:
		raw, ok := fields["dbname"]
		if !ok {
			return Request{}, malformed("missing field \"dbname\"")
		}
		name, err := decodeString(raw)
		if err != nil {
			return Request{}, malformed("field \"dbname\" must be a string")
		}
		return Request{Kind: OpenDataset, Name: name}, nil

	case TypeRequestFrame:
		raw, ok := fields["frame"]
		if !ok {
			return Request{}, malformed("missing field \"frame\"")
		}
		frame, err := decodeInt(raw)
		if err != nil {
			return Request{}, malformed(fmt.Sprintf("field \"frame\" %v", err))
		}
		return Request{Kind: GetFrame, Frame: frame}, nil

	default:
		return Request{}, malformed(fmt.Sprintf("unknown type %q", msgType))
	}
}

// decodeString rejects null, which json.Unmarshal would accept as ""
func decodeString(raw json.RawMessage) (string, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", fmt.Errorf("null")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

// decodeInt accepts integral JSON numbers, including forms like 3.0 and 1e2
func decodeInt(raw json.RawMessage) (int, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	num, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("must be an integer")
	}
	if i, err := num.Int64(); err == nil {
		if i < math.MinInt32 || i > math.MaxInt32 {
			return 0, fmt.Errorf("out of range")
		}
		return int(i), nil
	}
	f, err := num.Float64()
	if err != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("must be an integer")
	}
	if f < math.MinInt32 || f > math.MaxInt32 {
		return 0, fmt.Errorf("out of range")
	}
	return int(f), nil
}

// DecodeError describes why a client message was rejected. The reason is
// safe to echo back to the client.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "malformed request: " + e.Reason
}

// Unwrap lets errors.Is match errors.ErrInvalidData
func (e *DecodeError) Unwrap() error {
	return errors.ErrInvalidData
}

func malformed(reason string) error {
	return errors.WrapInvalid(&DecodeError{Reason: reason}, "Protocol", "Decode", "decode request")
}

// Response is any server to client message
type Response interface {
	MessageType() string
}

// DBList lists dataset identifiers
type DBList struct {
	Type string   `json:"type"`
	Data []string `json:"data"`
}

// MessageType implements Response
func (m DBList) MessageType() string { return m.Type }

// NewDBList builds a dbList message; nil becomes an empty array
func NewDBList(names []string) DBList {
	if names == nil {
		names = []string{}
	}
	return DBList{Type: TypeDBList, Data: names}
}

// DataInfo carries the metadata of a freshly opened dataset
type DataInfo struct {
	Type     string          `json:"type"`
	DataInfo json.RawMessage `json:"dataInfo"`
	Events   json.RawMessage `json:"events"`
}

// MessageType implements Response
func (m DataInfo) MessageType() string { return m.Type }

// NewDataInfo builds a dataInfo message
func NewDataInfo(info, events json.RawMessage) DataInfo {
	return DataInfo{Type: TypeDataInfo, DataInfo: info, Events: events}
}

// Frame carries one frame payload. Index is not sent on the wire.
type Frame struct {
	Type  string          `json:"type"`
	Index int             `json:"-"`
	Data  json.RawMessage `json:"data"`
}

// MessageType implements Response
func (m Frame) MessageType() string { return m.Type }

// NewFrame builds a vlines message
func NewFrame(index int, data json.RawMessage) Frame {
	return Frame{Type: TypeVLines, Index: index, Data: data}
}

// Error reports a per-request failure
type Error struct {
	Type    string    `json:"type"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// MessageType implements Response
func (m Error) MessageType() string { return m.Type }

// NewError builds an error message
func NewError(kind ErrorKind, message string) Error {
	return Error{Type: TypeError, Kind: kind, Message: message}
}

// Encode serialises a response message to JSON text
func Encode(msg Response) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.WrapFatal(err, "Protocol", "Encode", "encode response")
	}
	return data, nil
}
