package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tj-corona/vortexfinder2/errors"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Request
	}{
		{"list", `{"type":"requestDBList"}`, Request{Kind: ListDatasets}},
		{"open", `{"type":"requestDataInfo","dbname":"demoA"}`, Request{Kind: OpenDataset, Name: "demoA"}},
		{"open empty name", `{"type":"requestDataInfo","dbname":""}`, Request{Kind: OpenDataset}},
		{"frame", `{"type":"requestFrame","frame":7}`, Request{Kind: GetFrame, Frame: 7}},
		{"frame zero", `{"type":"requestFrame","frame":0}`, Request{Kind: GetFrame}},
		{"frame negative", `{"type":"requestFrame","frame":-3}`, Request{Kind: GetFrame, Frame: -3}},
		{"frame integral float", `{"type":"requestFrame","frame":4.0}`, Request{Kind: GetFrame, Frame: 4}},
		{"frame exponent", `{"type":"requestFrame","frame":1e2}`, Request{Kind: GetFrame, Frame: 100}},
		{"extra fields ignored", `{"type":"requestDBList","x":1}`, Request{Kind: ListDatasets}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	inputs := map[string]string{
		"not json":           `hello`,
		"truncated":          `{"type":"requestFrame"`,
		"array":              `["requestDBList"]`,
		"string":             `"requestDBList"`,
		"null":               `null`,
		"empty object":       `{}`,
		"numeric type":       `{"type":3}`,
		"null type":          `{"type":null}`,
		"unknown type":       `{"type":"requestEverything"}`,
		"missing dbname":     `{"type":"requestDataInfo"}`,
		"numeric dbname":     `{"type":"requestDataInfo","dbname":5}`,
		"null dbname":        `{"type":"requestDataInfo","dbname":null}`,
		"missing frame":      `{"type":"requestFrame"}`,
		"string frame":       `{"type":"requestFrame","frame":"3"}`,
		"fractional frame":   `{"type":"requestFrame","frame":1.5}`,
		"null frame":         `{"type":"requestFrame","frame":null}`,
		"huge frame":         `{"type":"requestFrame","frame":1e20}`,
		"out of range frame": `{"type":"requestFrame","frame":99999999999}`,
		"object frame":       `{"type":"requestFrame","frame":{}}`,
		"empty input":        ``,
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(input))
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidData)
			assert.True(t, errors.IsInvalid(err))

			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.NotEmpty(t, decodeErr.Reason)
		})
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		msg  Response
		want string
	}{
		{"db list", NewDBList([]string{"demoA", "demoB"}), `{"type":"dbList","data":["demoA","demoB"]}`},
		{"empty db list", NewDBList(nil), `{"type":"dbList","data":[]}`},
		{
			"data info",
			NewDataInfo(json.RawMessage(`{"dims":[1,2]}`), json.RawMessage(`[{"e":1}]`)),
			`{"type":"dataInfo","dataInfo":{"dims":[1,2]},"events":[{"e":1}]}`,
		},
		{"frame", NewFrame(3, json.RawMessage(`{"lines":[]}`)), `{"type":"vlines","data":{"lines":[]}}`},
		{
			"error",
			NewError(KindNoDatasetOpen, "no dataset is open"),
			`{"type":"error","kind":"NoDatasetOpen","message":"no dataset is open"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))

			var envelope struct {
				Type string `json:"type"`
			}
			require.NoError(t, json.Unmarshal(data, &envelope))
			assert.Equal(t, tt.msg.MessageType(), envelope.Type)
		})
	}
}

func TestEncode_InvalidRawMessage(t *testing.T) {
	_, err := Encode(NewFrame(0, json.RawMessage(`{broken`)))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestRequestKind_String(t *testing.T) {
	assert.Equal(t, "requestDBList", ListDatasets.String())
	assert.Equal(t, "requestDataInfo", OpenDataset.String())
	assert.Equal(t, "requestFrame", GetFrame.String())
	assert.Equal(t, "unknown", RequestKind(0).String())
}
