package codec

import (
	"encoding/json"
)

// jsonCodec implements the JSON wire format.
//
// Fidelity notes: JSON has a single number type, so every number
// decodes as float64 — integers round-trip through encode/decode as
// floats, and int64 values above 2^53 lose precision. []byte values
// encode as base64 strings and decode back as strings.
type jsonCodec struct{}

func (jsonCodec) Name() Format {
	return FormatJSON
}

func (jsonCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &MalformedPayloadError{Format: FormatJSON, Err: err}
	}
	norm, err := normalize(v)
	if err != nil {
		return nil, &MalformedPayloadError{Format: FormatJSON, Err: err}
	}
	return norm, nil
}
