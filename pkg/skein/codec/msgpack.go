package codec

import (
	"github.com/vmihailenco/msgpack/v5"
)

// msgpackCodec implements the compact binary wire format.
//
// Fidelity notes: all integer widths decode as int64, so unsigned
// values above math.MaxInt64 are rejected rather than wrapped. Binary
// payloads survive as []byte. Generic-model values otherwise
// round-trip exactly.
type msgpackCodec struct{}

func (msgpackCodec) Name() Format {
	return FormatMsgpack
}

func (msgpackCodec) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (msgpackCodec) Decode(data []byte) (any, error) {
	var v any
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, &MalformedPayloadError{Format: FormatMsgpack, Err: err}
	}
	norm, err := normalize(v)
	if err != nil {
		return nil, &MalformedPayloadError{Format: FormatMsgpack, Err: err}
	}
	return norm, nil
}
