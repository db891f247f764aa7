package codec

import (
	"olympos.io/encoding/edn"
)

// ednCodec implements the EDN (Lisp-data) wire format.
//
// Fidelity notes: keywords and symbols normalize to their string names
// on decode (:chsk/handshake and chsk/handshake both become
// "chsk/handshake"), so they round-trip as plain strings. Characters
// decode as their integer code points. Generic-model values round-trip
// exactly.
type ednCodec struct{}

func (ednCodec) Name() Format {
	return FormatEDN
}

func (ednCodec) Encode(v any) ([]byte, error) {
	return edn.Marshal(v)
}

func (ednCodec) Decode(data []byte) (any, error) {
	var v any
	if err := edn.Unmarshal(data, &v); err != nil {
		return nil, &MalformedPayloadError{Format: FormatEDN, Err: err}
	}
	norm, err := normalize(foldEDN(v))
	if err != nil {
		return nil, &MalformedPayloadError{Format: FormatEDN, Err: err}
	}
	return norm, nil
}

// foldEDN rewrites EDN-specific types into value-model shapes before
// the shared normalization pass.
func foldEDN(v any) any {
	switch val := v.(type) {
	case edn.Keyword:
		return string(val)
	case edn.Symbol:
		return string(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = foldEDN(elem)
		}
		return out
	case map[any]any:
		out := make(map[any]any, len(val))
		for k, elem := range val {
			out[foldEDN(k)] = foldEDN(elem)
		}
		return out
	case map[any]bool:
		// EDN sets decode as membership maps; fold to a sequence.
		out := make([]any, 0, len(val))
		for k := range val {
			out = append(out, foldEDN(k))
		}
		return out
	default:
		return v
	}
}
