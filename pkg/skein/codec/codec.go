// Package codec provides the interchangeable wire encodings for skein
// messages. Every codec maps between raw bytes and a single generic
// value model so that the layers above it never see format-specific
// types:
//
//   - nil, bool, int64, float64, string, []byte
//   - []any for sequences
//   - map[string]any for maps
//
// Codecs are stateless and safe for concurrent use from independent
// connections.
package codec

import (
	"fmt"
)

// Format identifies one of the supported wire encodings.
type Format string

const (
	FormatJSON    Format = "json"
	FormatEDN     Format = "edn"
	FormatMsgpack Format = "msgpack"
)

// Codec encodes and decodes generic values for one wire format.
type Codec interface {
	// Name returns the format this codec implements.
	Name() Format

	// Encode serializes a generic value to bytes.
	Encode(v any) ([]byte, error)

	// Decode parses bytes into a generic value. Bytes that do not
	// parse under the format return a *MalformedPayloadError;
	// well-formed values that make no sense as protocol messages are
	// not this layer's concern.
	Decode(data []byte) (any, error)
}

// ParseFormat validates a format identifier from configuration.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatEDN, FormatMsgpack:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown wire format %q", s)
}

// Binary reports whether the format produces binary (rather than
// textual) frames. Transports use this to pick the frame type.
func (f Format) Binary() bool {
	return f == FormatMsgpack
}

// ForFormat returns the codec implementing the given format.
func ForFormat(f Format) (Codec, error) {
	switch f {
	case FormatJSON:
		return jsonCodec{}, nil
	case FormatEDN:
		return ednCodec{}, nil
	case FormatMsgpack:
		return msgpackCodec{}, nil
	}
	return nil, fmt.Errorf("unknown wire format %q", f)
}

// MalformedPayloadError reports bytes that do not parse as any legal
// value under the chosen format. It is connection-fatal for the
// session that received it.
type MalformedPayloadError struct {
	Format Format
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed %s payload: %v", e.Format, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}
