package wire

import (
	"github.com/skeinproject/skein/pkg/skein/codec"
)

// Classify inspects the leading byte of a raw frame and rejects the
// legacy map-shaped grammar before any decoding happens. Canonical
// frames open a sequence structure; legacy frames open a map. Anything
// else passes through so the codec can produce its own malformed-
// payload diagnostic.
//
// Classify is stateless and runs once per inbound frame.
func Classify(data []byte, format codec.Format) error {
	if format == codec.FormatMsgpack {
		return classifyMsgpack(data)
	}
	return classifyTextual(data, format)
}

func classifyTextual(data []byte, format codec.Format) error {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n', ',':
			continue
		case '[', '(':
			return nil
		case '{':
			return &UnsupportedLegacyFormatError{Format: format, Leading: b}
		default:
			return nil
		}
	}
	return nil
}

func classifyMsgpack(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	b := data[0]
	switch {
	case b >= 0x90 && b <= 0x9f, b == 0xdc, b == 0xdd:
		// fixarray, array16, array32
		return nil
	case b >= 0x80 && b <= 0x8f, b == 0xde, b == 0xdf:
		// fixmap, map16, map32
		return &UnsupportedLegacyFormatError{Format: codec.FormatMsgpack, Leading: b}
	}
	return nil
}
