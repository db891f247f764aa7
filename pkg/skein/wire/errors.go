package wire

import (
	"fmt"

	"github.com/skeinproject/skein/pkg/skein/codec"
)

// BadEventError reports an envelope value that parsed under the codec
// but matches none of the four event shapes. It is not
// connection-fatal; sessions surface it to the application as a
// chsk/bad-event notification.
type BadEventError struct {
	Raw any
}

func (e *BadEventError) Error() string {
	return fmt.Sprintf("bad event shape: %v", e.Raw)
}

// UnsupportedLegacyFormatError reports an inbound frame recognized as
// the legacy map-shaped sibling grammar. Legacy frames are rejected,
// never silently translated, and the error is distinguishable from
// generic malformed input.
type UnsupportedLegacyFormatError struct {
	Format  codec.Format
	Leading byte
}

func (e *UnsupportedLegacyFormatError) Error() string {
	return fmt.Sprintf("unsupported legacy map-shaped frame (format %s, leading byte %#x)", e.Format, e.Leading)
}
