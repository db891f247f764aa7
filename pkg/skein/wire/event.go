// Package wire defines the canonical in-memory shape of skein protocol
// messages and converts them to and from the generic envelope values
// produced by the codec layer. It also hosts the compatibility gate
// that rejects the legacy map-shaped sibling format before decoding.
package wire

import (
	"fmt"
	"strings"
)

// Namespace components of reserved discriminators.
const (
	NamespaceSystem  = "chsk"
	NamespaceChannel = "channel"
)

// Discriminator is the namespaced tag identifying an event's kind.
// Raw strings without a namespace component are not valid
// discriminators under the canonical grammar.
type Discriminator struct {
	Namespace string
	Name      string
}

// ParseDiscriminator parses a "namespace/name" tag. Both components
// must be non-empty and the name may not itself contain a slash.
func ParseDiscriminator(s string) (Discriminator, bool) {
	ns, name, found := strings.Cut(s, "/")
	if !found || ns == "" || name == "" || strings.Contains(name, "/") {
		return Discriminator{}, false
	}
	return Discriminator{Namespace: ns, Name: name}, true
}

func (d Discriminator) String() string {
	return d.Namespace + "/" + d.Name
}

// IsSystem reports whether the discriminator is in the reserved
// protocol-internal namespace.
func (d Discriminator) IsSystem() bool {
	return d.Namespace == NamespaceSystem
}

// IsChannel reports whether the discriminator belongs to the
// publish/subscribe channel extension.
func (d Discriminator) IsChannel() bool {
	return d.Namespace == NamespaceChannel
}

// Reserved system event names (chsk namespace).
const (
	SystemHandshake    = "handshake"
	SystemWSPing       = "ws-ping"
	SystemWSPong       = "ws-pong"
	SystemUIDPortOpen  = "uidport-open"
	SystemUIDPortClose = "uidport-close"
	SystemBadEvent     = "bad-event"
)

// Channel extension event names (channel namespace).
const (
	ChannelSubscribe   = "subscribe"
	ChannelUnsubscribe = "unsubscribe"
	ChannelSubscribed  = "subscribed"
	ChannelPublish     = "publish"
	ChannelMessage     = "message"
)

// Event is the tagged union of protocol message shapes. The concrete
// types are SystemEvent, AppEvent, CallbackRequest and CallbackReply.
type Event interface {
	isEvent()
}

// SystemEvent is a protocol-internal event in the reserved chsk
// namespace (handshake, ping, pong, port notifications, bad-event).
type SystemEvent struct {
	Name string
	Data any
}

// AppEvent is any event outside the reserved system namespace,
// including the channel extension's subscribe/publish traffic.
type AppEvent struct {
	Disc Discriminator
	Data any
}

// CallbackRequest wraps an event with a reply-expectation marker. The
// inner event is always a SystemEvent or AppEvent, never another
// callback shape.
type CallbackRequest struct {
	Event         Event
	CorrelationID string
}

// CallbackReply carries a reply payload keyed by correlation id. It
// has no discriminator; it is recognized purely by shape.
type CallbackReply struct {
	CorrelationID string
	Data          any
}

func (*SystemEvent) isEvent()     {}
func (*AppEvent) isEvent()        {}
func (*CallbackRequest) isEvent() {}
func (*CallbackReply) isEvent()   {}

// EventDiscriminator returns the namespaced tag of a plain event, or
// false for callback shapes which carry none at the top level.
func EventDiscriminator(ev Event) (Discriminator, bool) {
	switch e := ev.(type) {
	case *SystemEvent:
		return Discriminator{Namespace: NamespaceSystem, Name: e.Name}, true
	case *AppEvent:
		return e.Disc, true
	}
	return Discriminator{}, false
}

// NewSystemEvent builds a chsk-namespace event.
func NewSystemEvent(name string, data any) *SystemEvent {
	return &SystemEvent{Name: name, Data: data}
}

// NewAppEvent builds an application event from a "ns/name" tag. It
// panics on an invalid tag; application event names are compiled into
// the embedding service, not received from the wire.
func NewAppEvent(tag string, data any) *AppEvent {
	disc, ok := ParseDiscriminator(tag)
	if !ok {
		panic(fmt.Sprintf("invalid event tag %q", tag))
	}
	return &AppEvent{Disc: disc, Data: data}
}
