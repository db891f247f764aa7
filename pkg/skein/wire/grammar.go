package wire

// ToWire converts an event to the generic envelope value handed to the
// codec layer. Plain events omit the data slot when it is nil.
func ToWire(ev Event) any {
	switch e := ev.(type) {
	case *SystemEvent:
		return plainToWire(Discriminator{Namespace: NamespaceSystem, Name: e.Name}, e.Data)
	case *AppEvent:
		return plainToWire(e.Disc, e.Data)
	case *CallbackRequest:
		return []any{ToWire(e.Event), e.CorrelationID}
	case *CallbackReply:
		return []any{e.Data, e.CorrelationID}
	}
	return nil
}

func plainToWire(disc Discriminator, data any) []any {
	if data == nil {
		return []any{disc.String()}
	}
	return []any{disc.String(), data}
}

// FromWire interprets a decoded envelope value as an event. The four
// shape rules are evaluated in order and the first match wins:
//
//  1. [[discriminator data?] id] => CallbackRequest
//  2. [discriminator data?]      => SystemEvent or AppEvent
//  3. [data id]                  => CallbackReply
//  4. anything else              => BadEventError
//
// Requests and replies share the same tuple arity and are told apart
// only by shape, so this precedence must not be reordered.
func FromWire(v any) (Event, error) {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil, &BadEventError{Raw: v}
	}

	// Rule 1: inner discriminator-led tuple plus a correlation id.
	if len(list) == 2 {
		if inner, ok := list[0].([]any); ok {
			if id, ok := correlationID(list[1]); ok {
				if ev, err := plainFromWire(inner); err == nil {
					return &CallbackRequest{Event: ev, CorrelationID: id}, nil
				}
			}
		}
	}

	// Rule 2: discriminator-led tuple is a plain event.
	if ev, err := plainFromWire(list); err == nil {
		return ev, nil
	}

	// Rule 3: no discriminator, trailing correlation id is a reply.
	if len(list) == 2 {
		if id, ok := correlationID(list[1]); ok {
			return &CallbackReply{CorrelationID: id, Data: list[0]}, nil
		}
	}

	return nil, &BadEventError{Raw: v}
}

// plainFromWire parses a [discriminator data?] tuple.
func plainFromWire(list []any) (Event, error) {
	if len(list) < 1 || len(list) > 2 {
		return nil, &BadEventError{Raw: list}
	}
	tag, ok := list[0].(string)
	if !ok {
		return nil, &BadEventError{Raw: list}
	}
	disc, ok := ParseDiscriminator(tag)
	if !ok {
		return nil, &BadEventError{Raw: list}
	}
	var data any
	if len(list) == 2 {
		data = list[1]
	}
	if disc.IsSystem() {
		return &SystemEvent{Name: disc.Name, Data: data}, nil
	}
	return &AppEvent{Disc: disc, Data: data}, nil
}

// correlationID reports whether a value is correlation-id shaped: a
// non-empty opaque string.
func correlationID(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
