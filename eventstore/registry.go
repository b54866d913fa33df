package eventstore

import "fmt"

// Decoder turns a raw event's Payload into a concrete domain event value.
type Decoder func(e Event) (any, error)

// Registry maps (event_type, event_version) to a Decoder, implementing the
// tagged-variant dispatch described in spec §9: "Implementations should
// model this as a tagged variant per event_type, with a registry mapping
// (event_type, event_version) to a decoder."
//
// Registry is intentionally permissive about unknown combinations — callers
// decide whether that's a skip (projections) or a hard failure (sagas),
// per spec §9: "Unknown combinations are logged and skipped by projections
// ... but the saga coordinator must fail loudly when it cannot decode".
type Registry struct {
	decoders map[registryKey]Decoder
}

type registryKey struct {
	eventType    string
	eventVersion int
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[registryKey]Decoder)}
}

// Register binds a Decoder to (eventType, eventVersion). Registering twice
// for the same key overwrites the previous decoder — useful for tests, but
// production wiring should register each combination exactly once.
func (r *Registry) Register(eventType string, eventVersion int, dec Decoder) {
	r.decoders[registryKey{eventType, eventVersion}] = dec
}

// Decode looks up the decoder for e's (EventType, EventVersion) and invokes
// it. ErrUnknownEventType is returned, wrapped, when no decoder is registered.
func (r *Registry) Decode(e Event) (any, error) {
	dec, ok := r.decoders[registryKey{e.EventType, e.EventVersion}]
	if !ok {
		return nil, fmt.Errorf("%w: %s v%d", ErrUnknownEventType, e.EventType, e.EventVersion)
	}
	return dec(e)
}

// Known reports whether a decoder is registered for e's (EventType, EventVersion).
func (r *Registry) Known(e Event) bool {
	_, ok := r.decoders[registryKey{e.EventType, e.EventVersion}]
	return ok
}

// ErrUnknownEventType is returned by Decode for an unregistered (type, version) pair.
var ErrUnknownEventType = fmt.Errorf("eventstore: unknown event type/version")
