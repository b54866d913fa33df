// Package eventstore implements the durable, versioned, append-only event
// log described in spec §4.1: per-aggregate optimistic concurrency, total
// order per aggregate id, and replay from version 1.
package eventstore

import (
	"encoding/json"
	"time"
)

// Metadata carries correlation id, causation id, and an optional actor id
// alongside every event, per the data model in spec §3.
type Metadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	ActorID       string `json:"actor_id,omitempty"`
}

// Event is the immutable, persisted record described in spec §3. Payload is
// kept as raw JSON; callers decode it through the Registry keyed by
// (EventType, EventVersion) per the tagged-variant design in spec §9.
type Event struct {
	EventID       string          `json:"event_id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      Metadata        `json:"metadata"`
	Version       int             `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewEvent builds an Event ready for Append, encoding payload as JSON.
// Version is left at 0: the store assigns it during Append.
func NewEvent(eventID, aggregateID, aggregateType, eventType string, eventVersion int, payload any, md Metadata) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		EventID:       eventID,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventVersion:  eventVersion,
		Payload:       data,
		Metadata:      md,
	}, nil
}

// Decode unmarshals Payload into v using encoding/json. Callers typically go
// through Registry.Decode instead, which also validates the (type, version)
// pair is known.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}
