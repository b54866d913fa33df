// Package idgen centralizes identifier generation so every component uses
// the same id shapes: UUIDv4 for entity identity, ULID where sortable,
// time-ordered ids are needed (outbox rows, saga audit log entries).
package idgen

import (
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewUUID generates a new UUID v4 string, used for event_id, aggregate_id,
// saga_id and command_id.
func NewUUID() string {
	return uuid.New().String()
}

// ParseUUID parses a UUID string.
func ParseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// NewULID generates a monotonic, lexically sortable id for rows that must
// preserve insertion order without a dedicated sequence column (outbox
// entries, saga audit log entries).
func NewULID() string {
	return ulid.Make().String()
}

// NewULIDAt generates a ULID for a specific instant, used in tests that need
// deterministic ordering.
func NewULIDAt(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
