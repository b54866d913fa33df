package outbox

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"orderflow/eventstore"
	"orderflow/pkg/idgen"
)

// MemoryStore is an in-process Store for tests. It ignores the *sql.Tx
// argument (there is no real transaction to enlist in) and is only
// consistent to the extent the caller serializes access.
type MemoryStore struct {
	mu   sync.Mutex
	rows []Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) EnqueueTx(_ context.Context, _ *sql.Tx, topic string, e eventstore.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, Record{ID: idgen.NewULID(), Topic: topic, Event: e, CreatedAt: time.Now().UTC()})
	return nil
}

func (s *MemoryStore) Pending(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.rows {
		if r.Published {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkPublished(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	for i := range s.rows {
		if idSet[s.rows[i].ID] {
			s.rows[i].Published = true
		}
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
