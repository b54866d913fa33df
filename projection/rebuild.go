package projection

import (
	"context"

	"orderflow/eventstore"
)

// RebuildAdapter satisfies replay.Rebuildable by delegating to an
// OrderProjection and its backing view store, letting the replay service
// (spec §4.7) rebuild the orders view from scratch.
type RebuildAdapter struct {
	Projection *OrderProjection
}

// Clear empties the backing view store.
func (a *RebuildAdapter) Clear(ctx context.Context) error {
	return a.Projection.Store.Clear(ctx)
}

// Apply re-runs the same idempotent, version-guarded handler the live
// pipeline uses, so replay is safe to interleave with live traffic.
func (a *RebuildAdapter) Apply(ctx context.Context, e eventstore.Event) error {
	return a.Projection.Handle(ctx, e)
}
