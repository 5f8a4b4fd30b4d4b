package session

import (
	"context"

	"fotopipe/internal/event"
)

// deferredScope is the Go shape of original_source's deferred_batch_events():
// while active, commits inside it stage their collected event kinds instead of
// publishing immediately; on scope close at most one aggregate per Collected
// Def is published, however many commits happened inside.
type deferredScope struct {
	// pendingAggregates holds the names of Collected Defs (e.g. "ListUpdate")
	// that must be published once when the scope closes.
	pendingAggregates map[string]struct{}
	listOrderIDs      map[string]struct{}
}

func newDeferredScope() *deferredScope {
	return &deferredScope{
		pendingAggregates: map[string]struct{}{},
		listOrderIDs:      map[string]struct{}{},
	}
}

// DeferBatch runs fn with batching enabled on s: every commit inside fn that
// would otherwise publish a Collected-aggregated event (e.g. ListUpdate for
// OrderUpdate) instead stages it. The staged aggregate is not published when
// fn returns — s.Tx has not committed yet at that point — but when s.Commit
// succeeds, so a batch that never commits never notifies. Nesting is not
// supported, matching original_source's single active batch scope.
func (s *Session) DeferBatch(ctx context.Context, fn func() error) error {
	if s.deferred != nil {
		return fn() // already inside a batch: flatten, original_source does the same
	}

	scope := newDeferredScope()
	s.deferred = scope
	err := fn()
	s.deferred = nil
	if err != nil {
		return err
	}

	// Any order marked dirty via MarkOrderListDirty also warrants the
	// ListUpdate aggregate, same as an OrderUpdate collected during the scope.
	if len(scope.listOrderIDs) > 0 {
		if agg := collectorFor("OrderUpdate"); agg != "" {
			scope.pendingAggregates[agg] = struct{}{}
		}
	}

	s.pendingBatch = scope
	return nil
}

// flushBatchAggregates publishes whatever DeferBatch staged, called only from
// Commit after the underlying transaction has actually committed.
func (s *Session) flushBatchAggregates(ctx context.Context) {
	if s.pendingBatch == nil {
		return
	}
	for name := range s.pendingBatch.pendingAggregates {
		def, ok := event.DefByName(name)
		if !ok {
			continue
		}
		s.dispatcher.Publish(ctx, def.Build(event.Context{}))
	}
	s.pendingBatch = nil
}
