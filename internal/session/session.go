// Package session is the C3 change-tracking session: a thin wrapper around one
// database transaction that observes writes to registered fields, captures the
// context those writes need for event publication, and hands events to C4 only
// after the transaction commits. Grounded on
// original_source/db/tracked_session.py in full, reworked from inheritance to
// composition per spec.md §9's explicit guidance.
package session

import (
	"context"
	"sort"
	"sync"

	"github.com/jmoiron/sqlx"

	"fotopipe/internal/apperr"
	"fotopipe/internal/event"
)

// globallyRegisteredFields is the Go analog of original_source's module-level
// _GLOBALLY_REGISTERED_FIELDS: a field is eligible for tracking at most once,
// process-wide, populated by this package's init() below.
var (
	registeredFieldsMu sync.Mutex
	registeredFields   = map[event.FieldID]struct{}{}
)

// init registers every field named in an event Def's trigger set, so
// MarkChanged tracks them and Commit publishes their events.
func init() {
	for _, f := range []event.FieldID{
		event.OrderStatus, event.OrderPaymentStatus, event.OrderShippingMethod,
		event.ImageSelectedColoringID, event.ImageSelectedSvgID, event.ImageFileRef,
		event.ColoringVersionStatus, event.SvgVersionStatus,
	} {
		RegisterTrackedField(f)
	}
}

// RegisterTrackedField makes field eligible for change tracking. Idempotent;
// call from a package init() once per field, never per-session.
func RegisterTrackedField(field event.FieldID) {
	registeredFieldsMu.Lock()
	defer registeredFieldsMu.Unlock()
	registeredFields[field] = struct{}{}
}

func isRegistered(field event.FieldID) bool {
	registeredFieldsMu.Lock()
	defer registeredFieldsMu.Unlock()
	_, ok := registeredFields[field]
	return ok
}

// Session wraps one *sqlx.Tx plus the change-tracking and context state for
// that transaction. Not safe for concurrent use — one Session per goroutine,
// matching spec.md §5's "each task creates its own session" policy.
type Session struct {
	Tx         *sqlx.Tx
	dispatcher *event.Dispatcher

	changed map[event.FieldID]struct{}
	context event.Context

	deferred     *deferredScope
	pendingBatch *deferredScope
	listDirty    map[string]struct{}
}

// New starts a session bound to tx. dispatcher is used post-commit only.
func New(tx *sqlx.Tx, dispatcher *event.Dispatcher) *Session {
	return &Session{
		Tx:         tx,
		dispatcher: dispatcher,
		changed:    map[event.FieldID]struct{}{},
		context:    event.Context{},
		listDirty:  map[string]struct{}{},
	}
}

// SetMercureContext records context key/value pairs derived from the
// predicates a caller is about to write under (e.g. order_id, image_id). It
// does not itself validate anything against trigger fields — MarkChanged does
// that at write time, per field.
func (s *Session) SetMercureContext(kv map[string]any) {
	for k, v := range kv {
		s.context[k] = v
	}
}

// MarkChanged records that field was written in this transaction. If field is
// tracked and triggers an event kind whose required context is not yet fully
// present, it returns *apperr.ContextMissing without writing anything — this is
// the fail-fast development-time contract from spec.md §4.2.
func (s *Session) MarkChanged(field event.FieldID) error {
	if !isRegistered(field) {
		return nil
	}
	for _, def := range event.DefsTriggeredBy(field) {
		if missing := def.MissingContext(s.context); len(missing) > 0 {
			return &apperr.ContextMissing{Field: string(field), Missing: missing}
		}
	}
	s.changed[field] = struct{}{}
	return nil
}

// MarkOrderListDirty records that orderID should appear in the next
// ListUpdate aggregate, independent of any tracked field change — the Go
// equivalent of "ListUpdate collects OrderUpdate + Order insert/delete"
// (spec.md §4.3's event table). Outside an active DeferBatch scope the dirty
// set is still only flushed post-commit, not published here — a rolled-back
// write must never surface a ListUpdate any more than a rolled-back field
// change surfaces its event.
func (s *Session) MarkOrderListDirty(orderID string) {
	if s.deferred != nil {
		s.deferred.listOrderIDs[orderID] = struct{}{}
		return
	}
	s.listDirty[orderID] = struct{}{}
}

// Commit commits the underlying transaction and, only on success, flushes
// events for every changed tracked field. No event is ever emitted for a
// rolled-back transaction (spec.md §4.2 invariant).
func (s *Session) Commit(ctx context.Context) error {
	if err := s.Tx.Commit(); err != nil {
		return err
	}
	s.flushFieldEvents(ctx)
	s.flushBatchAggregates(ctx)
	s.flushListDirty(ctx)
	return nil
}

// flushListDirty publishes a single ListUpdate if any order was marked dirty
// outside a DeferBatch scope, called only after Tx.Commit succeeds.
func (s *Session) flushListDirty(ctx context.Context) {
	if len(s.listDirty) == 0 {
		return
	}
	s.dispatcher.Publish(ctx, event.ListUpdateEvent{Type: "list_update"})
	s.listDirty = map[string]struct{}{}
}

// Rollback rolls back the transaction. No events are published.
func (s *Session) Rollback() error {
	return s.Tx.Rollback()
}

// flushFieldEvents implements spec.md §4.2's "on commit" algorithm: for each
// changed tracked field, find every event kind it triggers, build one event per
// kind, dedupe by identity key (last write wins), then either stage collected
// kinds into the active deferred scope or publish immediately.
func (s *Session) flushFieldEvents(ctx context.Context) {
	byIdentity := map[string]event.Event{}
	order := []string{}

	// Deterministic field iteration keeps event ordering reproducible across
	// runs, which matters for the "ordering within one commit" invariant
	// (spec.md §4.2: field-change events, then batch aggregates).
	fields := make([]event.FieldID, 0, len(s.changed))
	for f := range s.changed {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })

	byIdentityDefName := map[string]string{}

	for _, field := range fields {
		for _, def := range event.DefsTriggeredBy(field) {
			ev := def.Build(s.context)
			key := ev.IdentityKey()
			if _, seen := byIdentity[key]; !seen {
				order = append(order, key)
			}
			byIdentity[key] = ev // last write wins
			byIdentityDefName[key] = def.Name
		}
	}

	// A DeferBatch that already returned leaves its scope in pendingBatch until
	// this Commit, so fields marked inside it are still staged, not published.
	scope := s.deferred
	if scope == nil {
		scope = s.pendingBatch
	}
	for _, key := range order {
		ev := byIdentity[key]
		defName := byIdentityDefName[key]
		if scope != nil {
			if agg := collectorFor(defName); agg != "" {
				scope.pendingAggregates[agg] = struct{}{}
				continue
			}
		}
		s.dispatcher.Publish(ctx, ev)
	}
}

// collectorFor returns the name of the Collected Def that aggregates defName
// (e.g. "ListUpdate" for "OrderUpdate"), or "" if nothing collects it.
func collectorFor(defName string) string {
	for name, def := range event.AllDefs() {
		if !def.Collected {
			continue
		}
		for _, collected := range def.CollectsKinds {
			if collected == defName {
				return name
			}
		}
	}
	return ""
}
