// Package reclock is the C5 record lock: a race-condition-safe pattern for
// background tasks built on `SELECT ... FOR UPDATE NOWAIT`. Grounded on
// original_source/tasks/utils/processing_lock.go's acquire_processing_lock —
// reworked from a generic Python function to a generic Go one over a
// caller-supplied query and status predicate, since Go has no SQLModel-style
// attribute reflection.
package reclock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// lockNotAvailable is Postgres SQLSTATE 55P03, raised by FOR UPDATE NOWAIT
// when the row is already locked by another transaction. This is the
// Go-idiomatic replacement for the source's string match on "lock" in the
// DBAPI error text.
const lockNotAvailable = "55P03"

// Reason explains why Acquire chose not to hand back a record.
type Reason string

const (
	ReasonLockedByAnotherWorker Reason = "locked_by_another_worker"
	ReasonNotFound              Reason = "not_found"
	ReasonAlreadyCompleted      Reason = "already_completed"
	ReasonAlreadyProcessing     Reason = "already_processing"
)

// Result is the outcome of one Acquire call.
type Result[T any] struct {
	Record  *T
	Skipped bool
	Reason  Reason
}

// ShouldProcess reports whether the caller holds a lock it should act on.
func (r Result[T]) ShouldProcess() bool { return r.Record != nil && !r.Skipped }

// Lockable is implemented by the subset of a row's fields Acquire needs to
// reason about: its current status and whether its terminal artifact already
// exists (the "completed but status wasn't updated" recovery case).
type Lockable interface {
	CurrentStatus() string
	HasTerminalArtifact() bool
}

// Params configures one Acquire call.
type Params struct {
	// SelectForUpdateNoWait must be a single-row query ending in
	// "FOR UPDATE NOWAIT", parameterized by id as its only bind variable.
	SelectForUpdateNoWait string
	EntityName             string
	RecordID                any
	CompletedStatus         string
	// StartableStatuses is the set of statuses from which processing may
	// begin — the Go rendition of the source's status.startable_states().
	StartableStatuses map[string]struct{}
	// MarkCompleted is invoked, inside the same transaction, when a record is
	// found with a terminal artifact but a status that hasn't caught up yet.
	MarkCompleted func(ctx context.Context, tx *sqlx.Tx, id any) error
	Logger        *slog.Logger
}

// Acquire implements the lock/skip/process decision tree: try FOR UPDATE
// NOWAIT, treat 55P03 as "another worker has it", then apply the
// already-completed and already-processing skip rules in order. dest must be
// a pointer to the struct the row scans into, and must also satisfy Lockable.
func Acquire[T any](ctx context.Context, tx *sqlx.Tx, p Params, dest *T, asLockable func(*T) Lockable) (Result[T], error) {
	err := tx.GetContext(ctx, dest, p.SelectForUpdateNoWait, p.RecordID)
	if errors.Is(err, sql.ErrNoRows) {
		p.Logger.Error("record not found for locking", "entity", p.EntityName, "id", p.RecordID)
		return Result[T]{Skipped: true, Reason: ReasonNotFound}, nil
	}
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == lockNotAvailable {
			p.Logger.Info("locked by another worker, skipping", "entity", p.EntityName, "id", p.RecordID)
			return Result[T]{Skipped: true, Reason: ReasonLockedByAnotherWorker}, nil
		}
		return Result[T]{}, fmt.Errorf("acquire lock on %s %v: %w", p.EntityName, p.RecordID, err)
	}

	rec := asLockable(dest)

	if rec.HasTerminalArtifact() {
		p.Logger.Warn("already has terminal artifact, marking completed", "entity", p.EntityName, "id", p.RecordID)
		if rec.CurrentStatus() != p.CompletedStatus && p.MarkCompleted != nil {
			if err := p.MarkCompleted(ctx, tx, p.RecordID); err != nil {
				return Result[T]{}, fmt.Errorf("mark %s %v completed: %w", p.EntityName, p.RecordID, err)
			}
		}
		return Result[T]{Skipped: true, Reason: ReasonAlreadyCompleted}, nil
	}

	if _, startable := p.StartableStatuses[rec.CurrentStatus()]; !startable {
		p.Logger.Warn("already being processed by another worker", "entity", p.EntityName, "id", p.RecordID, "status", rec.CurrentStatus())
		return Result[T]{Skipped: true, Reason: ReasonAlreadyProcessing}, nil
	}

	return Result[T]{Record: dest}, nil
}
