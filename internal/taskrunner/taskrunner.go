// Package taskrunner is the C7 task runtime: a durable, named-actor job
// queue backed by the `tasks` table, generalizing
// adhtanjung-maukmn-api-alpha's internal/imaging.Service worker pool (channel
// queue + worker goroutines + resume-on-boot + exponential-backoff retry)
// from one implicit job kind to a registry of named actors shared by every
// pipeline stage (C9).
package taskrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"fotopipe/internal/apperr"
)

// Status mirrors the `tasks.status` column.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed" // permanently failed, attempts exhausted
)

// Handler executes one task attempt. A nil return commits the task as
// completed; a non-nil return schedules a retry unless the error is
// permanent (see isPermanent).
type Handler func(ctx context.Context, args json.RawMessage) error

// ActorDef registers one named task kind.
type ActorDef struct {
	Name        string
	Handler     Handler
	MaxAttempts int // defaults to 5 if zero
}

// Task is one row of the `tasks` table.
type Task struct {
	ID            uuid.UUID       `db:"id"`
	ActorName     string          `db:"actor_name"`
	Args          json.RawMessage `db:"args"`
	Status        string          `db:"status"`
	Attempts      int             `db:"attempts"`
	IsRecovery    bool            `db:"is_recovery"`
	LastError     *string         `db:"last_error"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
	NextAttemptAt time.Time       `db:"next_attempt_at"`
}

// Runtime owns the actor registry, the in-memory dispatch queue, and the
// worker pool. One Runtime per process (cmd/worker).
type Runtime struct {
	db     *sqlx.DB
	logger *slog.Logger

	actorsMu sync.RWMutex
	actors   map[string]ActorDef

	queue  chan uuid.UUID
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func New(db *sqlx.DB, logger *slog.Logger, workerCount int) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		db:     db,
		logger: logger,
		actors: map[string]ActorDef{},
		queue:  make(chan uuid.UUID, 1000),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	return r
}

// Register adds an actor definition. Call during process startup, before any
// task is dispatched to the workers New started.
func (r *Runtime) Register(def ActorDef) {
	if def.MaxAttempts <= 0 {
		def.MaxAttempts = 5
	}
	r.actorsMu.Lock()
	defer r.actorsMu.Unlock()
	r.actors[def.Name] = def
}

// Stop cancels the runtime's context, closes the queue, and waits for the
// workers to exit. Ids still in the queue are not run; their rows stay
// pending in the tasks table for the next ResumePending.
func (r *Runtime) Stop() {
	r.cancel()
	close(r.queue)
	r.wg.Wait()
}

// Enqueue persists a new task row; it does not touch the in-memory queue.
// The caller dispatches the returned id with Dispatch. If tx is non-nil the
// insert participates in the caller's transaction, and the caller calls
// Dispatch only after it commits — this mirrors the session's "no event
// before commit" rule applied to task scheduling.
func (r *Runtime) Enqueue(ctx context.Context, tx *sqlx.Tx, actorName string, args any, isRecovery bool) (uuid.UUID, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return uuid.Nil, fmt.Errorf("taskrunner: marshal args: %w", err)
	}
	id := uuid.New()
	query := `INSERT INTO tasks (id, actor_name, args, status, is_recovery) VALUES ($1, $2, $3, $4, $5)`

	exec := sqlx.ExecerContext(r.db)
	if tx != nil {
		exec = tx
	}
	if _, err := exec.ExecContext(ctx, query, id, actorName, payload, StatusPending, isRecovery); err != nil {
		return uuid.Nil, fmt.Errorf("taskrunner: enqueue %s: %w", actorName, err)
	}
	return id, nil
}

// Dispatch pushes an already-persisted task id onto the in-memory queue. If
// the queue is full the id is dropped and the row stays pending in the tasks
// table for the next ResumePending — same non-blocking-enqueue contract as
// the teacher's QueueProcessing.
func (r *Runtime) Dispatch(id uuid.UUID) {
	select {
	case r.queue <- id:
	default:
		r.logger.Warn("taskrunner: queue full, task stays pending until the next ResumePending", "task_id", id)
	}
}

// ResumePending loads every pending/retry-due task from the database and
// dispatches it — the boot-time resume step (teacher's resumePendingJobs),
// run once from cmd/worker before serving new work.
func (r *Runtime) ResumePending(ctx context.Context) error {
	var tasks []Task
	query := `SELECT id, actor_name, args, status, attempts, is_recovery, last_error, created_at, updated_at, next_attempt_at
	          FROM tasks WHERE status = $1 AND next_attempt_at <= now() ORDER BY created_at ASC`
	if err := r.db.SelectContext(ctx, &tasks, query, StatusPending); err != nil {
		return fmt.Errorf("taskrunner: resume pending: %w", err)
	}
	r.logger.Info("taskrunner: resuming pending tasks", "count", len(tasks))
	for _, t := range tasks {
		select {
		case r.queue <- t.ID:
		case <-r.ctx.Done():
			return nil
		}
	}
	return nil
}

func (r *Runtime) worker(id int) {
	defer r.wg.Done()
	l := r.logger.With("worker_id", id)

	for taskID := range r.queue {
		select {
		case <-r.ctx.Done():
			return
		default:
		}
		r.runOne(l, taskID)
	}
}

func (r *Runtime) runOne(l *slog.Logger, taskID uuid.UUID) {
	ctx := r.ctx

	var task Task
	err := r.db.GetContext(ctx, &task, `SELECT id, actor_name, args, status, attempts, is_recovery, last_error, created_at, updated_at, next_attempt_at FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		l.Error("taskrunner: failed to load task", "task_id", taskID, "error", err)
		return
	}

	r.actorsMu.RLock()
	def, ok := r.actors[task.ActorName]
	r.actorsMu.RUnlock()
	if !ok {
		l.Error("taskrunner: no actor registered", "actor", task.ActorName, "task_id", taskID)
		return
	}

	r.db.ExecContext(ctx, `UPDATE tasks SET status = $1, updated_at = now() WHERE id = $2`, StatusRunning, taskID)

	l.Info("taskrunner: running task", "actor", task.ActorName, "task_id", taskID, "attempt", task.Attempts+1)
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	err = def.Handler(runCtx, task.Args)
	cancel()

	if err == nil {
		r.db.ExecContext(ctx, `UPDATE tasks SET status = $1, updated_at = now() WHERE id = $2`, StatusCompleted, taskID)
		return
	}

	r.handleFailure(l, def, task, err)
}

// handleFailure implements the teacher's handleJobFailure, generalized: a
// BadRequestPermanent (or any apperr.BadRequestPermanent-wrapping) error never
// retries, matching spec.md §7's "throws" non-retryable set.
func (r *Runtime) handleFailure(l *slog.Logger, def ActorDef, task Task, taskErr error) {
	ctx := context.Background()
	attempts := task.Attempts + 1
	msg := taskErr.Error()

	if isPermanent(taskErr) || attempts >= def.MaxAttempts {
		l.Error("taskrunner: task permanently failed", "actor", task.ActorName, "task_id", task.ID, "attempts", attempts, "error", msg)
		r.db.ExecContext(ctx, `UPDATE tasks SET status = $1, attempts = $2, last_error = $3, updated_at = now() WHERE id = $4`,
			StatusFailed, attempts, msg, task.ID)
		return
	}

	delay := retryDelay(attempts)
	nextAttempt := time.Now().Add(delay)
	r.db.ExecContext(ctx, `UPDATE tasks SET status = $1, attempts = $2, last_error = $3, next_attempt_at = $4, updated_at = now() WHERE id = $5`,
		StatusPending, attempts, msg, nextAttempt, task.ID)

	time.AfterFunc(delay, func() {
		select {
		case r.queue <- task.ID:
		case <-r.ctx.Done():
		default:
			l.Error("taskrunner: failed to requeue task", "task_id", task.ID)
		}
	})
}

// retryDelay uses backoff's exponential curve (grounded on the same library
// already wired into internal/event's publish retry) instead of the teacher's
// attempts^2 seconds, giving jittered rather than deterministic spacing.
func retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// isPermanent reports whether taskErr (or something it wraps) signals a
// non-retryable failure.
func isPermanent(taskErr error) bool {
	var badRequest *apperr.BadRequestPermanent
	if errors.As(taskErr, &badRequest) {
		return true
	}
	var validation *apperr.Validation
	return errors.As(taskErr, &validation)
}
