// Package recovery is the C8 recovery driver: periodically finds tasks left
// in an intermediate state by a worker crash or restart, and re-dispatches
// them. Grounded on original_source/tasks/utils/recovery.go's
// run_recovery/_recover_stuck_tasks — reworked from dramatiq's actor registry
// plus RedisLock dedup to an explicit registry populated at init() and
// internal/distlock for both the single-flight guard and the per-item
// dedup marker.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"fotopipe/internal/distlock"
	"fotopipe/internal/taskrunner"
)

const (
	sweepLockTTL    = 5 * time.Minute
	dispatchLockTTL = 5 * time.Minute
	sweepLockKey    = "recovery:sweep"
)

// Item is one unit of recoverable work: a version/task id plus the context
// needed to re-run it with proper Mercure context attached.
type Item struct {
	VersionID int64
	OrderID   string
	ImageID   int64
}

// FindIncomplete loads every item of this actor's kind that is stuck in an
// intermediate (Recoverable) state.
type FindIncomplete func(ctx context.Context, db *sqlx.DB) ([]Item, error)

// actorEntry pairs one recoverable actor name with its incomplete-item finder.
type actorEntry struct {
	ActorName string
	Find      FindIncomplete
}

var (
	registryMu sync.Mutex
	registry   []actorEntry
)

// Register adds an actor to the recovery sweep. Call from a pipeline
// service's init(), mirroring the source's @task_recover decorator.
func Register(actorName string, find FindIncomplete) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, actorEntry{ActorName: actorName, Find: find})
}

// Driver runs the periodic recovery sweep.
type Driver struct {
	db      *sqlx.DB
	runtime *taskrunner.Runtime
	locker  *distlock.Locker
	logger  *slog.Logger
}

func New(db *sqlx.DB, runtime *taskrunner.Runtime, locker *distlock.Locker, logger *slog.Logger) *Driver {
	return &Driver{db: db, runtime: runtime, locker: locker, logger: logger}
}

// Run performs one sweep, guarded by a process-wide single-flight lock so
// concurrent workers (or a crash-looping single worker) never run two sweeps
// at once. Returns the number of tasks re-dispatched.
func (d *Driver) Run(ctx context.Context) (int, error) {
	recovered := 0
	err := d.locker.MustTryFunc(ctx, sweepLockKey, distlock.Options{TTL: sweepLockTTL, AutoRelease: true}, func(ctx context.Context) error {
		n, err := d.recoverStuckTasks(ctx)
		recovered = n
		return err
	})
	if err == distlock.ErrUnavailable {
		d.logger.Debug("recovery: sweep already running, skipping")
		return 0, nil
	}
	return recovered, err
}

// RunPeriodically calls Run every interval until ctx is cancelled.
func (d *Driver) RunPeriodically(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.Run(ctx)
			if err != nil {
				d.logger.Error("recovery: sweep failed", "error", err)
				continue
			}
			if n > 0 {
				d.logger.Info("recovery: sweep complete", "tasks_recovered", n)
			} else {
				d.logger.Debug("recovery: no stuck tasks found")
			}
		}
	}
}

func (d *Driver) recoverStuckTasks(ctx context.Context) (int, error) {
	registryMu.Lock()
	entries := append([]actorEntry(nil), registry...)
	registryMu.Unlock()

	total := 0
	for _, entry := range entries {
		items, err := entry.Find(ctx, d.db)
		if err != nil {
			d.logger.Error("recovery: failed to find incomplete tasks", "actor", entry.ActorName, "error", err)
			continue
		}

		for _, item := range items {
			dedupKey := fmt.Sprintf("recovery:%s:%s:%d", entry.ActorName, item.OrderID, item.VersionID)
			// auto_release=false: the lock itself IS the dedup marker, left to
			// expire rather than released, matching the source's comment.
			err := d.locker.MustTryFunc(ctx, dedupKey, distlock.Options{TTL: dispatchLockTTL, AutoRelease: false}, func(ctx context.Context) error {
				d.logger.Info("recovery: recovering stuck task",
					"actor", entry.ActorName, "version_id", item.VersionID, "order_id", item.OrderID, "image_id", item.ImageID)

				args := map[string]any{
					"version_id": item.VersionID,
					"order_id":   item.OrderID,
					"image_id":   item.ImageID,
					"is_recovery": true,
				}
				id, err := d.runtime.Enqueue(ctx, nil, entry.ActorName, args, true)
				if err != nil {
					return err
				}
				d.runtime.Dispatch(id)
				total++
				return nil
			})
			if err != nil && err != distlock.ErrUnavailable {
				d.logger.Error("recovery: failed to recover task",
					"actor", entry.ActorName, "version_id", item.VersionID, "error", err)
			}
		}
	}

	return total, nil
}
