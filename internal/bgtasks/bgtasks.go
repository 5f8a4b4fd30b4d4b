// Package bgtasks is the C10 background-task group: fire-and-forget
// goroutines collected so a caller can wait for all of them, with a bound on
// how long it waits before giving up and moving on. Grounded on
// original_source/tasks/utils/background_tasks.py's BackgroundTasks —
// reworked from asyncio.Task/asyncio.gather to goroutines + sync.WaitGroup,
// since Go has no task-cancellation-by-handle equivalent to asyncio.Task.cancel.
package bgtasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Group collects goroutines that should finish (or be abandoned on timeout)
// before a request handler or task invocation returns. Not safe for use after
// Wait has been called.
type Group struct {
	logger  *slog.Logger
	wg      sync.WaitGroup
	done    chan struct{}
	pending atomic.Int64
}

func New(logger *slog.Logger) *Group {
	return &Group{logger: logger, done: make(chan struct{})}
}

// Run schedules fn to execute in its own goroutine, named for logging.
// Panics inside fn are recovered and logged as task failures, never crash the
// process — a background publish or cleanup must never take down a request.
func (g *Group) Run(name string, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	g.pending.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.pending.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				g.logger.Warn("background task panicked", "task", name, "panic", fmt.Sprint(r))
			}
		}()
		if err := fn(context.Background()); err != nil {
			g.logger.Warn("background task failed", "task", name, "error", err)
		}
	}()
}

// Wait blocks until every scheduled task has finished or timeout elapses.
// On timeout it returns without cancelling the still-running goroutines —
// Go gives no handle to forcibly stop them, so they are logged and abandoned.
func (g *Group) Wait(timeout time.Duration) {
	allDone := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-time.After(timeout):
		g.logger.Warn("background tasks timed out, abandoning remainder",
			"timeout", timeout, "pending", g.pending.Load())
	}
}
