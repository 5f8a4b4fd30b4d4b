// Package distlock is a Redis-backed distributed lock: SET NX with a TTL,
// used both as a mutual-exclusion primitive (C8's recovery sweep) and as a
// dedup marker (skip an already-queued recovery pass). Grounded on
// original_source/utils/redis_lock.py's RedisLock — reworked from a
// contextmanager that silently skips its block to a Try/TryFunc pair, since Go
// has no equivalent of "skip this indented block" control flow.
package distlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "fotopipe:lock:"

// ErrUnavailable is returned by MustTryFunc, the raise_exc-style strict
// counterpart of TryFunc's silent skip.
var ErrUnavailable = errors.New("distlock: lock unavailable")

// Locker wraps a redis client and issues short-lived SET NX locks.
type Locker struct {
	rdb redis.Cmdable
}

func New(rdb redis.Cmdable) *Locker {
	return &Locker{rdb: rdb}
}

// Options configures one lock attempt.
type Options struct {
	TTL time.Duration
	// AutoRelease deletes the key on scope exit. When false, the lock is left
	// to expire via TTL — the dedup pattern ("don't release, let TTL expire").
	AutoRelease bool
}

// Acquired represents a held lock; Release is a no-op if AutoRelease is false.
type Acquired struct {
	locker      *Locker
	fullKey     string
	autoRelease bool
}

func (a *Acquired) Release(ctx context.Context) {
	if !a.autoRelease {
		return
	}
	a.locker.rdb.Del(ctx, a.fullKey)
}

// TryAcquire attempts the lock once and returns immediately either way — the
// caller decides what "not acquired" means (skip, or treat as ErrUnavailable).
func (l *Locker) TryAcquire(ctx context.Context, key string, opts Options) (*Acquired, bool, error) {
	fullKey := keyPrefix + key
	ok, err := l.rdb.SetNX(ctx, fullKey, "1", opts.TTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("distlock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Acquired{locker: l, fullKey: fullKey, autoRelease: opts.AutoRelease}, true, nil
}

// TryFunc runs fn only if the lock is acquired; otherwise it returns nil
// without running fn (the "block is skipped entirely" behavior of
// RedisLock's default raise_exc=False). The lock releases (or is left to
// expire per opts.AutoRelease) once fn returns.
func (l *Locker) TryFunc(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	lock, ok, err := l.TryAcquire(ctx, key, opts)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer lock.Release(ctx)
	return fn(ctx)
}

// MustTryFunc is TryFunc's raise_exc=True counterpart: returns ErrUnavailable
// instead of silently skipping when the lock cannot be acquired.
func (l *Locker) MustTryFunc(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	lock, ok, err := l.TryAcquire(ctx, key, opts)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnavailable
	}
	defer lock.Release(ctx)
	return fn(ctx)
}
