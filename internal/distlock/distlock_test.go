package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLocker(t *testing.T) *Locker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb)
}

func TestTryFuncRunsOnAcquire(t *testing.T) {
	l := newTestLocker(t)
	ran := false

	err := l.TryFunc(context.Background(), "recovery:coloring", Options{TTL: time.Minute, AutoRelease: true}, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("expected fn to run when lock is free")
	}
}

func TestTryFuncSkipsWhenHeld(t *testing.T) {
	l := newTestLocker(t)
	ctx := context.Background()

	lock, ok, err := l.TryAcquire(ctx, "recovery:coloring", Options{TTL: time.Minute, AutoRelease: true})
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got ok=%v err=%v", ok, err)
	}
	defer lock.Release(ctx)

	ran := false
	if err := l.TryFunc(ctx, "recovery:coloring", Options{TTL: time.Minute, AutoRelease: true}, func(ctx context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ran {
		t.Fatal("expected fn to be skipped while lock is held")
	}
}

func TestMustTryFuncReturnsErrUnavailable(t *testing.T) {
	l := newTestLocker(t)
	ctx := context.Background()

	lock, ok, err := l.TryAcquire(ctx, "dedup:order:123", Options{TTL: time.Minute, AutoRelease: false})
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got ok=%v err=%v", ok, err)
	}
	_ = lock

	err = l.MustTryFunc(ctx, "dedup:order:123", Options{TTL: time.Minute, AutoRelease: false}, func(ctx context.Context) error {
		t.Fatal("fn must not run while lock is held")
		return nil
	})
	if err != ErrUnavailable {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestAutoReleaseFalseLeavesKeyUntilTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	l := New(rdb)
	ctx := context.Background()

	err := l.TryFunc(ctx, "dedup:order:456", Options{TTL: time.Minute, AutoRelease: false}, func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !mr.Exists(keyPrefix + "dedup:order:456") {
		t.Fatal("expected key to remain set after fn returns when AutoRelease is false")
	}

	mr.FastForward(time.Minute + time.Second)
	if mr.Exists(keyPrefix + "dedup:order:456") {
		t.Fatal("expected key to expire after TTL")
	}
}
