package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := New(rdb)
	l.retryInterval = 5 * time.Millisecond
	return l, mr
}

func TestAcquireRelease(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	token, err := l.Acquire(ctx, "conversation:c1", time.Minute, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if token == "" {
		t.Fatal("empty fencing token")
	}

	locked, err := l.IsLocked(ctx, "conversation:c1")
	if err != nil {
		t.Fatal(err)
	}
	if !locked {
		t.Fatal("lock not held after acquire")
	}

	released, err := l.Release(ctx, "conversation:c1", token)
	if err != nil {
		t.Fatal(err)
	}
	if !released {
		t.Fatal("release with valid token failed")
	}

	locked, err = l.IsLocked(ctx, "conversation:c1")
	if err != nil {
		t.Fatal(err)
	}
	if locked {
		t.Fatal("lock still held after release")
	}
}

func TestAcquireTimeout(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	if _, err := l.Acquire(ctx, "conversation:c1", time.Minute, 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	_, err := l.Acquire(ctx, "conversation:c1", time.Minute, 50*time.Millisecond)
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("expected ErrAcquireTimeout, got %v", err)
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	token, err := l.Acquire(ctx, "conversation:c1", time.Minute, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var second string
	var secondErr error
	go func() {
		defer wg.Done()
		second, secondErr = l.Acquire(ctx, "conversation:c1", time.Minute, time.Second)
	}()

	time.Sleep(30 * time.Millisecond)
	if _, err := l.Release(ctx, "conversation:c1", token); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	if secondErr != nil {
		t.Fatalf("second acquire failed: %v", secondErr)
	}
	if second == token {
		t.Fatal("second holder received the first holder's token")
	}
}

func TestFencing(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "conversation:c1", time.Minute, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate TTL expiry and re-acquisition by another holder.
	mr.FastForward(2 * time.Minute)
	fresh, err := l.Acquire(ctx, "conversation:c1", time.Minute, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	released, err := l.Release(ctx, "conversation:c1", stale)
	if err != nil {
		t.Fatal(err)
	}
	if released {
		t.Fatal("stale holder released the fresh holder's lock")
	}

	extended, err := l.Extend(ctx, "conversation:c1", stale, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if extended {
		t.Fatal("stale holder extended the fresh holder's lock")
	}

	// The fresh holder's operations still work.
	extended, err = l.Extend(ctx, "conversation:c1", fresh, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !extended {
		t.Fatal("fresh holder could not extend its own lock")
	}
}

func TestSingleWriter(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	var holders int
	var max int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := l.Acquire(ctx, "conversation:c1", time.Minute, 2*time.Second)
			if err != nil {
				return
			}
			mu.Lock()
			holders++
			if holders > max {
				max = holders
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			l.Release(ctx, "conversation:c1", token)
		}()
	}
	wg.Wait()

	if max > 1 {
		t.Fatalf("observed %d concurrent holders", max)
	}
}
