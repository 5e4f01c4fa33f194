package warmpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/convoshed/workspaced/internal/backend"
	"github.com/convoshed/workspaced/internal/store"
)

func newTestPool(t *testing.T, min, max int) (*Pool, *store.Store, *backend.Fake) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(rdb, time.Hour)
	be := backend.NewFake()
	p := New(Config{MinSize: min, MaxSize: max, AgentReadyWait: time.Second}, st, be)
	t.Cleanup(p.Close)
	return p, st, be
}

func TestAcquireFromEmptyPoolCreatesSynchronously(t *testing.T) {
	p, _, _ := newTestPool(t, 2, 4)

	sb, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sb == nil || sb.ID == "" {
		t.Fatal("no sandbox from empty-pool acquire")
	}
}

func TestAcquirePopsHeadInOrder(t *testing.T) {
	p, st, _ := newTestPool(t, 0, 4)
	ctx := context.Background()

	if err := p.refill(ctx); err != nil {
		t.Fatal(err)
	}
	// Fill manually to a known order.
	first, err := p.create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	st.PushWarm(ctx, first)
	st.PushWarm(ctx, second)

	got, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != first.ID {
		t.Errorf("acquired %s, want head %s", got.ID, first.ID)
	}
}

func TestAcquireDiscardsUnhealthyHead(t *testing.T) {
	p, st, be := newTestPool(t, 0, 4)
	ctx := context.Background()

	bad, err := p.create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	good, err := p.create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	st.PushWarm(ctx, bad)
	st.PushWarm(ctx, good)
	be.SetHealthy(bad.ID, false)

	got, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != good.ID {
		t.Errorf("acquired %s, want %s", got.ID, good.ID)
	}

	var destroyed bool
	for _, id := range be.Destroyed {
		if id == bad.ID {
			destroyed = true
		}
	}
	if !destroyed {
		t.Error("unhealthy head was not destroyed")
	}
}

func TestRefillReachesFloor(t *testing.T) {
	p, st, _ := newTestPool(t, 3, 5)
	ctx := context.Background()

	if err := p.refill(ctx); err != nil {
		t.Fatal(err)
	}
	n, err := st.WarmLen(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("pool size after refill = %d, want 3", n)
	}

	// Refill is idempotent at the floor.
	if err := p.refill(ctx); err != nil {
		t.Fatal(err)
	}
	n, _ = st.WarmLen(ctx)
	if n != 3 {
		t.Fatalf("pool size after second refill = %d, want 3", n)
	}
}

func TestPoolRecoversFloorAfterAcquires(t *testing.T) {
	p, st, _ := newTestPool(t, 2, 4)
	ctx := context.Background()

	if err := p.refill(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := p.Acquire(ctx); err != nil {
			t.Fatal(err)
		}
	}
	// Wait for the async refills fired by Acquire.
	p.Close()

	n, err := st.WarmLen(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n < 2 {
		t.Fatalf("pool size after acquires = %d, want >= 2", n)
	}
}

func TestAcquireFailsWhenCreationFails(t *testing.T) {
	p, _, be := newTestPool(t, 0, 2)
	be.CreateErr = errors.New("daemon down")

	if _, err := p.Acquire(context.Background()); err == nil {
		t.Fatal("expected error from empty pool with failing creation")
	}
}

func TestDrain(t *testing.T) {
	p, st, be := newTestPool(t, 2, 4)
	ctx := context.Background()

	if err := p.refill(ctx); err != nil {
		t.Fatal(err)
	}

	drained := p.Drain(ctx, 0)
	if drained != 2 {
		t.Fatalf("drained %d, want 2", drained)
	}
	n, _ := st.WarmLen(ctx)
	if n != 0 {
		t.Fatalf("pool size after drain = %d", n)
	}
	if len(be.Destroyed) != 2 {
		t.Fatalf("destroyed %d sandboxes, want 2", len(be.Destroyed))
	}
}
