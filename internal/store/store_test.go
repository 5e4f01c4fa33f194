package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/convoshed/workspaced/internal/sandbox"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, time.Hour), mr
}

func testSandbox(id, conv string) *sandbox.Sandbox {
	return &sandbox.Sandbox{
		ID:             id,
		BackendType:    "docker",
		ConversationID: conv,
		State:          sandbox.StateReady,
		CreatedAt:      time.Now().UTC(),
		LastActiveAt:   time.Now().UTC(),
	}
}

func TestBindingSymmetry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	sb := testSandbox("sb-1", "conv-1")
	if err := s.SaveBinding(ctx, sb); err != nil {
		t.Fatal(err)
	}

	got, _, err := s.GetBinding(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "sb-1" {
		t.Fatalf("forward binding points at %s, want sb-1", got.ID)
	}

	conv, err := s.ConversationFor(ctx, "sb-1")
	if err != nil {
		t.Fatal(err)
	}
	if conv != "conv-1" {
		t.Fatalf("reverse binding points at %s, want conv-1", conv)
	}

	// Both keys must share the same TTL.
	fwd := mr.TTL("container:conv-1")
	rev := mr.TTL("container_reverse:sb-1")
	if fwd <= 0 || fwd != rev {
		t.Fatalf("TTLs differ: forward=%s reverse=%s", fwd, rev)
	}

	if err := s.DeleteBinding(ctx, "conv-1", "sb-1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.GetBinding(ctx, "conv-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("forward binding survived delete: %v", err)
	}
	if _, err := s.ConversationFor(ctx, "sb-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("reverse binding survived delete: %v", err)
	}
}

func TestSaveBindingRequiresConversation(t *testing.T) {
	s, _ := newTestStore(t)
	sb := testSandbox("sb-1", "")
	if err := s.SaveBinding(context.Background(), sb); err == nil {
		t.Fatal("expected error for empty conversation id")
	}
}

func TestDeleteBindingIf(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sb := testSandbox("sb-1", "conv-1")
	if err := s.SaveBinding(ctx, sb); err != nil {
		t.Fatal(err)
	}
	_, raw, err := s.GetBinding(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}

	// A concurrent refresh rewrites the snapshot; the stale delete must lose.
	sb.Touch()
	if err := s.SaveBinding(ctx, sb); err != nil {
		t.Fatal(err)
	}
	deleted, err := s.DeleteBindingIf(ctx, "conv-1", "sb-1", raw)
	if err != nil {
		t.Fatal(err)
	}
	if deleted {
		t.Fatal("stale conditional delete succeeded")
	}
	if _, _, err := s.GetBinding(ctx, "conv-1"); err != nil {
		t.Fatalf("binding should survive stale delete: %v", err)
	}

	// With the current snapshot the delete goes through.
	_, raw, err = s.GetBinding(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	deleted, err = s.DeleteBindingIf(ctx, "conv-1", "sb-1", raw)
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Fatal("conditional delete with current snapshot failed")
	}
}

func TestWarmPoolFIFO(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"w-1", "w-2", "w-3"} {
		sb := testSandbox(id, "")
		sb.State = sandbox.StateWarm
		if err := s.PushWarm(ctx, sb); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.WarmLen(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("warm pool length = %d, want 3", n)
	}

	for _, want := range []string{"w-1", "w-2", "w-3"} {
		sb, err := s.PopWarm(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if sb.ID != want {
			t.Fatalf("popped %s, want %s", sb.ID, want)
		}
	}

	if _, err := s.PopWarm(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty pool should return ErrNotFound, got %v", err)
	}
}

func TestPopWarmSkipsOrphanedEntries(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	sb := testSandbox("w-2", "")
	sb.State = sandbox.StateWarm
	if err := s.PushWarm(ctx, sb); err != nil {
		t.Fatal(err)
	}
	// Simulate a crashed replica that left a list entry without an info key.
	mr.Lpush("warm_pool", "w-ghost")

	got, err := s.PopWarm(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "w-2" {
		t.Fatalf("popped %s, want w-2 (ghost skipped)", got.ID)
	}
}

func TestUpsertFileRecordVersioning(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec, err := s.UpsertFileRecord(ctx, "t1", "c1", FileRecord{
		Path: "report.md", Size: 100, Checksum: "aaa", Source: SourceUserUpload,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Version != 1 || rec.Source != SourceUserUpload {
		t.Fatalf("new record: version=%d source=%s", rec.Version, rec.Source)
	}

	// Idempotent re-sync: same size and checksum keeps version and source.
	rec, err = s.UpsertFileRecord(ctx, "t1", "c1", FileRecord{
		Path: "report.md", Size: 100, Checksum: "aaa",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Version != 1 || rec.Source != SourceUserUpload {
		t.Fatalf("unchanged record bumped: version=%d source=%s", rec.Version, rec.Source)
	}

	// Changed content increments the version and marks ai_modified.
	rec, err = s.UpsertFileRecord(ctx, "t1", "c1", FileRecord{
		Path: "report.md", Size: 140, Checksum: "bbb",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Version != 2 || rec.Source != SourceAIModified {
		t.Fatalf("modified record: version=%d source=%s", rec.Version, rec.Source)
	}
}

func TestListFileRecordsSorted(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, p := range []string{"b.txt", "a.txt", "sub/c.txt"} {
		if _, err := s.UpsertFileRecord(ctx, "t1", "c1", FileRecord{Path: p, Size: 1, Checksum: p}); err != nil {
			t.Fatal(err)
		}
	}
	records, err := s.ListFileRecords(ctx, "t1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[0].Path != "a.txt" || records[1].Path != "b.txt" || records[2].Path != "sub/c.txt" {
		t.Fatalf("records not sorted: %+v", records)
	}
}
