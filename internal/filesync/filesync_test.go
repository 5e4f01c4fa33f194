package filesync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/convoshed/workspaced/internal/backend"
	"github.com/convoshed/workspaced/internal/sandbox"
	"github.com/convoshed/workspaced/internal/store"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  map[string]error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), getErr: make(map[string]error)}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	if err := f.getErr[key]; err != nil {
		return nil, err
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("NoSuchKey: %s", key)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func newTestSyncer(t *testing.T) (*Syncer, *fakeS3, *backend.Fake, *store.Store, *sandbox.Sandbox) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(rdb, time.Hour)
	fs3 := newFakeS3()
	be := backend.NewFake()

	sb, err := be.CreateContainer(context.Background(), "sb-sync")
	if err != nil {
		t.Fatal(err)
	}
	sy := New(fs3, st, be, "workspace-bucket", "workspaces")
	return sy, fs3, be, st, sb
}

func TestSyncToContainer(t *testing.T) {
	sy, fs3, be, st, sb := newTestSyncer(t)
	ctx := context.Background()

	fs3.objects["workspaces/t1/c1/notes.md"] = []byte("hello")
	fs3.objects["workspaces/t1/c1/sub/data.csv"] = []byte("a,b")
	for _, p := range []string{"notes.md", "sub/data.csv"} {
		if _, err := st.UpsertFileRecord(ctx, "t1", "c1", store.FileRecord{Path: p, Size: 1}); err != nil {
			t.Fatal(err)
		}
	}
	// Reserved prefix never syncs in.
	if _, err := st.UpsertFileRecord(ctx, "t1", "c1", store.FileRecord{Path: "_sdk_session/s1.jsonl", Size: 1}); err != nil {
		t.Fatal(err)
	}

	n, err := sy.SyncToContainer(ctx, "t1", "c1", sb)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("synced %d files, want 2", n)
	}

	data, err := be.ReadFile(ctx, sb, "/workspace/notes.md")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("notes.md = %q", data)
	}
	if _, err := be.ReadFile(ctx, sb, "/workspace/_sdk_session/s1.jsonl"); err == nil {
		t.Error("reserved prefix was synced into the sandbox")
	}
}

func TestSyncToContainerPartialFailure(t *testing.T) {
	sy, fs3, _, st, sb := newTestSyncer(t)
	ctx := context.Background()

	fs3.objects["workspaces/t1/c1/good.txt"] = []byte("ok")
	fs3.getErr["workspaces/t1/c1/bad.txt"] = fmt.Errorf("throttled")
	for _, p := range []string{"good.txt", "bad.txt"} {
		if _, err := st.UpsertFileRecord(ctx, "t1", "c1", store.FileRecord{Path: p, Size: 1}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := sy.SyncToContainer(ctx, "t1", "c1", sb)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("synced %d files, want 1", n)
	}
}

func TestSyncFromContainer(t *testing.T) {
	sy, fs3, be, st, sb := newTestSyncer(t)
	ctx := context.Background()

	be.WriteFile(ctx, sb, "/workspace/out.txt", []byte("result"))
	be.WriteFile(ctx, sb, "/workspace/_sdk_session/s1.jsonl", []byte("state"))

	n, err := sy.SyncFromContainer(ctx, "t1", "c1", sb)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("synced %d files, want 1", n)
	}
	if string(fs3.objects["workspaces/t1/c1/out.txt"]) != "result" {
		t.Error("object not uploaded")
	}
	if _, ok := fs3.objects["workspaces/t1/c1/_sdk_session/s1.jsonl"]; ok {
		t.Error("reserved prefix uploaded by workspace sync")
	}

	recs, err := st.ListFileRecords(ctx, "t1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Path != "out.txt" || recs[0].Size != 6 {
		t.Fatalf("records = %+v", recs)
	}
}

func TestSyncFromContainerIdempotent(t *testing.T) {
	sy, _, be, st, sb := newTestSyncer(t)
	ctx := context.Background()

	be.WriteFile(ctx, sb, "/workspace/out.txt", []byte("result"))

	for i := 0; i < 2; i++ {
		if _, err := sy.SyncFromContainer(ctx, "t1", "c1", sb); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := st.ListFileRecords(ctx, "t1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %+v", recs)
	}
	if recs[0].Version != 1 {
		t.Errorf("version after identical re-sync = %d, want 1", recs[0].Version)
	}
}

func TestSessionFileRoundTrip(t *testing.T) {
	sy, fs3, be, _, sb := newTestSyncer(t)
	ctx := context.Background()

	be.WriteFile(ctx, sb, "/workspace/_sdk_session/sess-1.jsonl", []byte(`{"turn":1}`))
	if err := sy.SaveSessionFile(ctx, "t1", "c1", "sess-1", sb); err != nil {
		t.Fatal(err)
	}
	if string(fs3.objects["workspaces/t1/c1/_sdk_session/sess-1.jsonl"]) != `{"turn":1}` {
		t.Fatal("session not uploaded")
	}

	// Restore into a fresh sandbox.
	fresh, err := be.CreateContainer(ctx, "sb-fresh")
	if err != nil {
		t.Fatal(err)
	}
	if err := sy.RestoreSessionFile(ctx, "t1", "c1", "sess-1", fresh); err != nil {
		t.Fatal(err)
	}
	data, err := be.ReadFile(ctx, fresh, "/workspace/_sdk_session/sess-1.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"turn":1}` {
		t.Errorf("restored session = %q", data)
	}
}

func TestSaveSessionFileMissingIsNoop(t *testing.T) {
	sy, fs3, _, _, sb := newTestSyncer(t)

	if err := sy.SaveSessionFile(context.Background(), "t1", "c1", "none", sb); err != nil {
		t.Fatal(err)
	}
	if len(fs3.objects) != 0 {
		t.Error("missing session file produced an upload")
	}
}

func TestSaveSessionFileTransportErrorSurfaces(t *testing.T) {
	sy, _, be, _, sb := newTestSyncer(t)
	ctx := context.Background()

	// A dead container is a read failure, not an absent session.
	if err := be.DestroyContainer(ctx, sb, 0); err != nil {
		t.Fatal(err)
	}
	err := sy.SaveSessionFile(ctx, "t1", "c1", "sess-1", sb)
	if err == nil {
		t.Fatal("read failure was swallowed")
	}
	if errors.Is(err, backend.ErrFileNotFound) {
		t.Fatalf("err = %v, want a transport error", err)
	}
}
