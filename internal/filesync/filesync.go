// Package filesync moves workspace files between blob storage and sandbox
// filesystems, and carries the agent's opaque session state across sandbox
// generations. Partial failures are logged and skipped, never fatal.
package filesync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/convoshed/workspaced/internal/audit"
	"github.com/convoshed/workspaced/internal/backend"
	"github.com/convoshed/workspaced/internal/metrics"
	"github.com/convoshed/workspaced/internal/sandbox"
	"github.com/convoshed/workspaced/internal/store"
)

const (
	workspaceRoot = "/workspace"

	// sessionPrefix is reserved: invisible to the file surface and never
	// synced into /workspace as user data.
	sessionPrefix = "_sdk_session/"
)

// S3API is the slice of the S3 client the syncer uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Syncer copies files between the blob store and sandboxes.
type Syncer struct {
	s3      S3API
	store   *store.Store
	backend backend.Backend
	bucket  string
	prefix  string
	audit   *audit.Logger

	// metaMu serialises metadata upserts; syncs may run mid-request on
	// file-tool events.
	metaMu sync.Mutex
}

// New creates a Syncer rooted at {prefix}/{tenant}/{conversation}/ in bucket.
func New(s3Client S3API, st *store.Store, be backend.Backend, bucket, prefix string) *Syncer {
	return &Syncer{
		s3:      s3Client,
		store:   st,
		backend: be,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		audit:   audit.New(audit.ServiceFileSync),
	}
}

func (sy *Syncer) objectKey(tenantID, conversationID, relpath string) string {
	return path.Join(sy.prefix, tenantID, conversationID, relpath)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SyncToContainer downloads every durable file record into the sandbox at
// /workspace/{relpath}. Reserved prefixes are skipped. Returns the number of
// files written; per-file failures are logged and counted, not returned.
func (sy *Syncer) SyncToContainer(ctx context.Context, tenantID, conversationID string, sb *sandbox.Sandbox) (int, error) {
	start := time.Now()
	defer func() {
		metrics.FileSyncDuration.WithLabelValues("to_container").Observe(time.Since(start).Seconds())
	}()

	records, err := sy.store.ListFileRecords(ctx, tenantID, conversationID)
	if err != nil {
		return 0, fmt.Errorf("listing file records: %w", err)
	}

	synced := 0
	for _, rec := range records {
		if strings.HasPrefix(rec.Path, sessionPrefix) {
			continue
		}
		if err := sy.downloadOne(ctx, tenantID, conversationID, rec.Path, sb); err != nil {
			slog.Warn("File sync to container failed",
				"conversation_id", conversationID, "path", rec.Path, "error", err)
			metrics.FileSyncFilesTotal.WithLabelValues("to_container", "error").Inc()
			continue
		}
		metrics.FileSyncFilesTotal.WithLabelValues("to_container", "success").Inc()
		synced++
	}
	return synced, nil
}

func (sy *Syncer) downloadOne(ctx context.Context, tenantID, conversationID, relpath string, sb *sandbox.Sandbox) error {
	out, err := sy.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(sy.bucket),
		Key:    aws.String(sy.objectKey(tenantID, conversationID, relpath)),
	})
	if err != nil {
		return fmt.Errorf("downloading %s: %w", relpath, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return fmt.Errorf("reading %s: %w", relpath, err)
	}
	return sy.backend.WriteFile(ctx, sb, path.Join(workspaceRoot, relpath), data)
}

// SyncFromContainer uploads every regular file under /workspace to blob
// storage and upserts its record. Reserved prefixes are skipped. Returns the
// number of files uploaded.
func (sy *Syncer) SyncFromContainer(ctx context.Context, tenantID, conversationID string, sb *sandbox.Sandbox) (int, error) {
	start := time.Now()
	defer func() {
		metrics.FileSyncDuration.WithLabelValues("from_container").Observe(time.Since(start).Seconds())
	}()

	files, err := sy.backend.ListFiles(ctx, sb, workspaceRoot)
	if err != nil {
		return 0, fmt.Errorf("listing sandbox files: %w", err)
	}

	synced := 0
	for _, relpath := range files {
		if strings.HasPrefix(relpath, sessionPrefix) {
			continue
		}
		if err := sy.uploadOne(ctx, tenantID, conversationID, relpath, sb); err != nil {
			slog.Warn("File sync from container failed",
				"conversation_id", conversationID, "path", relpath, "error", err)
			metrics.FileSyncFilesTotal.WithLabelValues("from_container", "error").Inc()
			continue
		}
		metrics.FileSyncFilesTotal.WithLabelValues("from_container", "success").Inc()
		synced++
	}
	return synced, nil
}

func (sy *Syncer) uploadOne(ctx context.Context, tenantID, conversationID, relpath string, sb *sandbox.Sandbox) error {
	data, err := sy.backend.ReadFile(ctx, sb, path.Join(workspaceRoot, relpath))
	if err != nil {
		return fmt.Errorf("reading %s from sandbox: %w", relpath, err)
	}

	_, err = sy.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(sy.bucket),
		Key:    aws.String(sy.objectKey(tenantID, conversationID, relpath)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", relpath, err)
	}

	sy.metaMu.Lock()
	defer sy.metaMu.Unlock()
	_, err = sy.store.UpsertFileRecord(ctx, tenantID, conversationID, store.FileRecord{
		Path:     relpath,
		Size:     int64(len(data)),
		Checksum: checksum(data),
	})
	if err != nil {
		return fmt.Errorf("recording %s: %w", relpath, err)
	}
	return nil
}

// sessionKey is the blob location of one agent session file.
func (sy *Syncer) sessionKey(tenantID, conversationID, sessionID string) string {
	return sy.objectKey(tenantID, conversationID, sessionPrefix+sessionID+".jsonl")
}

func sessionSandboxPath(sessionID string) string {
	return path.Join(workspaceRoot, sessionPrefix, sessionID+".jsonl")
}

// SaveSessionFile copies the agent's session state out of the sandbox into
// blob storage so a fresh sandbox can resume the conversation.
func (sy *Syncer) SaveSessionFile(ctx context.Context, tenantID, conversationID, sessionID string, sb *sandbox.Sandbox) error {
	data, err := sy.backend.ReadFile(ctx, sb, sessionSandboxPath(sessionID))
	if errors.Is(err, backend.ErrFileNotFound) {
		// The agent writes no session file for stateless turns.
		slog.Debug("No session file to save", "conversation_id", conversationID, "session_id", sessionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading session %s from sandbox: %w", sessionID, err)
	}
	_, err = sy.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(sy.bucket),
		Key:    aws.String(sy.sessionKey(tenantID, conversationID, sessionID)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("uploading session %s: %w", sessionID, err)
	}
	sy.audit.Event(ctx, audit.EventSessionSaved,
		"container_id", sb.ID,
		"conversation_id", conversationID,
		"tenant_id", tenantID,
		"session_id", sessionID,
		"size", len(data),
	)
	return nil
}

// RestoreSessionFile downloads the session state for sessionID into the
// sandbox. A missing object is not an error; the conversation simply starts
// without prior state.
func (sy *Syncer) RestoreSessionFile(ctx context.Context, tenantID, conversationID, sessionID string, sb *sandbox.Sandbox) error {
	out, err := sy.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(sy.bucket),
		Key:    aws.String(sy.sessionKey(tenantID, conversationID, sessionID)),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil
		}
		return fmt.Errorf("downloading session %s: %w", sessionID, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return fmt.Errorf("reading session %s: %w", sessionID, err)
	}
	if err := sy.backend.WriteFile(ctx, sb, sessionSandboxPath(sessionID), data); err != nil {
		return fmt.Errorf("writing session into sandbox: %w", err)
	}
	sy.audit.Event(ctx, audit.EventSessionRestored,
		"container_id", sb.ID,
		"conversation_id", conversationID,
		"tenant_id", tenantID,
		"session_id", sessionID,
		"size", len(data),
	)
	return nil
}
