// Package store wraps the shared Redis key/value store: conversation
// bindings, the warm pool list, and file metadata records. Multi-key
// mutations are server-side Lua scripts so that binding symmetry holds
// across replicas.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/convoshed/workspaced/internal/sandbox"
)

// ErrNotFound is returned when a binding or warm entry does not exist.
var ErrNotFound = errors.New("store: not found")

const warmListKey = "warm_pool"

func bindingKey(conversationID string) string {
	return "container:" + conversationID
}

func reverseKey(sandboxID string) string {
	return "container_reverse:" + sandboxID
}

func warmInfoKey(sandboxID string) string {
	return "warm_pool_info:" + sandboxID
}

func filesKey(tenantID, conversationID string) string {
	return fmt.Sprintf("files:%s:%s", tenantID, conversationID)
}

// Both binding keys are written together with one TTL, or not at all.
var saveBindingScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

var deleteBindingScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
redis.call('DEL', KEYS[2])
return 1
`)

// Conditional delete: both keys go only if the forward key still holds the
// snapshot the caller observed. A concurrent Execute that refreshed the
// binding wins.
var deleteBindingIfScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
	redis.call('DEL', KEYS[2])
	return 1
end
return 0
`)

var refreshBindingScript = redis.NewScript(`
redis.call('PEXPIRE', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[2], ARGV[1])
return 1
`)

// Pop the head of the warm list and its info record in one step.
var popWarmScript = redis.NewScript(`
while true do
	local id = redis.call('LPOP', KEYS[1])
	if not id then
		return false
	end
	local info = redis.call('GET', 'warm_pool_info:' .. id)
	redis.call('DEL', 'warm_pool_info:' .. id)
	if info then
		return info
	end
	-- orphaned list entry with no info record: skip it
end
`)

var pushWarmScript = redis.NewScript(`
redis.call('SET', 'warm_pool_info:' .. ARGV[1], ARGV[2])
redis.call('RPUSH', KEYS[1], ARGV[1])
return redis.call('LLEN', KEYS[1])
`)

// Store is the shared-store client.
type Store struct {
	rdb        redis.UniversalClient
	bindingTTL time.Duration
}

// New creates a Store with the given binding TTL.
func New(rdb redis.UniversalClient, bindingTTL time.Duration) *Store {
	return &Store{rdb: rdb, bindingTTL: bindingTTL}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// SaveBinding persists both halves of the conversation binding atomically.
func (s *Store) SaveBinding(ctx context.Context, sb *sandbox.Sandbox) error {
	if sb.ConversationID == "" {
		return fmt.Errorf("saving binding for sandbox %s: empty conversation id", sb.ID)
	}
	snapshot, err := json.Marshal(sb)
	if err != nil {
		return fmt.Errorf("encoding sandbox snapshot: %w", err)
	}
	keys := []string{bindingKey(sb.ConversationID), reverseKey(sb.ID)}
	args := []interface{}{string(snapshot), sb.ConversationID, s.bindingTTL.Milliseconds()}
	if err := saveBindingScript.Run(ctx, s.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("saving binding for %s: %w", sb.ConversationID, err)
	}
	return nil
}

// GetBinding returns the bound sandbox for a conversation along with the raw
// snapshot it was decoded from, refreshing both TTLs on access.
func (s *Store) GetBinding(ctx context.Context, conversationID string) (*sandbox.Sandbox, string, error) {
	raw, err := s.rdb.Get(ctx, bindingKey(conversationID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("reading binding for %s: %w", conversationID, err)
	}

	var sb sandbox.Sandbox
	if err := json.Unmarshal([]byte(raw), &sb); err != nil {
		return nil, "", fmt.Errorf("decoding binding for %s: %w", conversationID, err)
	}

	if err := s.RefreshBinding(ctx, conversationID, sb.ID); err != nil {
		return nil, "", err
	}
	return &sb, raw, nil
}

// ConversationFor returns the conversation bound to a sandbox id.
func (s *Store) ConversationFor(ctx context.Context, sandboxID string) (string, error) {
	conv, err := s.rdb.Get(ctx, reverseKey(sandboxID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading reverse binding for %s: %w", sandboxID, err)
	}
	return conv, nil
}

// DeleteBinding removes both binding keys.
func (s *Store) DeleteBinding(ctx context.Context, conversationID, sandboxID string) error {
	keys := []string{bindingKey(conversationID), reverseKey(sandboxID)}
	if err := deleteBindingScript.Run(ctx, s.rdb, keys).Err(); err != nil {
		return fmt.Errorf("deleting binding for %s: %w", conversationID, err)
	}
	return nil
}

// DeleteBindingIf removes both binding keys only if the forward key still
// holds observedRaw. Returns whether the delete happened.
func (s *Store) DeleteBindingIf(ctx context.Context, conversationID, sandboxID, observedRaw string) (bool, error) {
	keys := []string{bindingKey(conversationID), reverseKey(sandboxID)}
	n, err := deleteBindingIfScript.Run(ctx, s.rdb, keys, observedRaw).Int()
	if err != nil {
		return false, fmt.Errorf("conditional delete of binding for %s: %w", conversationID, err)
	}
	return n == 1, nil
}

// RefreshBinding extends both binding TTLs.
func (s *Store) RefreshBinding(ctx context.Context, conversationID, sandboxID string) error {
	keys := []string{bindingKey(conversationID), reverseKey(sandboxID)}
	if err := refreshBindingScript.Run(ctx, s.rdb, keys, s.bindingTTL.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("refreshing binding for %s: %w", conversationID, err)
	}
	return nil
}

// PushWarm appends a sandbox to the warm pool.
func (s *Store) PushWarm(ctx context.Context, sb *sandbox.Sandbox) error {
	snapshot, err := json.Marshal(sb)
	if err != nil {
		return fmt.Errorf("encoding warm sandbox: %w", err)
	}
	if err := pushWarmScript.Run(ctx, s.rdb, []string{warmListKey}, sb.ID, string(snapshot)).Err(); err != nil {
		return fmt.Errorf("pushing warm sandbox %s: %w", sb.ID, err)
	}
	return nil
}

// PopWarm removes and returns the oldest warm sandbox, ErrNotFound when the
// pool is empty.
func (s *Store) PopWarm(ctx context.Context) (*sandbox.Sandbox, error) {
	raw, err := popWarmScript.Run(ctx, s.rdb, []string{warmListKey}).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("popping warm sandbox: %w", err)
	}
	var sb sandbox.Sandbox
	if err := json.Unmarshal([]byte(raw), &sb); err != nil {
		return nil, fmt.Errorf("decoding warm sandbox: %w", err)
	}
	return &sb, nil
}

// WarmLen returns the warm pool size.
func (s *Store) WarmLen(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, warmListKey).Result()
	if err != nil {
		return 0, fmt.Errorf("reading warm pool length: %w", err)
	}
	return n, nil
}

// File record sources.
const (
	SourceUserUpload = "user_upload"
	SourceAICreated  = "ai_created"
	SourceAIModified = "ai_modified"
)

// FileRecord is the durable metadata row for one synced workspace file.
type FileRecord struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	Version   int       `json:"version"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertFileRecord applies the version rules: new path gets version 1;
// an existing path with a changed size or checksum gets an incremented
// version and source ai_modified. Callers serialise concurrent upserts.
func (s *Store) UpsertFileRecord(ctx context.Context, tenantID, conversationID string, rec FileRecord) (FileRecord, error) {
	key := filesKey(tenantID, conversationID)

	raw, err := s.rdb.HGet(ctx, key, rec.Path).Result()
	switch {
	case errors.Is(err, redis.Nil):
		rec.Version = 1
		if rec.Source == "" {
			rec.Source = SourceAICreated
		}
	case err != nil:
		return FileRecord{}, fmt.Errorf("reading file record %s: %w", rec.Path, err)
	default:
		var prev FileRecord
		if err := json.Unmarshal([]byte(raw), &prev); err != nil {
			return FileRecord{}, fmt.Errorf("decoding file record %s: %w", rec.Path, err)
		}
		if prev.Size == rec.Size && prev.Checksum == rec.Checksum {
			return prev, nil
		}
		rec.Version = prev.Version + 1
		rec.Source = SourceAIModified
	}

	rec.UpdatedAt = time.Now().UTC()
	encoded, err := json.Marshal(rec)
	if err != nil {
		return FileRecord{}, fmt.Errorf("encoding file record %s: %w", rec.Path, err)
	}
	if err := s.rdb.HSet(ctx, key, rec.Path, string(encoded)).Err(); err != nil {
		return FileRecord{}, fmt.Errorf("writing file record %s: %w", rec.Path, err)
	}
	return rec, nil
}

// ListFileRecords returns all file records for a conversation sorted by path.
func (s *Store) ListFileRecords(ctx context.Context, tenantID, conversationID string) ([]FileRecord, error) {
	raw, err := s.rdb.HGetAll(ctx, filesKey(tenantID, conversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing file records for %s: %w", conversationID, err)
	}
	records := make([]FileRecord, 0, len(raw))
	for path, val := range raw {
		var rec FileRecord
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			return nil, fmt.Errorf("decoding file record %s: %w", path, err)
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })
	return records, nil
}
