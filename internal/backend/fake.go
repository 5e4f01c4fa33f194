package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/convoshed/workspaced/internal/sandbox"
)

// Fake is an in-memory Backend used by tests across packages. Containers
// are maps of path to contents; health and creation failure are toggleable.
type Fake struct {
	mu       sync.Mutex
	files    map[string]map[string][]byte // sandbox id -> path -> data
	healthy  map[string]bool
	live     map[string]*sandbox.Sandbox
	seq      int
	CreateErr error
	Destroyed []string
}

// NewFake creates an empty fake backend.
func NewFake() *Fake {
	return &Fake{
		files:   make(map[string]map[string][]byte),
		healthy: make(map[string]bool),
		live:    make(map[string]*sandbox.Sandbox),
	}
}

func (f *Fake) Type() string { return "fake" }

func (f *Fake) CreateContainer(_ context.Context, sandboxID string) (*sandbox.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.seq++
	now := time.Now().UTC()
	sb := &sandbox.Sandbox{
		ID:            sandboxID,
		BackendType:   "fake",
		ExternalID:    fmt.Sprintf("ext-%d", f.seq),
		AgentEndpoint: sandbox.Endpoint{Addr: fmt.Sprintf("127.0.0.1:%d", 40000+f.seq)},
		ProxyEndpoint: sandbox.Endpoint{Addr: fmt.Sprintf("127.0.0.1:%d", 41000+f.seq)},
		State:         sandbox.StateWarm,
		CreatedAt:     now,
		LastActiveAt:  now,
	}
	f.files[sandboxID] = make(map[string][]byte)
	f.healthy[sandboxID] = true
	f.live[sandboxID] = sb
	return sb, nil
}

func (f *Fake) DestroyContainer(_ context.Context, sb *sandbox.Sandbox, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, sb.ID)
	delete(f.healthy, sb.ID)
	delete(f.live, sb.ID)
	f.Destroyed = append(f.Destroyed, sb.ID)
	return nil
}

// SetHealthy toggles a sandbox's health report.
func (f *Fake) SetHealthy(sandboxID string, healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy[sandboxID] = healthy
}

func (f *Fake) IsHealthy(_ context.Context, sb *sandbox.Sandbox) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy[sb.ID]
}

// Adopt registers a sandbox that was not created through CreateContainer,
// for orphan and recovery scenarios.
func (f *Fake) Adopt(sb *sandbox.Sandbox, healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[sb.ID]; !ok {
		f.files[sb.ID] = make(map[string][]byte)
	}
	f.healthy[sb.ID] = healthy
	f.live[sb.ID] = sb
}

func (f *Fake) ListWorkspaceContainers(_ context.Context) ([]*sandbox.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*sandbox.Sandbox, 0, len(f.live))
	for _, sb := range f.live {
		out = append(out, sb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) WaitForAgentReady(context.Context, *sandbox.Sandbox, time.Duration) error {
	return nil
}

func (f *Fake) ExecInContainer(context.Context, *sandbox.Sandbox, []string) (string, error) {
	return "", nil
}

func (f *Fake) ExecInContainerBinary(context.Context, *sandbox.Sandbox, []string) ([]byte, error) {
	return nil, nil
}

func (f *Fake) GetContainerLogs(context.Context, *sandbox.Sandbox, int) (string, error) {
	return "", nil
}

func (f *Fake) WriteFile(_ context.Context, sb *sandbox.Sandbox, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	files, ok := f.files[sb.ID]
	if !ok {
		return ErrContainerUnavailable
	}
	files[path] = append([]byte(nil), data...)
	return nil
}

func (f *Fake) ReadFile(_ context.Context, sb *sandbox.Sandbox, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	files, ok := f.files[sb.ID]
	if !ok {
		return nil, ErrContainerUnavailable
	}
	data, ok := files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	return append([]byte(nil), data...), nil
}

func (f *Fake) ListFiles(_ context.Context, sb *sandbox.Sandbox, root string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	files, ok := f.files[sb.ID]
	if !ok {
		return nil, ErrContainerUnavailable
	}
	prefix := strings.TrimSuffix(root, "/") + "/"
	var out []string
	for p := range files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, strings.TrimPrefix(p, prefix))
		}
	}
	sort.Strings(out)
	return out, nil
}
