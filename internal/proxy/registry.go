package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/convoshed/workspaced/internal/sandbox"
)

// Registry tracks the live proxy instance for each sandbox in this process.
// Runner-backend sandboxes carry their proxy as an in-task sidecar, so only
// socket endpoints get a local listener; either way the sandbox is recorded
// so callers can ask what is running.
type Registry struct {
	// configFn is called on every start so restarted proxies pick up the
	// current credential snapshot.
	configFn func() Config

	mu      sync.Mutex
	proxies map[string]*EgressProxy
}

// NewRegistry creates a Registry. configFn supplies the proxy configuration
// at start time.
func NewRegistry(configFn func() Config) *Registry {
	return &Registry{
		configFn: configFn,
		proxies:  make(map[string]*EgressProxy),
	}
}

// Start launches a proxy for the sandbox and verifies its endpoint accepts
// a connection. Sidecar (addr) endpoints are only verified.
func (r *Registry) Start(ctx context.Context, sb *sandbox.Sandbox) error {
	if sb.ProxyEndpoint.Socket != "" {
		p := New(sb.ID, sb.ProxyEndpoint, r.configFn())
		if err := p.Start(); err != nil {
			return err
		}
		r.mu.Lock()
		if old, ok := r.proxies[sb.ID]; ok {
			go old.Stop(context.Background())
		}
		r.proxies[sb.ID] = p
		r.mu.Unlock()
	}
	return r.verify(ctx, sb)
}

// verify dials the proxy endpoint once.
func (r *Registry) verify(ctx context.Context, sb *sandbox.Sandbox) error {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := sb.ProxyEndpoint.Dial(dialCtx)
	if err != nil {
		return fmt.Errorf("%w: verifying endpoint %s: %v", ErrProxyUnavailable, sb.ProxyEndpoint, err)
	}
	conn.Close()
	return nil
}

// Ensure starts a proxy for the sandbox when this process is not already
// running one, then verifies the endpoint. Reattaches sandboxes adopted
// from a previous run of the daemon.
func (r *Registry) Ensure(ctx context.Context, sb *sandbox.Sandbox) error {
	r.mu.Lock()
	_, running := r.proxies[sb.ID]
	r.mu.Unlock()
	if running || sb.ProxyEndpoint.Socket == "" {
		return r.verify(ctx, sb)
	}
	return r.Start(ctx, sb)
}

// Restart tears down the sandbox's proxy and starts a fresh one with the
// current configuration. Used on the proxy-connection recovery path.
func (r *Registry) Restart(ctx context.Context, sb *sandbox.Sandbox) error {
	r.Stop(ctx, sb.ID)
	return r.Start(ctx, sb)
}

// Stop shuts down and forgets the sandbox's proxy, if any.
func (r *Registry) Stop(ctx context.Context, sandboxID string) {
	r.mu.Lock()
	p, ok := r.proxies[sandboxID]
	delete(r.proxies, sandboxID)
	r.mu.Unlock()
	if ok {
		p.Stop(ctx)
	}
}

// StopAll shuts down every registered proxy. Used at shutdown and by
// DestroyAll.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	all := make([]*EgressProxy, 0, len(r.proxies))
	for _, p := range r.proxies {
		all = append(all, p)
	}
	r.proxies = make(map[string]*EgressProxy)
	r.mu.Unlock()

	for _, p := range all {
		p.Stop(ctx)
	}
}

// Len returns the number of registered proxies.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies)
}
