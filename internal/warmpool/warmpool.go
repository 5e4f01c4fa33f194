// Package warmpool maintains a shared list of pre-created sandboxes so that
// new conversations skip the container cold start.
package warmpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/convoshed/workspaced/internal/backend"
	"github.com/convoshed/workspaced/internal/metrics"
	"github.com/convoshed/workspaced/internal/sandbox"
	"github.com/convoshed/workspaced/internal/store"
)

// Config bounds the pool.
type Config struct {
	MinSize        int
	MaxSize        int
	AgentReadyWait time.Duration
	RefillInterval time.Duration
}

// Pool keeps between MinSize and MaxSize warm sandboxes in the shared list.
type Pool struct {
	cfg     Config
	store   *store.Store
	backend backend.Backend

	// tasks tracks refill goroutines so Close can wait for them.
	tasks  sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// New creates a Pool. Run starts the background refill loop.
func New(cfg Config, st *store.Store, be backend.Backend) *Pool {
	if cfg.AgentReadyWait <= 0 {
		cfg.AgentReadyWait = 60 * time.Second
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = 15 * time.Second
	}
	return &Pool{
		cfg:     cfg,
		store:   st,
		backend: be,
		closed:  make(chan struct{}),
	}
}

// Acquire pops the head of the pool, discarding unhealthy entries. An empty
// pool falls back to synchronous creation. Every successful acquire fires an
// asynchronous refill.
func (p *Pool) Acquire(ctx context.Context) (*sandbox.Sandbox, error) {
	for {
		sb, err := p.store.PopWarm(ctx)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("popping warm sandbox: %w", err)
		}
		if !p.backend.IsHealthy(ctx, sb) {
			slog.Warn("Discarding unhealthy warm sandbox", "sandbox_id", sb.ShortID())
			p.backend.DestroyContainer(ctx, sb, 0)
			continue
		}
		p.refillAsync()
		return sb, nil
	}

	// Pool exhausted.
	sb, err := p.create(ctx)
	if err != nil {
		return nil, err
	}
	p.refillAsync()
	return sb, nil
}

// create builds one warm sandbox and waits for its agent.
func (p *Pool) create(ctx context.Context) (*sandbox.Sandbox, error) {
	start := time.Now()
	sb, err := p.backend.CreateContainer(ctx, uuid.NewString())
	if err != nil {
		metrics.WarmPoolCreateFailures.Inc()
		return nil, err
	}
	if err := p.backend.WaitForAgentReady(ctx, sb, p.cfg.AgentReadyWait); err != nil {
		metrics.WarmPoolCreateFailures.Inc()
		p.backend.DestroyContainer(ctx, sb, 0)
		return nil, err
	}
	metrics.ContainerStartDuration.WithLabelValues(p.backend.Type()).Observe(time.Since(start).Seconds())
	return sb, nil
}

func (p *Pool) refillAsync() {
	select {
	case <-p.closed:
		return
	default:
	}
	p.tasks.Add(1)
	go func() {
		defer p.tasks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*p.cfg.AgentReadyWait)
		defer cancel()
		if err := p.refill(ctx); err != nil {
			slog.Warn("Warm pool refill failed", "error", err)
		}
	}()
}

// refill tops the list up to MinSize, one creation per deficit slot, with
// bounded exponential backoff on failures.
func (p *Pool) refill(ctx context.Context) error {
	for {
		n, err := p.store.WarmLen(ctx)
		if err != nil {
			return err
		}
		metrics.WarmPoolSize.Set(float64(n))
		if int(n) >= p.cfg.MinSize || int(n) >= p.cfg.MaxSize {
			return nil
		}

		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
		var sb *sandbox.Sandbox
		err = backoff.Retry(func() error {
			var createErr error
			sb, createErr = p.create(ctx)
			return createErr
		}, bo)
		if err != nil {
			return fmt.Errorf("creating warm sandbox: %w", err)
		}

		if err := p.store.PushWarm(ctx, sb); err != nil {
			p.backend.DestroyContainer(ctx, sb, 0)
			return err
		}
	}
}

// Run drives periodic refills until ctx is cancelled, then waits for
// outstanding refill tasks.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RefillInterval)
	defer ticker.Stop()

	// Bring the pool up immediately at startup.
	if err := p.refill(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("Initial warm pool fill failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			p.Close()
			return
		case <-ticker.C:
			if err := p.refill(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("Warm pool refill failed", "error", err)
			}
		}
	}
}

// Close stops accepting refills and waits for in-flight ones.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.closed) })
	p.tasks.Wait()
}

// Drain pops and destroys every pooled sandbox. Used at shutdown.
func (p *Pool) Drain(ctx context.Context, grace time.Duration) int {
	drained := 0
	for {
		sb, err := p.store.PopWarm(ctx)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			slog.Warn("Draining warm pool failed", "error", err)
			break
		}
		if err := p.backend.DestroyContainer(ctx, sb, grace); err != nil {
			slog.Warn("Failed to destroy pooled sandbox", "sandbox_id", sb.ShortID(), "error", err)
		}
		drained++
	}
	metrics.WarmPoolSize.Set(0)
	return drained
}
