// Package gc destroys sandboxes that outlived their TTLs and cleans up
// orphaned containers left behind by crashed daemons.
package gc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/convoshed/workspaced/internal/audit"
	"github.com/convoshed/workspaced/internal/backend"
	"github.com/convoshed/workspaced/internal/metrics"
	"github.com/convoshed/workspaced/internal/sandbox"
	"github.com/convoshed/workspaced/internal/store"
)

const orphanGrace = 2 * time.Second

// Config holds the collector's thresholds.
type Config struct {
	Interval    time.Duration
	InactiveTTL time.Duration
	AbsoluteTTL time.Duration
	GracePeriod time.Duration
}

// Collector is the background reaper.
type Collector struct {
	cfg     Config
	store   *store.Store
	backend backend.Backend

	// stopProxy is supplied by the orchestrator so destroyed sandboxes
	// also lose their egress proxy.
	stopProxy func(sandboxID string)

	audit *audit.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Collector.
func New(cfg Config, st *store.Store, be backend.Backend, stopProxy func(string)) *Collector {
	if stopProxy == nil {
		stopProxy = func(string) {}
	}
	return &Collector{
		cfg:       cfg,
		store:     st,
		backend:   be,
		stopProxy: stopProxy,
		audit:     audit.New(audit.ServiceOrchestrator),
		now:       time.Now,
	}
}

// Run loops Cycle every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Cycle(ctx); err != nil {
				slog.Error("GC cycle failed", "error", err)
			}
		}
	}
}

// Cycle runs one pass over the live sandboxes and returns how many it
// destroyed. TTL checks compare against the binding snapshot read here, so a
// binding refreshed by a concurrent execute survives the conditional delete.
func (c *Collector) Cycle(ctx context.Context) (int, error) {
	start := c.now()

	sbs, err := c.backend.ListWorkspaceContainers(ctx)
	if err != nil {
		metrics.GCCyclesTotal.WithLabelValues("error").Inc()
		return 0, err
	}

	destroyed := 0
	for _, listed := range sbs {
		conv, err := c.store.ConversationFor(ctx, listed.ID)
		if errors.Is(err, store.ErrNotFound) {
			if !c.backend.IsHealthy(ctx, listed) {
				c.destroy(ctx, listed, orphanGrace, "orphan")
				destroyed++
			}
			continue
		}
		if err != nil {
			slog.Warn("GC binding lookup failed", "sandbox_id", listed.ShortID(), "error", err)
			continue
		}

		bound, raw, err := c.store.GetBinding(ctx, conv)
		if errors.Is(err, store.ErrNotFound) {
			// Reverse key outlived the binding; treat as orphan.
			c.destroy(ctx, listed, orphanGrace, "orphan")
			destroyed++
			continue
		}
		if err != nil {
			slog.Warn("GC binding read failed", "conversation_id", conv, "error", err)
			continue
		}

		reason := c.expiry(bound, start)
		if reason == "" {
			continue
		}

		// Conditional delete: a binding refreshed since the snapshot wins.
		deleted, err := c.store.DeleteBindingIf(ctx, conv, bound.ID, raw)
		if err != nil {
			slog.Warn("GC conditional delete failed", "conversation_id", conv, "error", err)
			continue
		}
		if !deleted {
			continue
		}
		c.destroy(ctx, bound, c.cfg.GracePeriod, reason)
		destroyed++
	}

	metrics.GCCyclesTotal.WithLabelValues("success").Inc()
	if destroyed > 0 {
		slog.Info("GC cycle complete", "destroyed", destroyed, "elapsed", time.Since(start))
	}
	return destroyed, nil
}

// expiry returns the destruction reason, or "" when the sandbox may live.
func (c *Collector) expiry(sb *sandbox.Sandbox, now time.Time) string {
	switch {
	case sb.State == sandbox.StateDraining:
		return "draining"
	case now.Sub(sb.LastActiveAt) > c.cfg.InactiveTTL:
		return "inactive_ttl"
	case now.Sub(sb.CreatedAt) > c.cfg.AbsoluteTTL:
		return "absolute_ttl"
	}
	return ""
}

func (c *Collector) destroy(ctx context.Context, sb *sandbox.Sandbox, grace time.Duration, reason string) {
	if err := c.backend.DestroyContainer(ctx, sb, grace); err != nil {
		slog.Warn("GC destroy failed", "sandbox_id", sb.ShortID(), "error", err)
	}
	c.stopProxy(sb.ID)
	metrics.GCDestroyedTotal.WithLabelValues(reason).Inc()
	if reason != "orphan" {
		metrics.ContainersActive.Dec()
	}
	c.audit.Event(ctx, audit.EventContainerDestroyed,
		"container_id", sb.ID,
		"conversation_id", sb.ConversationID,
		"tenant_id", sb.TenantID,
		"reason", "cleanup",
		"cause", reason,
	)
}
