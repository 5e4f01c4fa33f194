// Package orchestrator binds conversations to sandboxes, relays execute
// streams, and recovers from sandbox and proxy failures mid-stream.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/convoshed/workspaced/internal/audit"
	"github.com/convoshed/workspaced/internal/backend"
	"github.com/convoshed/workspaced/internal/events"
	"github.com/convoshed/workspaced/internal/filesync"
	"github.com/convoshed/workspaced/internal/lock"
	"github.com/convoshed/workspaced/internal/metrics"
	"github.com/convoshed/workspaced/internal/proxy"
	"github.com/convoshed/workspaced/internal/sandbox"
	"github.com/convoshed/workspaced/internal/store"
	"github.com/convoshed/workspaced/internal/warmpool"
)

// ErrConversationLocked is returned when another execute holds the
// conversation lock past the wait budget.
var ErrConversationLocked = errors.New("orchestrator: conversation locked")

// maxConcurrentSyncs bounds opportunistic mid-stream file syncs.
const maxConcurrentSyncs = 2

// Config carries the orchestrator's timing knobs. The hierarchy
// ExecutionTimeout < EventTimeout < LockTTL is validated at config load.
type Config struct {
	ExecutionTimeout time.Duration
	EventTimeout     time.Duration
	LockTTL          time.Duration
	LockWaitBudget   time.Duration
	GracePeriod      time.Duration
	SyncDebounce     time.Duration
}

// UsageHook receives token usage parsed from the trailing result event.
type UsageHook func(conversationID, tenantID string, usage events.Usage)

// Orchestrator is the central conversation/sandbox state machine.
type Orchestrator struct {
	cfg     Config
	store   *store.Store
	locker  *lock.Locker
	pool    *warmpool.Pool
	backend backend.Backend
	proxies *proxy.Registry
	syncer  *filesync.Syncer
	audit   *audit.Logger

	usageHook UsageHook

	syncSem chan struct{}
	tasks   sync.WaitGroup
}

// New wires an Orchestrator together.
func New(cfg Config, st *store.Store, locker *lock.Locker, pool *warmpool.Pool, be backend.Backend, proxies *proxy.Registry, syncer *filesync.Syncer, usageHook UsageHook) *Orchestrator {
	if cfg.SyncDebounce < 10*time.Second {
		cfg.SyncDebounce = 10 * time.Second
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		locker:    locker,
		pool:      pool,
		backend:   be,
		proxies:   proxies,
		syncer:    syncer,
		audit:     audit.New(audit.ServiceOrchestrator),
		usageHook: usageHook,
		syncSem:   make(chan struct{}, maxConcurrentSyncs),
	}
}

// StopProxy exposes proxy teardown for the garbage collector's callback.
func (o *Orchestrator) StopProxy(sandboxID string) {
	o.proxies.Stop(context.Background(), sandboxID)
}

// GetOrCreate returns the conversation's bound sandbox, creating and binding
// a fresh one when none exists or the existing one is unhealthy.
func (o *Orchestrator) GetOrCreate(ctx context.Context, conversationID, tenantID string) (*sandbox.Sandbox, error) {
	sb, _, err := o.store.GetBinding(ctx, conversationID)
	switch {
	case err == nil:
		if o.backend.IsHealthy(ctx, sb) {
			if perr := o.proxies.Ensure(ctx, sb); perr == nil {
				if err := o.store.RefreshBinding(ctx, conversationID, sb.ID); err != nil {
					return nil, err
				}
				return sb, nil
			}
			slog.Warn("Bound sandbox proxy unreachable, replacing", "conversation_id", conversationID, "sandbox_id", sb.ShortID())
		} else {
			slog.Warn("Bound sandbox unhealthy, replacing", "conversation_id", conversationID, "sandbox_id", sb.ShortID())
		}
		o.teardown(ctx, sb)
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}

	return o.bindFresh(ctx, conversationID, tenantID)
}

// bindFresh acquires a warm sandbox, starts its proxy, persists the binding
// and restores any prior session state.
func (o *Orchestrator) bindFresh(ctx context.Context, conversationID, tenantID string) (*sandbox.Sandbox, error) {
	sb, err := o.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring sandbox for %s: %w", conversationID, err)
	}

	sb.ConversationID = conversationID
	sb.TenantID = tenantID
	sb.State = sandbox.StateReady
	sb.Touch()

	if err := o.proxies.Start(ctx, sb); err != nil {
		o.backend.DestroyContainer(ctx, sb, 0)
		return nil, err
	}
	if err := o.store.SaveBinding(ctx, sb); err != nil {
		o.proxies.Stop(ctx, sb.ID)
		o.backend.DestroyContainer(ctx, sb, 0)
		return nil, err
	}

	if err := o.syncer.RestoreSessionFile(ctx, tenantID, conversationID, conversationID, sb); err != nil {
		slog.Warn("Session restore failed", "conversation_id", conversationID, "error", err)
	}
	if _, err := o.syncer.SyncToContainer(ctx, tenantID, conversationID, sb); err != nil {
		slog.Warn("Workspace sync into sandbox failed", "conversation_id", conversationID, "error", err)
	}

	metrics.ContainersActive.Inc()
	o.audit.Event(ctx, audit.EventContainerCreated,
		"container_id", sb.ID,
		"conversation_id", conversationID,
		"tenant_id", tenantID,
		"backend", sb.BackendType,
	)
	return sb, nil
}

// teardown destroys a sandbox and removes its binding and proxy.
func (o *Orchestrator) teardown(ctx context.Context, sb *sandbox.Sandbox) {
	o.proxies.Stop(ctx, sb.ID)
	if err := o.backend.DestroyContainer(ctx, sb, o.cfg.GracePeriod); err != nil {
		slog.Warn("Sandbox destroy failed", "sandbox_id", sb.ShortID(), "error", err)
	}
	if sb.ConversationID != "" {
		if err := o.store.DeleteBinding(ctx, sb.ConversationID, sb.ID); err != nil {
			slog.Warn("Binding delete failed", "conversation_id", sb.ConversationID, "error", err)
		}
		// Only bound sandboxes were counted at bind time.
		metrics.ContainersActive.Dec()
	}
	o.audit.Event(ctx, audit.EventContainerDestroyed,
		"container_id", sb.ID,
		"conversation_id", sb.ConversationID,
		"tenant_id", sb.TenantID,
		"reason", "teardown",
	)
}

// Execute runs one agent turn for the conversation, relaying the agent's
// event stream to w. The conversation lock is held for the whole call.
func (o *Orchestrator) Execute(ctx context.Context, req *sandbox.ExecuteRequest, w io.Writer) error {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return err
	}

	resource := "conversation:" + req.ConversationID
	token, err := o.locker.Acquire(ctx, resource, o.cfg.LockTTL, o.cfg.LockWaitBudget)
	if errors.Is(err, lock.ErrAcquireTimeout) {
		metrics.LockAcquireTimeouts.Inc()
		metrics.ExecuteRequestsTotal.WithLabelValues("locked").Inc()
		o.audit.Warn(ctx, audit.EventLockContention,
			"conversation_id", req.ConversationID,
			"tenant_id", req.TenantID,
		)
		return ErrConversationLocked
	}
	if err != nil {
		return err
	}
	defer func() {
		// Cleanup must finish before the lock is given up, on every path.
		if _, err := o.locker.Release(context.WithoutCancel(ctx), resource, token); err != nil {
			slog.Warn("Lock release failed", "conversation_id", req.ConversationID, "error", err)
		}
	}()

	sb, err := o.GetOrCreate(ctx, req.ConversationID, req.TenantID)
	if err != nil {
		metrics.ExecuteRequestsTotal.WithLabelValues("error").Inc()
		return err
	}

	sb.State = sandbox.StateRunning
	sb.Touch()
	if err := o.store.SaveBinding(ctx, sb); err != nil {
		metrics.ExecuteRequestsTotal.WithLabelValues("error").Inc()
		return err
	}

	outcome := o.relay(ctx, req, sb, events.NewWriter(w))
	metrics.ExecuteRequestsTotal.WithLabelValues(outcome).Inc()
	metrics.ExecuteDuration.Observe(time.Since(start).Seconds())
	o.tasks.Wait()
	return nil
}

// openStream posts the request to the agent's /execute endpoint.
func (o *Orchestrator) openStream(ctx context.Context, sb *sandbox.Sandbox, req *sandbox.ExecuteRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, sb.AgentEndpoint.BaseURL()+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := sb.AgentEndpoint.HTTPClient(0)
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: opening execute stream: %v", backend.ErrContainerUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: agent answered %d", backend.ErrContainerUnavailable, resp.StatusCode)
	}
	return resp, nil
}

// relay pumps agent events to the caller until the stream ends or a failure
// path fires. Returns the outcome label.
//
// A caller disconnect does not stop the relay: the loop keeps consuming so
// file sync and usage accounting still happen, it just stops writing.
func (o *Orchestrator) relay(callerCtx context.Context, req *sandbox.ExecuteRequest, sb *sandbox.Sandbox, writer *events.Writer) string {
	execCtx, cancelExec := context.WithTimeout(context.WithoutCancel(callerCtx), o.cfg.ExecutionTimeout)
	defer cancelExec()

	resp, err := o.openStream(execCtx, sb, req)
	if err != nil {
		slog.Error("Failed to open execute stream", "conversation_id", req.ConversationID, "error", err)
		writer.Write(events.ErrorEvent("agent_crashed", "failed to reach sandbox agent", true))
		o.replaceSandbox(callerCtx, req, sb, writer, false)
		return "error"
	}
	defer resp.Body.Close()

	// Stream end is delivered in-band: the decoder posts the error and then
	// closes evCh, so every buffered event reaches the caller before the
	// loop sees EOF. A separate error case in the select would race the
	// buffered events and drop the trailing result.
	evCh := make(chan events.Event, 16)
	errCh := make(chan error, 1)
	go func() {
		dec := events.NewDecoder(resp.Body)
		for {
			ev, err := dec.Next()
			if err != nil {
				errCh <- err
				close(evCh)
				return
			}
			select {
			case evCh <- ev:
			case <-execCtx.Done():
				errCh <- execCtx.Err()
				close(evCh)
				return
			}
		}
	}()

	idle := time.NewTimer(o.cfg.EventTimeout)
	defer idle.Stop()

	callerDone := callerCtx.Done()
	callerGone := false
	proxyRecoveryTried := false
	var lastSync time.Time
	var usage events.Usage

	write := func(ev events.Event) {
		if !callerGone {
			if err := writer.Write(ev); err != nil {
				callerGone = true
			}
		}
	}

	for {
		select {
		case ev, ok := <-evCh:
			if !ok {
				err := <-errCh
				if errors.Is(err, io.EOF) {
					// Agent closed cleanly without a done marker.
					o.finishStream(callerCtx, req, sb)
					write(events.DoneEvent())
					return "success"
				}
				slog.Error("Execute stream broke", "conversation_id", req.ConversationID, "error", err)
				metrics.ContainerCrashesTotal.Inc()
				write(events.ErrorEvent("agent_crashed", "sandbox stream ended unexpectedly", true))
				o.replaceSandbox(callerCtx, req, sb, writer, callerGone)
				return "error"
			}
			idle.Reset(o.cfg.EventTimeout)

			if ev.Type == events.TypeError && !proxyRecoveryTried && errorKind(ev) == "proxy_unavailable" {
				proxyRecoveryTried = true
				cancelExec()
				write(ev)
				o.recoverProxy(callerCtx, req, sb, writer, callerGone)
				return "error"
			}

			if ev.Type == events.TypeResult {
				usage = events.ParseUsage(ev)
				if o.usageHook != nil {
					o.usageHook(req.ConversationID, req.TenantID, usage)
				}
			}
			if events.IsFileTool(ev) && time.Since(lastSync) >= o.cfg.SyncDebounce {
				lastSync = time.Now()
				o.opportunisticSync(req, sb)
			}

			write(ev)
			if ev.Type == events.TypeDone {
				o.finishStream(callerCtx, req, sb)
				return "success"
			}

		case <-idle.C:
			// The agent went silent; assume the sandbox is stuck.
			cancelExec()
			metrics.ContainerCrashesTotal.Inc()
			write(events.ErrorEvent("timeout_error", "no events from sandbox within the idle window", true))
			o.replaceSandbox(callerCtx, req, sb, writer, callerGone)
			return "timeout"

		case <-callerDone:
			callerDone = nil
			callerGone = true
			slog.Info("Caller disconnected, continuing execution in background",
				"conversation_id", req.ConversationID)
		}
	}
}

func errorKind(ev events.Event) string {
	kind, _ := ev.Data["kind"].(string)
	return kind
}

// finishStream marks the sandbox idle, refreshes its binding and captures
// workspace and session state.
func (o *Orchestrator) finishStream(ctx context.Context, req *sandbox.ExecuteRequest, sb *sandbox.Sandbox) {
	ctx = context.WithoutCancel(ctx)

	sb.State = sandbox.StateIdle
	sb.Touch()
	if err := o.store.SaveBinding(ctx, sb); err != nil {
		slog.Warn("Failed to mark sandbox idle", "conversation_id", req.ConversationID, "error", err)
	}

	if _, err := o.syncer.SyncFromContainer(ctx, req.TenantID, req.ConversationID, sb); err != nil {
		slog.Warn("Post-stream workspace sync failed", "conversation_id", req.ConversationID, "error", err)
	}
	if err := o.syncer.SaveSessionFile(ctx, req.TenantID, req.ConversationID, req.ConversationID, sb); err != nil {
		slog.Warn("Session save failed", "conversation_id", req.ConversationID, "error", err)
	}
}

// opportunisticSync captures workspace files mid-stream after a file-tool
// event. Bounded and debounced by the caller.
func (o *Orchestrator) opportunisticSync(req *sandbox.ExecuteRequest, sb *sandbox.Sandbox) {
	select {
	case o.syncSem <- struct{}{}:
	default:
		return
	}
	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()
		defer func() { <-o.syncSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := o.syncer.SyncFromContainer(ctx, req.TenantID, req.ConversationID, sb); err != nil {
			slog.Warn("Opportunistic sync failed", "conversation_id", req.ConversationID, "error", err)
		}
	}()
}

// recoverProxy attempts a proxy-only restart, falling back to a full
// sandbox replacement.
func (o *Orchestrator) recoverProxy(ctx context.Context, req *sandbox.ExecuteRequest, sb *sandbox.Sandbox, writer *events.Writer, callerGone bool) {
	cleanCtx := context.WithoutCancel(ctx)
	if err := o.proxies.Restart(cleanCtx, sb); err != nil {
		slog.Warn("Proxy restart failed, replacing sandbox", "sandbox_id", sb.ShortID(), "error", err)
		o.replaceSandbox(ctx, req, sb, writer, callerGone)
		return
	}
	o.audit.Event(cleanCtx, audit.EventContainerRecovered,
		"container_id", sb.ID,
		"conversation_id", req.ConversationID,
		"tenant_id", req.TenantID,
		"mode", "proxy_restart",
	)
	if !callerGone {
		writer.Write(events.RecoveredEvent(true))
	}
}

// replaceSandbox destroys the broken sandbox and binds a fresh one, then
// emits container_recovered as the stream's final event.
func (o *Orchestrator) replaceSandbox(ctx context.Context, req *sandbox.ExecuteRequest, sb *sandbox.Sandbox, writer *events.Writer, callerGone bool) {
	cleanCtx := context.WithoutCancel(ctx)
	o.teardown(cleanCtx, sb)

	fresh, err := o.bindFresh(cleanCtx, req.ConversationID, req.TenantID)
	if err != nil {
		slog.Error("Sandbox replacement failed", "conversation_id", req.ConversationID, "error", err)
		return
	}
	o.audit.Event(cleanCtx, audit.EventContainerRecovered,
		"container_id", fresh.ID,
		"conversation_id", req.ConversationID,
		"tenant_id", req.TenantID,
		"mode", "replacement",
		"replaced", sb.ID,
	)
	if !callerGone {
		writer.Write(events.RecoveredEvent(true))
	}
}

// DestroyAll stops every proxy, destroys every listed sandbox, and drains
// the warm pool. Used at shutdown.
func (o *Orchestrator) DestroyAll(ctx context.Context) {
	o.proxies.StopAll(ctx)

	sbs, err := o.backend.ListWorkspaceContainers(ctx)
	if err != nil {
		slog.Error("Failed to list sandboxes for shutdown", "error", err)
	}
	for _, sb := range sbs {
		if conv, err := o.store.ConversationFor(ctx, sb.ID); err == nil {
			sb.ConversationID = conv
		}
		o.teardown(ctx, sb)
	}

	o.pool.Drain(ctx, o.cfg.GracePeriod)
	o.tasks.Wait()
}
