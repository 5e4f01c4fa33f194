// Package audit provides a structured security-event sink shared by all
// components. Every event carries a service identity, an event name, and an
// ISO-8601 UTC timestamp alongside component-specific fields.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Service identities for audit events.
const (
	ServiceOrchestrator = "workspace-orchestrator"
	ServiceProxy        = "workspace-proxy"
	ServiceFileSync     = "workspace-file-sync"
	ServiceExecutor     = "workspace-executor"
)

// Well-known event names.
const (
	EventProxyRequestAllowed = "proxy_request_allowed"
	EventProxyRequestBlocked = "proxy_request_blocked"
	EventContainerCreated    = "container_created"
	EventContainerDestroyed  = "container_destroyed"
	EventContainerRecovered  = "container_recovered"
	EventLockContention      = "lock_contention"
	EventSessionRestored     = "session_restored"
	EventSessionSaved        = "session_saved"
)

// Logger emits audit events for one service.
type Logger struct {
	service string
	log     *slog.Logger
}

// New returns an audit Logger bound to the given service identity.
func New(service string) *Logger {
	return &Logger{
		service: service,
		log:     slog.Default(),
	}
}

// NewWith returns an audit Logger writing through the provided slog.Logger.
// Used by tests to capture emitted events.
func NewWith(service string, log *slog.Logger) *Logger {
	return &Logger{service: service, log: log}
}

// Event emits an audit event at info level. Args are alternating key/value
// pairs as accepted by slog.
func (a *Logger) Event(ctx context.Context, event string, args ...any) {
	a.emit(ctx, slog.LevelInfo, event, args...)
}

// Warn emits an audit event at warning level.
func (a *Logger) Warn(ctx context.Context, event string, args ...any) {
	a.emit(ctx, slog.LevelWarn, event, args...)
}

func (a *Logger) emit(ctx context.Context, level slog.Level, event string, args ...any) {
	attrs := make([]any, 0, len(args)+6)
	attrs = append(attrs,
		"timestamp", time.Now().UTC().Format(time.RFC3339Nano),
		"service", a.service,
		"event", event,
	)
	attrs = append(attrs, args...)
	a.log.Log(ctx, level, "audit", attrs...)
}
