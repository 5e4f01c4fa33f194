// Package backend abstracts sandbox container lifecycles over two
// transports: the local Docker daemon and the cloud task runner. Both expose
// the same surface; they differ only in transport and log retrieval.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/convoshed/workspaced/internal/sandbox"
)

// Backend type names, used in config and sandbox snapshots.
const (
	TypeDocker     = "docker"
	TypeTaskRunner = "taskrunner"
)

// ErrContainerUnavailable is returned when a sandbox's container cannot be
// created or reached.
var ErrContainerUnavailable = errors.New("backend: container unavailable")

// ErrFileNotFound marks a ReadFile miss, as opposed to a transport failure.
var ErrFileNotFound = errors.New("backend: file not found")

// Backend is the capability set shared by both container transports.
type Backend interface {
	// Type returns the backend type name.
	Type() string

	// CreateContainer creates and starts a sandbox container. The returned
	// sandbox carries the agent and proxy endpoints but no conversation
	// binding; its state is Warm.
	CreateContainer(ctx context.Context, sandboxID string) (*sandbox.Sandbox, error)

	// DestroyContainer gracefully stops the container within grace, then
	// removes it and cleans up any host-side state.
	DestroyContainer(ctx context.Context, sb *sandbox.Sandbox, grace time.Duration) error

	// IsHealthy reports whether the container is running.
	IsHealthy(ctx context.Context, sb *sandbox.Sandbox) bool

	// ListWorkspaceContainers enumerates live sandboxes owned by this
	// daemon, as minimal snapshots (id, external id, created time).
	ListWorkspaceContainers(ctx context.Context) ([]*sandbox.Sandbox, error)

	// WaitForAgentReady polls the agent /health endpoint until it answers
	// or the timeout elapses. On timeout the error includes a log tail.
	WaitForAgentReady(ctx context.Context, sb *sandbox.Sandbox, timeout time.Duration) error

	// ExecInContainer runs a command and returns its combined output as text.
	ExecInContainer(ctx context.Context, sb *sandbox.Sandbox, cmd []string) (string, error)

	// ExecInContainerBinary runs a command and returns raw output bytes.
	ExecInContainerBinary(ctx context.Context, sb *sandbox.Sandbox, cmd []string) ([]byte, error)

	// GetContainerLogs returns up to tail recent log lines.
	GetContainerLogs(ctx context.Context, sb *sandbox.Sandbox, tail int) (string, error)

	// WriteFile streams a file into the sandbox filesystem, creating parent
	// directories as needed.
	WriteFile(ctx context.Context, sb *sandbox.Sandbox, path string, data []byte) error

	// ReadFile streams a file out of the sandbox filesystem.
	ReadFile(ctx context.Context, sb *sandbox.Sandbox, path string) ([]byte, error)

	// ListFiles returns the relative paths of regular files under root.
	ListFiles(ctx context.Context, sb *sandbox.Sandbox, root string) ([]string, error)
}
