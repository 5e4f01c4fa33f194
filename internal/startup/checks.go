// Package startup provides boot-time checks and reconciliation for the
// workspace daemon.
package startup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/docker/docker/client"
	"github.com/redis/go-redis/v9"

	"github.com/convoshed/workspaced/internal/backend"
	"github.com/convoshed/workspaced/internal/store"
)

// CheckResult represents the result of a startup check.
type CheckResult struct {
	Name    string
	Passed  bool
	Message string
	Err     error
}

// Checker runs startup checks and initialization.
type Checker struct {
	dockerClient *client.Client
	results      []CheckResult
}

// NewChecker creates a startup checker.
func NewChecker() *Checker {
	return &Checker{results: make([]CheckResult, 0)}
}

// Results returns all check results.
func (c *Checker) Results() []CheckResult {
	return c.results
}

// DockerClient returns the Docker client after CheckDocker has been called.
func (c *Checker) DockerClient() *client.Client {
	return c.dockerClient
}

func (c *Checker) addResult(name string, passed bool, message string, err error) {
	c.results = append(c.results, CheckResult{Name: name, Passed: passed, Message: message, Err: err})
	if passed {
		slog.Info("Startup check passed", "check", name, "message", message)
	} else {
		slog.Error("Startup check failed", "check", name, "message", message, "error", err)
	}
}

// CheckDocker verifies the Docker daemon is running and accessible. Only
// called for the docker backend.
func (c *Checker) CheckDocker(ctx context.Context) error {
	const checkName = "Docker"
	slog.Info("Running startup check", "check", checkName)

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		c.addResult(checkName, false, "Failed to create Docker client", err)
		return fmt.Errorf("creating Docker client: %w", err)
	}

	ping, err := dockerClient.Ping(ctx)
	if err != nil {
		c.addResult(checkName, false, "Docker daemon is not running", err)
		return fmt.Errorf("Docker daemon is not reachable: %w", err)
	}

	c.dockerClient = dockerClient
	c.addResult(checkName, true, fmt.Sprintf("Docker daemon running (API %s)", ping.APIVersion), nil)
	return nil
}

// CheckRedis verifies the shared store answers a ping.
func (c *Checker) CheckRedis(ctx context.Context, rdb redis.UniversalClient) error {
	const checkName = "Redis"
	slog.Info("Running startup check", "check", checkName)

	if err := rdb.Ping(ctx).Err(); err != nil {
		c.addResult(checkName, false, "Shared store is not reachable", err)
		return fmt.Errorf("pinging shared store: %w", err)
	}
	c.addResult(checkName, true, "Shared store reachable", nil)
	return nil
}

// ReconcileSandboxes lists workspace containers left over from a previous
// run and destroys dead ones with no binding. Bound sandboxes are left for
// the garbage collector; healthy unbound ones are warm pool members, still
// referenced by the shared warm list and possibly owned by another replica.
func (c *Checker) ReconcileSandboxes(ctx context.Context, be backend.Backend, st *store.Store) (int, error) {
	const checkName = "Sandbox Reconcile"
	slog.Info("Running startup check", "check", checkName)

	sbs, err := be.ListWorkspaceContainers(ctx)
	if err != nil {
		c.addResult(checkName, false, "Failed to list workspace containers", err)
		return 0, fmt.Errorf("listing workspace containers: %w", err)
	}

	removed := 0
	kept := 0
	for _, sb := range sbs {
		_, err := st.ConversationFor(ctx, sb.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if be.IsHealthy(ctx, sb) {
				kept++
				continue
			}
			slog.Info("Removing dead unbound sandbox from previous run", "sandbox_id", sb.ShortID())
			if destroyErr := be.DestroyContainer(ctx, sb, 0); destroyErr != nil {
				slog.Warn("Failed to remove stale sandbox", "sandbox_id", sb.ShortID(), "error", destroyErr)
				continue
			}
			removed++
		case err != nil:
			slog.Warn("Binding lookup failed during reconcile", "sandbox_id", sb.ShortID(), "error", err)
		default:
			kept++
		}
	}

	c.addResult(checkName, true, fmt.Sprintf("Removed %d dead unbound sandboxes, kept %d", removed, kept), nil)
	return removed, nil
}

// PrintSummary logs a summary of all check results.
func (c *Checker) PrintSummary() {
	passed := 0
	failed := 0
	for _, r := range c.results {
		if r.Passed {
			passed++
		} else {
			failed++
		}
	}
	if failed == 0 {
		slog.Info("All startup checks passed", "total", len(c.results))
	} else {
		slog.Warn("Some startup checks failed", "passed", passed, "failed", failed)
	}
}
