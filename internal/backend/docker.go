package backend

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/convoshed/workspaced/internal/sandbox"
)

// Container-side paths. The per-sandbox host socket directory is bind
// mounted onto socketMount.
const (
	socketMount      = "/var/run/ws"
	agentSocketName  = "agent.sock"
	proxySocketName  = "proxy.sock"
	labelManaged     = "workspace.managed"
	labelSandboxID   = "workspace.sandbox-id"
	readyPollPeriod  = 500 * time.Millisecond
	readyProbePeriod = 2 * time.Second
)

// DockerConfig holds the daemon backend settings.
type DockerConfig struct {
	Image           string
	CPUs            float64
	MemoryBytes     int64
	PidsLimit       int64
	WorkspaceTmpfs  int // MB
	SocketDir       string
	SeccompProfile  string // path on disk, optional
	ApparmorProfile string // profile name, optional
}

// Docker runs sandboxes as locked-down containers on the local daemon.
type Docker struct {
	cli     *client.Client
	cfg     DockerConfig
	seccomp string // profile JSON loaded once at startup
}

// NewDocker creates the daemon backend, loading the seccomp profile from
// disk if one is configured.
func NewDocker(cli *client.Client, cfg DockerConfig) (*Docker, error) {
	d := &Docker{cli: cli, cfg: cfg}
	if cfg.SeccompProfile != "" {
		data, err := os.ReadFile(cfg.SeccompProfile)
		if err != nil {
			return nil, fmt.Errorf("loading seccomp profile: %w", err)
		}
		d.seccomp = string(data)
	}
	return d, nil
}

func (d *Docker) Type() string { return TypeDocker }

func (d *Docker) socketDir(sandboxID string) string {
	return filepath.Join(d.cfg.SocketDir, sandboxID)
}

// proxyEnv routes all outbound HTTP from the sandbox through the egress
// proxy socket. The agent image honours these variables.
func proxyEnv(proxySocket string) []string {
	proxyURL := "unix://" + proxySocket
	return []string{
		"HTTP_PROXY=" + proxyURL,
		"HTTPS_PROXY=" + proxyURL,
		"http_proxy=" + proxyURL,
		"https_proxy=" + proxyURL,
		"NO_PROXY=localhost,127.0.0.1",
	}
}

func (d *Docker) CreateContainer(ctx context.Context, sandboxID string) (*sandbox.Sandbox, error) {
	hostDir := d.socketDir(sandboxID)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}

	containerProxySocket := filepath.Join(socketMount, proxySocketName)
	env := append(proxyEnv(containerProxySocket),
		"WORKSPACE_AGENT_SOCKET="+filepath.Join(socketMount, agentSocketName),
		"WORKSPACE_SANDBOX_ID="+sandboxID,
	)

	securityOpt := []string{"no-new-privileges"}
	if d.seccomp != "" {
		securityOpt = append(securityOpt, "seccomp="+d.seccomp)
	}
	if d.cfg.ApparmorProfile != "" {
		securityOpt = append(securityOpt, "apparmor="+d.cfg.ApparmorProfile)
	}

	pids := d.cfg.PidsLimit
	containerConfig := &container.Config{
		Image: d.cfg.Image,
		Env:   env,
		Labels: map[string]string{
			labelManaged:   "true",
			labelSandboxID: sandboxID,
		},
	}
	hostConfig := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp":       "size=64m",
			"/workspace": fmt.Sprintf("size=%dm", d.cfg.WorkspaceTmpfs),
		},
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"SETUID", "SETGID"},
		SecurityOpt: securityOpt,
		Binds:       []string{hostDir + ":" + socketMount},
		Resources: container.Resources{
			NanoCPUs:  int64(d.cfg.CPUs * 1e9),
			Memory:    d.cfg.MemoryBytes,
			PidsLimit: &pids,
		},
	}

	name := "workspace-" + sandboxID
	resp, err := d.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		os.RemoveAll(hostDir)
		return nil, fmt.Errorf("%w: creating container: %v", ErrContainerUnavailable, err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		os.RemoveAll(hostDir)
		return nil, fmt.Errorf("%w: starting container: %v", ErrContainerUnavailable, err)
	}

	now := time.Now().UTC()
	sb := &sandbox.Sandbox{
		ID:            sandboxID,
		BackendType:   TypeDocker,
		ExternalID:    resp.ID,
		AgentEndpoint: sandbox.Endpoint{Socket: filepath.Join(hostDir, agentSocketName)},
		ProxyEndpoint: sandbox.Endpoint{Socket: filepath.Join(hostDir, proxySocketName)},
		State:         sandbox.StateWarm,
		CreatedAt:     now,
		LastActiveAt:  now,
	}
	slog.Info("Sandbox container created", "sandbox_id", sb.ShortID(), "container_id", resp.ID[:12])
	return sb, nil
}

func (d *Docker) DestroyContainer(ctx context.Context, sb *sandbox.Sandbox, grace time.Duration) error {
	timeout := int(grace.Seconds())
	if err := d.cli.ContainerStop(ctx, sb.ExternalID, container.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("Failed to stop container", "sandbox_id", sb.ShortID(), "error", err)
	}
	if err := d.cli.ContainerRemove(ctx, sb.ExternalID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing container for sandbox %s: %w", sb.ID, err)
	}
	// Best-effort socket directory cleanup.
	if err := os.RemoveAll(d.socketDir(sb.ID)); err != nil {
		slog.Warn("Failed to remove socket directory", "sandbox_id", sb.ShortID(), "error", err)
	}
	slog.Info("Sandbox container destroyed", "sandbox_id", sb.ShortID())
	return nil
}

func (d *Docker) IsHealthy(ctx context.Context, sb *sandbox.Sandbox) bool {
	info, err := d.cli.ContainerInspect(ctx, sb.ExternalID)
	return err == nil && info.State != nil && info.State.Running
}

func (d *Docker) ListWorkspaceContainers(ctx context.Context) ([]*sandbox.Sandbox, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("listing workspace containers: %w", err)
	}
	out := make([]*sandbox.Sandbox, 0, len(list))
	for _, c := range list {
		id := c.Labels[labelSandboxID]
		if id == "" {
			continue
		}
		hostDir := d.socketDir(id)
		out = append(out, &sandbox.Sandbox{
			ID:            id,
			BackendType:   TypeDocker,
			ExternalID:    c.ID,
			AgentEndpoint: sandbox.Endpoint{Socket: filepath.Join(hostDir, agentSocketName)},
			ProxyEndpoint: sandbox.Endpoint{Socket: filepath.Join(hostDir, proxySocketName)},
			CreatedAt:     time.Unix(c.Created, 0).UTC(),
		})
	}
	return out, nil
}

func (d *Docker) WaitForAgentReady(ctx context.Context, sb *sandbox.Sandbox, timeout time.Duration) error {
	httpClient := sb.AgentEndpoint.HTTPClient(readyProbePeriod)
	deadline := time.Now().Add(timeout)
	url := sb.AgentEndpoint.BaseURL() + "/health"

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		if time.Now().After(deadline) {
			tail, logErr := d.GetContainerLogs(ctx, sb, 50)
			if logErr != nil {
				tail = fmt.Sprintf("(log fetch failed: %v)", logErr)
			}
			return fmt.Errorf("%w: agent not ready after %s; recent logs:\n%s", ErrContainerUnavailable, timeout, tail)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollPeriod):
		}
	}
}

func (d *Docker) exec(ctx context.Context, sb *sandbox.Sandbox, cmd []string) ([]byte, []byte, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, sb.ExternalID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating exec in sandbox %s: %w", sb.ID, err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("attaching exec in sandbox %s: %w", sb.ID, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, nil, fmt.Errorf("reading exec output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("inspecting exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("exec %v exited %d: %s", cmd, inspect.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

func (d *Docker) ExecInContainer(ctx context.Context, sb *sandbox.Sandbox, cmd []string) (string, error) {
	stdout, _, err := d.exec(ctx, sb, cmd)
	return string(stdout), err
}

func (d *Docker) ExecInContainerBinary(ctx context.Context, sb *sandbox.Sandbox, cmd []string) ([]byte, error) {
	stdout, _, err := d.exec(ctx, sb, cmd)
	return stdout, err
}

func (d *Docker) GetContainerLogs(ctx context.Context, sb *sandbox.Sandbox, tail int) (string, error) {
	logs, err := d.cli.ContainerLogs(ctx, sb.ExternalID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", fmt.Errorf("fetching logs for sandbox %s: %w", sb.ID, err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return "", fmt.Errorf("demuxing logs: %w", err)
	}
	if stderr.Len() > 0 {
		stdout.WriteString(stderr.String())
	}
	return stdout.String(), nil
}

func (d *Docker) WriteFile(ctx context.Context, sb *sandbox.Sandbox, path string, data []byte) error {
	dir := filepath.Dir(path)
	if _, _, err := d.exec(ctx, sb, []string{"mkdir", "-p", dir}); err != nil {
		return fmt.Errorf("creating parent directory %s: %w", dir, err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    filepath.Base(path),
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("writing tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar: %w", err)
	}

	if err := d.cli.CopyToContainer(ctx, sb.ExternalID, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copying %s into sandbox %s: %w", path, sb.ID, err)
	}
	return nil
}

func (d *Docker) ReadFile(ctx context.Context, sb *sandbox.Sandbox, path string) ([]byte, error) {
	rc, _, err := d.cli.CopyFromContainer(ctx, sb.ExternalID, path)
	if err != nil {
		return nil, fmt.Errorf("copying %s out of sandbox %s: %w", path, sb.ID, err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: %s not in archive", ErrFileNotFound, path)
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive for %s: %w", path, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

func (d *Docker) ListFiles(ctx context.Context, sb *sandbox.Sandbox, root string) ([]string, error) {
	out, _, err := d.exec(ctx, sb, []string{"find", root, "-type", "f"})
	if err != nil {
		return nil, fmt.Errorf("listing files under %s: %w", root, err)
	}
	var files []string
	prefix := strings.TrimSuffix(root, "/") + "/"
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		files = append(files, strings.TrimPrefix(line, prefix))
	}
	return files, nil
}
