package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/convoshed/workspaced/internal/sandbox"
)

const (
	startedBy          = "workspaced"
	tagSandboxID       = "workspace-sandbox-id"
	agentContainerName = "agent"
	taskPollPeriod     = 2 * time.Second
)

// ECSAPI is the slice of the ECS client the backend uses. Narrowed to an
// interface so tests can fake the task runner.
type ECSAPI interface {
	RunTask(ctx context.Context, in *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	DescribeTasks(ctx context.Context, in *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
	StopTask(ctx context.Context, in *ecs.StopTaskInput, optFns ...func(*ecs.Options)) (*ecs.StopTaskOutput, error)
	ListTasks(ctx context.Context, in *ecs.ListTasksInput, optFns ...func(*ecs.Options)) (*ecs.ListTasksOutput, error)
}

// LogsAPI is the slice of the CloudWatch Logs client the backend uses.
type LogsAPI interface {
	GetLogEvents(ctx context.Context, in *cloudwatchlogs.GetLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetLogEventsOutput, error)
}

// TaskRunnerConfig holds the cloud task-runner settings.
type TaskRunnerConfig struct {
	Cluster        string
	TaskDefinition string
	Subnets        []string
	SecurityGroups []string
	LogGroup       string
	AgentPort      int
	ProxyPort      int
	CreateTimeout  time.Duration
}

// TaskRunner runs sandboxes as cloud tasks. The egress proxy runs as a
// sidecar inside the same task, so both endpoints are TCP.
type TaskRunner struct {
	ecs  ECSAPI
	logs LogsAPI
	cfg  TaskRunnerConfig
}

// NewTaskRunner creates the task-runner backend.
func NewTaskRunner(ecsClient ECSAPI, logsClient LogsAPI, cfg TaskRunnerConfig) *TaskRunner {
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 3 * time.Minute
	}
	return &TaskRunner{ecs: ecsClient, logs: logsClient, cfg: cfg}
}

func (t *TaskRunner) Type() string { return TypeTaskRunner }

func (t *TaskRunner) CreateContainer(ctx context.Context, sandboxID string) (*sandbox.Sandbox, error) {
	out, err := t.ecs.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:        aws.String(t.cfg.Cluster),
		TaskDefinition: aws.String(t.cfg.TaskDefinition),
		LaunchType:     ecstypes.LaunchTypeFargate,
		StartedBy:      aws.String(startedBy),
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        t.cfg.Subnets,
				SecurityGroups: t.cfg.SecurityGroups,
				AssignPublicIp: ecstypes.AssignPublicIpDisabled,
			},
		},
		Tags: []ecstypes.Tag{
			{Key: aws.String(tagSandboxID), Value: aws.String(sandboxID)},
		},
		Overrides: &ecstypes.TaskOverride{
			ContainerOverrides: []ecstypes.ContainerOverride{{
				Name: aws.String(agentContainerName),
				Environment: []ecstypes.KeyValuePair{
					{Name: aws.String("WORKSPACE_SANDBOX_ID"), Value: aws.String(sandboxID)},
				},
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: running task: %v", ErrContainerUnavailable, err)
	}
	if len(out.Tasks) == 0 {
		if len(out.Failures) > 0 {
			return nil, fmt.Errorf("%w: task placement failed: %s", ErrContainerUnavailable, aws.ToString(out.Failures[0].Reason))
		}
		return nil, fmt.Errorf("%w: run-task returned no tasks", ErrContainerUnavailable)
	}
	taskArn := aws.ToString(out.Tasks[0].TaskArn)

	ip, err := t.awaitPrivateIP(ctx, taskArn)
	if err != nil {
		t.ecs.StopTask(ctx, &ecs.StopTaskInput{
			Cluster: aws.String(t.cfg.Cluster),
			Task:    aws.String(taskArn),
			Reason:  aws.String("startup failed"),
		})
		return nil, err
	}

	now := time.Now().UTC()
	sb := &sandbox.Sandbox{
		ID:            sandboxID,
		BackendType:   TypeTaskRunner,
		ExternalID:    taskArn,
		AgentEndpoint: sandbox.Endpoint{Addr: fmt.Sprintf("%s:%d", ip, t.cfg.AgentPort)},
		ProxyEndpoint: sandbox.Endpoint{Addr: fmt.Sprintf("%s:%d", ip, t.cfg.ProxyPort)},
		State:         sandbox.StateWarm,
		CreatedAt:     now,
		LastActiveAt:  now,
	}
	slog.Info("Sandbox task started", "sandbox_id", sb.ShortID(), "task", taskID(taskArn), "ip", ip)
	return sb, nil
}

// awaitPrivateIP polls task description until the ENI address appears or the
// task stops.
func (t *TaskRunner) awaitPrivateIP(ctx context.Context, taskArn string) (string, error) {
	deadline := time.Now().Add(t.cfg.CreateTimeout)
	for {
		out, err := t.ecs.DescribeTasks(ctx, &ecs.DescribeTasksInput{
			Cluster: aws.String(t.cfg.Cluster),
			Tasks:   []string{taskArn},
		})
		if err == nil && len(out.Tasks) > 0 {
			task := out.Tasks[0]
			if ip := privateIP(task); ip != "" {
				return ip, nil
			}
			if aws.ToString(task.LastStatus) == "STOPPED" {
				return "", fmt.Errorf("%w: task stopped before IP assignment: %s",
					ErrContainerUnavailable, aws.ToString(task.StoppedReason))
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: no private IP after %s", ErrContainerUnavailable, t.cfg.CreateTimeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(taskPollPeriod):
		}
	}
}

func privateIP(task ecstypes.Task) string {
	for _, att := range task.Attachments {
		if aws.ToString(att.Type) != "ElasticNetworkInterface" {
			continue
		}
		for _, kv := range att.Details {
			if aws.ToString(kv.Name) == "privateIPv4Address" {
				return aws.ToString(kv.Value)
			}
		}
	}
	return ""
}

func taskID(arn string) string {
	return path.Base(arn)
}

func (t *TaskRunner) DestroyContainer(ctx context.Context, sb *sandbox.Sandbox, grace time.Duration) error {
	// The task runner handles SIGTERM-then-kill itself; grace is its
	// stopTimeout in the task definition.
	_, err := t.ecs.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(t.cfg.Cluster),
		Task:    aws.String(sb.ExternalID),
		Reason:  aws.String("sandbox destroyed"),
	})
	if err != nil {
		return fmt.Errorf("stopping task for sandbox %s: %w", sb.ID, err)
	}
	slog.Info("Sandbox task stopped", "sandbox_id", sb.ShortID())
	return nil
}

func (t *TaskRunner) IsHealthy(ctx context.Context, sb *sandbox.Sandbox) bool {
	out, err := t.ecs.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(t.cfg.Cluster),
		Tasks:   []string{sb.ExternalID},
	})
	if err != nil || len(out.Tasks) == 0 {
		return false
	}
	return aws.ToString(out.Tasks[0].LastStatus) == "RUNNING"
}

func (t *TaskRunner) ListWorkspaceContainers(ctx context.Context) ([]*sandbox.Sandbox, error) {
	listed, err := t.ecs.ListTasks(ctx, &ecs.ListTasksInput{
		Cluster:   aws.String(t.cfg.Cluster),
		StartedBy: aws.String(startedBy),
	})
	if err != nil {
		return nil, fmt.Errorf("listing workspace tasks: %w", err)
	}
	if len(listed.TaskArns) == 0 {
		return nil, nil
	}
	described, err := t.ecs.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(t.cfg.Cluster),
		Tasks:   listed.TaskArns,
		Include: []ecstypes.TaskField{ecstypes.TaskFieldTags},
	})
	if err != nil {
		return nil, fmt.Errorf("describing workspace tasks: %w", err)
	}

	out := make([]*sandbox.Sandbox, 0, len(described.Tasks))
	for _, task := range described.Tasks {
		var id string
		for _, tag := range task.Tags {
			if aws.ToString(tag.Key) == tagSandboxID {
				id = aws.ToString(tag.Value)
			}
		}
		if id == "" {
			continue
		}
		sb := &sandbox.Sandbox{
			ID:          id,
			BackendType: TypeTaskRunner,
			ExternalID:  aws.ToString(task.TaskArn),
		}
		if task.CreatedAt != nil {
			sb.CreatedAt = task.CreatedAt.UTC()
		}
		if ip := privateIP(task); ip != "" {
			sb.AgentEndpoint = sandbox.Endpoint{Addr: fmt.Sprintf("%s:%d", ip, t.cfg.AgentPort)}
			sb.ProxyEndpoint = sandbox.Endpoint{Addr: fmt.Sprintf("%s:%d", ip, t.cfg.ProxyPort)}
		}
		out = append(out, sb)
	}
	return out, nil
}

func (t *TaskRunner) WaitForAgentReady(ctx context.Context, sb *sandbox.Sandbox, timeout time.Duration) error {
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
			tail, logErr := t.GetContainerLogs(ctx, sb, 50)
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

// agentDo performs an HTTP request against the agent's workspace surface.
// The runner transport has no daemon-side filesystem access, so exec and
// file operations go through the agent.
func (t *TaskRunner) agentDo(ctx context.Context, sb *sandbox.Sandbox, method, p string, body []byte) ([]byte, error) {
	httpClient := sb.AgentEndpoint.HTTPClient(30 * time.Second)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, sb.AgentEndpoint.BaseURL()+p, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request %s %s: %w", method, p, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading agent response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, p)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agent request %s %s: %d %s", method, p, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func (t *TaskRunner) execJSON(ctx context.Context, sb *sandbox.Sandbox, cmd []string) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{"cmd": cmd})
	if err != nil {
		return nil, err
	}
	return t.agentDo(ctx, sb, http.MethodPost, "/exec", payload)
}

func (t *TaskRunner) ExecInContainer(ctx context.Context, sb *sandbox.Sandbox, cmd []string) (string, error) {
	data, err := t.execJSON(ctx, sb, cmd)
	if err != nil {
		return "", err
	}
	var out struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decoding exec response: %w", err)
	}
	return out.Output, nil
}

func (t *TaskRunner) ExecInContainerBinary(ctx context.Context, sb *sandbox.Sandbox, cmd []string) ([]byte, error) {
	out, err := t.ExecInContainer(ctx, sb, cmd)
	return []byte(out), err
}

func (t *TaskRunner) GetContainerLogs(ctx context.Context, sb *sandbox.Sandbox, tail int) (string, error) {
	stream := fmt.Sprintf("workspace/%s/%s", agentContainerName, taskID(sb.ExternalID))
	out, err := t.logs.GetLogEvents(ctx, &cloudwatchlogs.GetLogEventsInput{
		LogGroupName:  aws.String(t.cfg.LogGroup),
		LogStreamName: aws.String(stream),
		Limit:         aws.Int32(int32(tail)),
		StartFromHead: aws.Bool(false),
	})
	if err != nil {
		return "", fmt.Errorf("fetching log events for sandbox %s: %w", sb.ID, err)
	}
	var b strings.Builder
	for _, ev := range out.Events {
		b.WriteString(aws.ToString(ev.Message))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func (t *TaskRunner) WriteFile(ctx context.Context, sb *sandbox.Sandbox, p string, data []byte) error {
	_, err := t.agentDo(ctx, sb, http.MethodPut, "/workspace/"+url.PathEscape(strings.TrimPrefix(p, "/")), data)
	return err
}

func (t *TaskRunner) ReadFile(ctx context.Context, sb *sandbox.Sandbox, p string) ([]byte, error) {
	return t.agentDo(ctx, sb, http.MethodGet, "/workspace/"+url.PathEscape(strings.TrimPrefix(p, "/")), nil)
}

func (t *TaskRunner) ListFiles(ctx context.Context, sb *sandbox.Sandbox, root string) ([]string, error) {
	data, err := t.agentDo(ctx, sb, http.MethodGet, "/workspace?root="+url.QueryEscape(root), nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Files []string `json:"files"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding file listing: %w", err)
	}
	return out.Files, nil
}
