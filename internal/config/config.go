// Package config provides configuration management for the workspace daemon.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// Build-time variables (set via -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config holds the application configuration.
type Config struct {
	AdminPort      int
	LogFile        string
	LogLevel       string
	MaxLogFileSize int

	// Shared store
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	BindingTTL    time.Duration

	// Container backend
	Backend          string // "docker" or "taskrunner"
	ContainerImage   string
	ContainerCPUs    float64
	ContainerMemory  int64 // bytes
	ContainerPids    int64
	WorkspaceTmpfsMB int
	SocketDir        string // host directory holding per-sandbox socket dirs
	SeccompProfile   string
	ApparmorProfile  string
	AgentPort        int // runner backend: agent port inside the task
	ProxyPort        int // runner backend: proxy sidecar port

	// Task runner backend
	ECSCluster        string
	ECSTaskDefinition string
	ECSSubnets        []string
	ECSSecurityGroups []string
	ECSLogGroup       string

	// Warm pool
	WarmPoolMinSize    int
	WarmPoolMaxSize    int
	WarmRefillInterval time.Duration

	// Lifecycle / GC
	ContainerInactiveTTL time.Duration
	ContainerAbsoluteTTL time.Duration
	ContainerGracePeriod time.Duration
	GCInterval           time.Duration

	// Timeout hierarchy (must satisfy execution < event < lock TTL)
	ContainerExecutionTimeout time.Duration
	EventTimeout              time.Duration
	LockTTL                   time.Duration
	LockWaitBudget            time.Duration

	// Egress proxy
	ProxyDomainWhitelist []string
	DNSCacheTTL          time.Duration

	// Blob store / signing
	S3Bucket        string
	WorkspacePrefix string
	AWSRegion       string
	AWSAccessKeyID  string
	AWSSecretKey    string
	AWSSessionToken string
}

// Parse parses command-line flags and returns a Config. Secrets fall back to
// the environment so they never appear in process listings.
func Parse() *Config {
	cfg := &Config{}

	flag.IntVar(&cfg.AdminPort, "admin-port", 9090, "Admin HTTP port (health, version, metrics)")
	flag.StringVar(&cfg.LogFile, "log-file", "", "Path to log file (default: stdout)")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.IntVar(&cfg.MaxLogFileSize, "max-log-file-size", 10*1024*1024, "Max log file size in bytes before rotation")

	flag.StringVar(&cfg.RedisAddr, "redis-addr", "localhost:6379", "Redis address for the shared store")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database index")
	flag.DurationVar(&cfg.BindingTTL, "binding-ttl", 24*time.Hour, "TTL for conversation binding keys")

	flag.StringVar(&cfg.Backend, "backend", "docker", "Container backend (docker or taskrunner)")
	flag.StringVar(&cfg.ContainerImage, "container-image", "workspace-agent:latest", "Sandbox container image")
	flag.Float64Var(&cfg.ContainerCPUs, "container-cpus", 1.0, "CPU limit per sandbox")
	flag.Int64Var(&cfg.ContainerMemory, "container-memory", 2<<30, "Memory limit per sandbox in bytes")
	flag.Int64Var(&cfg.ContainerPids, "container-pids", 256, "Process limit per sandbox")
	flag.IntVar(&cfg.WorkspaceTmpfsMB, "workspace-tmpfs-mb", 1024, "Size of the /workspace tmpfs in MB")
	flag.StringVar(&cfg.SocketDir, "socket-dir", "/var/run/workspaced", "Host directory for per-sandbox socket directories")
	flag.StringVar(&cfg.SeccompProfile, "seccomp-profile", "", "Path to a seccomp profile JSON for sandbox containers")
	flag.StringVar(&cfg.ApparmorProfile, "apparmor-profile", "", "AppArmor profile name for sandbox containers (optional)")
	flag.IntVar(&cfg.AgentPort, "agent-port", 8080, "Agent port inside runner tasks")
	flag.IntVar(&cfg.ProxyPort, "proxy-port", 3128, "Proxy sidecar port inside runner tasks")

	flag.StringVar(&cfg.ECSCluster, "ecs-cluster", "", "ECS cluster for the taskrunner backend")
	flag.StringVar(&cfg.ECSTaskDefinition, "ecs-task-definition", "", "ECS task definition for sandbox tasks")
	subnets := flag.String("ecs-subnets", "", "Comma-separated subnet IDs for sandbox tasks")
	securityGroups := flag.String("ecs-security-groups", "", "Comma-separated security group IDs for sandbox tasks")
	flag.StringVar(&cfg.ECSLogGroup, "ecs-log-group", "/workspace/sandboxes", "CloudWatch log group for sandbox tasks")

	flag.IntVar(&cfg.WarmPoolMinSize, "warm-pool-min-size", 2, "Minimum number of pre-created sandboxes")
	flag.IntVar(&cfg.WarmPoolMaxSize, "warm-pool-max-size", 10, "Maximum number of pre-created sandboxes")
	flag.DurationVar(&cfg.WarmRefillInterval, "warm-refill-interval", 15*time.Second, "Warm pool refill check interval")

	flag.DurationVar(&cfg.ContainerInactiveTTL, "container-inactive-ttl", 30*time.Minute, "Destroy sandboxes idle longer than this")
	flag.DurationVar(&cfg.ContainerAbsoluteTTL, "container-absolute-ttl", 8*time.Hour, "Destroy sandboxes older than this regardless of activity")
	flag.DurationVar(&cfg.ContainerGracePeriod, "container-grace-period", 10*time.Second, "Time a sandbox gets to exit before force-kill")
	flag.DurationVar(&cfg.GCInterval, "container-gc-interval", 60*time.Second, "Garbage collector loop period")

	flag.DurationVar(&cfg.ContainerExecutionTimeout, "container-execution-timeout", 10*time.Minute, "Upper bound on one agent execution")
	flag.DurationVar(&cfg.EventTimeout, "event-timeout", 12*time.Minute, "Idle-stream timeout: max silence from the agent mid-stream")
	flag.DurationVar(&cfg.LockTTL, "lock-ttl", 15*time.Minute, "Distributed conversation lock TTL")
	flag.DurationVar(&cfg.LockWaitBudget, "lock-wait-budget", 5*time.Second, "How long an execute call waits for the conversation lock")

	whitelist := flag.String("proxy-domain-whitelist", "", "Comma-separated list of allowed egress domains")
	flag.DurationVar(&cfg.DNSCacheTTL, "dns-cache-ttl", 5*time.Minute, "TTL for proxy DNS cache entries")

	flag.StringVar(&cfg.S3Bucket, "s3-bucket", "", "S3 bucket for workspace files")
	flag.StringVar(&cfg.WorkspacePrefix, "workspace-prefix", "workspaces", "Key prefix for workspace files in the bucket")
	flag.StringVar(&cfg.AWSRegion, "aws-region", "us-east-1", "AWS region for signing and service clients")

	flag.Parse()

	cfg.ECSSubnets = splitList(*subnets)
	cfg.ECSSecurityGroups = splitList(*securityGroups)
	cfg.ProxyDomainWhitelist = splitList(*whitelist)

	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.AWSAccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	cfg.AWSSecretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	cfg.AWSSessionToken = os.Getenv("AWS_SESSION_TOKEN")

	return cfg
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks invariants that must hold for the daemon to run safely.
// The timeout hierarchy matters: if the lock TTL is not the largest value a
// lock can expire while its sandbox is still being cleaned up.
func (c *Config) Validate() error {
	if c.ContainerExecutionTimeout >= c.EventTimeout {
		return fmt.Errorf("container-execution-timeout (%s) must be less than event-timeout (%s)",
			c.ContainerExecutionTimeout, c.EventTimeout)
	}
	if c.EventTimeout >= c.LockTTL {
		return fmt.Errorf("event-timeout (%s) must be less than lock-ttl (%s)", c.EventTimeout, c.LockTTL)
	}
	if c.WarmPoolMinSize < 0 || c.WarmPoolMaxSize < c.WarmPoolMinSize {
		return fmt.Errorf("warm pool bounds invalid: min=%d max=%d", c.WarmPoolMinSize, c.WarmPoolMaxSize)
	}
	if c.ContainerInactiveTTL <= 0 || c.ContainerAbsoluteTTL <= 0 {
		return fmt.Errorf("container TTLs must be positive")
	}
	switch c.Backend {
	case "docker":
		if c.SocketDir == "" {
			return fmt.Errorf("socket-dir is required for the docker backend")
		}
	case "taskrunner":
		if c.ECSCluster == "" || c.ECSTaskDefinition == "" {
			return fmt.Errorf("ecs-cluster and ecs-task-definition are required for the taskrunner backend")
		}
		if len(c.ECSSubnets) == 0 {
			return fmt.Errorf("ecs-subnets is required for the taskrunner backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	return nil
}
