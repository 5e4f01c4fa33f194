// Command workspaced runs the multi-tenant sandbox lifecycle daemon: a warm
// pool of locked-down containers, per-conversation orchestration with crash
// recovery, a credential-injecting egress proxy and workspace file sync.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/convoshed/workspaced/internal/allowlist"
	"github.com/convoshed/workspaced/internal/api"
	"github.com/convoshed/workspaced/internal/backend"
	"github.com/convoshed/workspaced/internal/config"
	"github.com/convoshed/workspaced/internal/dnscache"
	"github.com/convoshed/workspaced/internal/events"
	"github.com/convoshed/workspaced/internal/filesync"
	"github.com/convoshed/workspaced/internal/gc"
	"github.com/convoshed/workspaced/internal/lock"
	"github.com/convoshed/workspaced/internal/logging"
	"github.com/convoshed/workspaced/internal/orchestrator"
	"github.com/convoshed/workspaced/internal/proxy"
	"github.com/convoshed/workspaced/internal/sigv4"
	"github.com/convoshed/workspaced/internal/startup"
	"github.com/convoshed/workspaced/internal/store"
	"github.com/convoshed/workspaced/internal/warmpool"
)

const (
	proxyRequestTimeout   = 2 * time.Minute
	agentReadyWait        = 60 * time.Second
	workspaceSyncDebounce = 30 * time.Second
	shutdownTimeout       = 30 * time.Second
)

func main() {
	cfg := config.Parse()

	cleanupLog := logging.Setup(logging.Config{
		LogFile:        cfg.LogFile,
		MaxLogFileSize: cfg.MaxLogFileSize,
		Level:          cfg.LogLevel,
	})
	defer cleanupLog()

	slog.Info("Starting workspaced",
		"version", config.Version,
		"commit", config.GitCommit,
		"built", config.BuildTime,
	)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// =========================================================================
	// Startup Checks
	// =========================================================================

	checker := startup.NewChecker()

	rdb, err := store.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		slog.Error("Shared store dial failed", "error", err)
		os.Exit(1)
	}
	if err := checker.CheckRedis(ctx, rdb); err != nil {
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		slog.Error("AWS configuration failed", "error", err)
		os.Exit(1)
	}

	var be backend.Backend
	switch cfg.Backend {
	case "docker":
		if err := checker.CheckDocker(ctx); err != nil {
			os.Exit(1)
		}
		be, err = backend.NewDocker(checker.DockerClient(), backend.DockerConfig{
			Image:           cfg.ContainerImage,
			CPUs:            cfg.ContainerCPUs,
			MemoryBytes:     cfg.ContainerMemory,
			PidsLimit:       cfg.ContainerPids,
			WorkspaceTmpfs:  cfg.WorkspaceTmpfsMB,
			SocketDir:       cfg.SocketDir,
			SeccompProfile:  cfg.SeccompProfile,
			ApparmorProfile: cfg.ApparmorProfile,
		})
		if err != nil {
			slog.Error("Docker backend init failed", "error", err)
			os.Exit(1)
		}
	case "taskrunner":
		be = backend.NewTaskRunner(
			ecs.NewFromConfig(awsCfg),
			cloudwatchlogs.NewFromConfig(awsCfg),
			backend.TaskRunnerConfig{
				Cluster:        cfg.ECSCluster,
				TaskDefinition: cfg.ECSTaskDefinition,
				Subnets:        cfg.ECSSubnets,
				SecurityGroups: cfg.ECSSecurityGroups,
				LogGroup:       cfg.ECSLogGroup,
				AgentPort:      cfg.AgentPort,
				ProxyPort:      cfg.ProxyPort,
			})
	}

	st := store.New(rdb, cfg.BindingTTL)

	if _, err := checker.ReconcileSandboxes(ctx, be, st); err != nil {
		os.Exit(1)
	}
	checker.PrintSummary()

	// =========================================================================
	// Initialize Services
	// =========================================================================

	locker := lock.New(rdb)
	dns := dnscache.New(cfg.DNSCacheTTL)
	allow := allowlist.New(cfg.ProxyDomainWhitelist)
	signer := sigv4.New(cfg.AWSRegion)

	proxies := proxy.NewRegistry(func() proxy.Config {
		return proxy.Config{
			Allowlist: allow,
			Signer:    signer,
			Credentials: sigv4.Credentials{
				AccessKeyID:     cfg.AWSAccessKeyID,
				SecretAccessKey: cfg.AWSSecretKey,
				SessionToken:    cfg.AWSSessionToken,
			},
			DNS:            dns,
			RequestTimeout: proxyRequestTimeout,
		}
	})

	syncer := filesync.New(s3.NewFromConfig(awsCfg), st, be, cfg.S3Bucket, cfg.WorkspacePrefix)

	pool := warmpool.New(warmpool.Config{
		MinSize:        cfg.WarmPoolMinSize,
		MaxSize:        cfg.WarmPoolMaxSize,
		AgentReadyWait: agentReadyWait,
		RefillInterval: cfg.WarmRefillInterval,
	}, st, be)

	orch := orchestrator.New(orchestrator.Config{
		ExecutionTimeout: cfg.ContainerExecutionTimeout,
		EventTimeout:     cfg.EventTimeout,
		LockTTL:          cfg.LockTTL,
		LockWaitBudget:   cfg.LockWaitBudget,
		GracePeriod:      cfg.ContainerGracePeriod,
		SyncDebounce:     workspaceSyncDebounce,
	}, st, locker, pool, be, proxies, syncer, logUsage)

	collector := gc.New(gc.Config{
		Interval:    cfg.GCInterval,
		InactiveTTL: cfg.ContainerInactiveTTL,
		AbsoluteTTL: cfg.ContainerAbsoluteTTL,
		GracePeriod: cfg.ContainerGracePeriod,
	}, st, be, orch.StopProxy)

	go pool.Run(ctx)
	go collector.Run(ctx)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.AdminPort),
		Handler: http.HandlerFunc(api.NewServer(orch).HandleRequest),
	}

	// =========================================================================
	// Graceful Shutdown
	// =========================================================================

	// Bound sandboxes are left running on shutdown: their bindings live in
	// the shared store and the next run adopts them. Only the warm pool is
	// drained, those containers belong to nobody yet.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("Shutting down", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP server shutdown failed", "error", err)
		}

		cancel()
		pool.Close()
		drained := pool.Drain(shutdownCtx, 0)
		proxies.StopAll(shutdownCtx)

		slog.Info("Shutdown complete", "warm_drained", drained)
		cleanupLog()
		os.Exit(0)
	}()

	slog.Info("Configuration",
		"admin_port", cfg.AdminPort,
		"backend", cfg.Backend,
		"container_image", cfg.ContainerImage,
		"warm_pool_min", cfg.WarmPoolMinSize,
		"warm_pool_max", cfg.WarmPoolMaxSize,
		"inactive_ttl", cfg.ContainerInactiveTTL,
		"absolute_ttl", cfg.ContainerAbsoluteTTL,
		"gc_interval", cfg.GCInterval,
		"execution_timeout", cfg.ContainerExecutionTimeout,
		"event_timeout", cfg.EventTimeout,
		"lock_ttl", cfg.LockTTL,
		"proxy_whitelist", cfg.ProxyDomainWhitelist,
		"s3_bucket", cfg.S3Bucket,
		"workspace_prefix", cfg.WorkspacePrefix,
		"aws_region", cfg.AWSRegion,
	)

	slog.Info("Listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}

// logUsage records per-turn token usage from trailing result events.
func logUsage(conversationID, tenantID string, usage events.Usage) {
	slog.Info("Token usage",
		"conversation_id", conversationID,
		"tenant_id", tenantID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
}
