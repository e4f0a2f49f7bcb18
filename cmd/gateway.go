package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/adhocore/gronx"
	"github.com/spf13/cobra"

	"github.com/munlucky/moonbot/internal/approvals"
	"github.com/munlucky/moonbot/internal/bus"
	"github.com/munlucky/moonbot/internal/config"
	"github.com/munlucky/moonbot/internal/gateway"
	"github.com/munlucky/moonbot/internal/logging"
	"github.com/munlucky/moonbot/internal/orchestrator"
	"github.com/munlucky/moonbot/internal/policy"
	"github.com/munlucky/moonbot/internal/sessions"
	"github.com/munlucky/moonbot/internal/tools"
	"github.com/munlucky/moonbot/internal/tracing"
)

// approvalSweepInterval is how often expired approval requests are reaped.
const approvalSweepInterval = 30 * time.Second

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the Moonbot gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	closeLogs, err := logging.Setup(cfg.LogsPath(), level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLogs()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceShutdown, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("tracing setup failed, continuing without export", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		traceShutdown(shutdownCtx)
	}()

	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		slog.Error("failed to create workspace", "path", workspace, "error", err)
		os.Exit(1)
	}
	dataDir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		slog.Error("failed to create data dir", "path", dataDir, "error", err)
		os.Exit(1)
	}

	events := bus.New()
	defer events.Close()

	store, err := approvals.NewStore(filepath.Join(dataDir, approvals.PendingFile))
	if err != nil {
		slog.Error("failed to open approval store", "error", err)
		os.Exit(1)
	}
	_, _, approvalTimeoutSec := cfg.Snapshot()
	mgr := approvals.NewManager(store, events, time.Duration(approvalTimeoutSec)*time.Second)
	mgr.StartSweep(ctx, approvalSweepInterval)

	ledger, err := approvals.NewExecLedger(filepath.Join(dataDir, approvals.ExecLedgerFile))
	if err != nil {
		slog.Error("failed to open exec ledger", "error", err)
		os.Exit(1)
	}

	bundle := policy.Bundle{
		WorkspaceRoot: workspace,
		Allowlist:     cfg.Tools.Allowlist,
		Denylist:      cfg.Tools.Denylist,
		MaxBytes:      cfg.Tools.MaxBytes,
		Timeout:       time.Duration(cfg.Tools.TimeoutMs) * time.Millisecond,
	}.Normalize()

	registry := tools.NewRegistry()
	builtins := []tools.Tool{
		tools.NewReadFileTool(bundle),
		tools.NewWriteFileTool(bundle),
		tools.NewListDirTool(bundle),
		tools.NewHTTPRequestTool(bundle),
		tools.NewWebSearchTool(),
		tools.NewExecTool(bundle, ledger),
	}
	for _, t := range builtins {
		if err := registry.Register(t); err != nil {
			slog.Error("failed to register tool", "tool", t.Name(), "error", err)
			os.Exit(1)
		}
	}
	slog.Info("tools registered", "count", len(builtins))

	runtime := tools.NewRuntime(registry, mgr, tools.RuntimeConfig{
		MaxConcurrent:     int64(cfg.Tools.MaxConcurrent),
		Timeout:           bundle.Timeout,
		MaxBytes:          int(bundle.MaxBytes),
		ProcessPerUserCap: cfg.Tools.MaxProcessPerUser,
	})

	sessMgr := sessions.NewManager(cfg.SessionsPath(), cfg.Sessions.CompactKeepLast)
	go runCompactionSchedule(ctx, cfg.Sessions.CompactSchedule, sessMgr)

	orch := orchestrator.New(runtime, mgr, sessMgr, events, nil, orchestrator.Options{
		QueueDepth: cfg.Queue.MaxDepth,
		Workers:    cfg.Queue.MaxWorkers,
	})
	defer orch.Shutdown()

	server := gateway.NewServer(cfg, events, orch, runtime, mgr, sessMgr)
	server.SetConfigPath(cfgPath)

	if err := config.Watch(ctx, cfgPath, cfg); err != nil {
		slog.Warn("config watch unavailable", "error", err)
	}

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway stopped")
}

// runCompactionSchedule compacts session histories on the configured cron
// expression. Without one, compaction only happens inline on append.
func runCompactionSchedule(ctx context.Context, schedule string, mgr *sessions.Manager) {
	if schedule == "" {
		return
	}
	gron := gronx.New()
	if !gron.IsValid(schedule) {
		slog.Warn("invalid compaction schedule, skipping", "schedule", schedule)
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := gron.IsDue(schedule)
			if err != nil || !due {
				continue
			}
			mgr.CompactAll()
			slog.Debug("session compaction pass complete")
		}
	}
}
