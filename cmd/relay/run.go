package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rogersf/relay/internal/action"
	"github.com/rogersf/relay/internal/clock"
	"github.com/rogersf/relay/internal/config"
	"github.com/rogersf/relay/internal/content"
	"github.com/rogersf/relay/internal/driver"
	"github.com/rogersf/relay/internal/ipc"
	"github.com/rogersf/relay/internal/observability"
	"github.com/rogersf/relay/internal/orchestrator"
	"github.com/rogersf/relay/internal/platform"
	"github.com/rogersf/relay/internal/policy"
	"github.com/rogersf/relay/internal/queue"
	"github.com/rogersf/relay/internal/session"
	"github.com/rogersf/relay/internal/store"
	"github.com/rogersf/relay/internal/verify"
)

// runFlags override config settings. Only flags the user changed are applied.
var runFlags struct {
	listen      string
	noStart     bool
	reportEvery time.Duration
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator and the HTTP control API",
	RunE:  runRelay,
}

func init() {
	runCmd.Flags().StringVar(&runFlags.listen, "listen", "", "override listen_addr from the config")
	runCmd.Flags().BoolVar(&runFlags.noStart, "no-start", false, "serve the API without starting the orchestrator")
	runCmd.Flags().DurationVar(&runFlags.reportEvery, "report-every", time.Hour, "write a 24h report at this interval (0 disables)")
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr = runFlags.listen
	}

	logger := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.Options{
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	c := clock.New()

	artifacts, err := verify.NewArtifactStore(ctx, cfg.Artifacts, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	audit, err := verify.NewAuditLog(verify.AuditConfig{
		DataDir:   cfg.DataDir,
		DB:        db,
		Artifacts: artifacts,
		Clock:     c,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	browser := driver.NewRodDriver(driver.RodOptions{
		DebuggerURL:       cfg.Browser.DebuggerURL,
		Bin:               cfg.Browser.Bin,
		Flags:             cfg.Browser.Flags,
		Headless:          cfg.Browser.Headless,
		NavigationTimeout: cfg.Browser.NavigationTimeout(),
		SettleDelay:       cfg.Browser.SettleDelay(),
		Logger:            logger,
	})
	if err := browser.Connect(ctx); err != nil {
		return fmt.Errorf("connect browser: %w", err)
	}
	defer browser.Close()
	logger.Info("browser connected", "control_url", browser.ControlURL())

	registry, err := platform.FromConfig(cfg)
	if err != nil {
		return err
	}

	sessions := session.NewManager(session.ManagerConfig{
		Platforms: registry.List(),
		Store:     store.NewSessionRepo(db),
		Clock:     c,
		Logger:    logger,
	})
	if err := sessions.Load(ctx); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	taskLog := store.NewTaskRepo(db)
	tasks := queue.New(queue.Config{
		MaxConcurrent:  cfg.Queue.MaxConcurrent,
		MaxCompleted:   cfg.Queue.MaxCompleted,
		DefaultTimeout: cfg.Queue.TaskTimeout(),
		Clock:          c,
		Logger:         logger,
		Recorder:       taskLog,
	})
	tasks.Start(ctx)
	defer tasks.Stop()

	verifier := verify.NewVerifier(browser, audit, logger)
	exec := action.NewExecutor(browser, verifier, registry, c, cfg.Browser.SettleDelay(), logger)
	gateway := &action.Gateway{Exec: exec, Queue: tasks, Timeout: cfg.Queue.TaskTimeout()}

	commentPolicy, err := newPolicy(ctx, policy.KindComment, cfg.Policies.Comment, db, c, logger)
	if err != nil {
		return err
	}
	dmPolicy, err := newPolicy(ctx, policy.KindDM, cfg.Policies.DM, db, c, logger)
	if err != nil {
		return err
	}

	generator, err := content.NewTemplateGenerator(cfg.Templates)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	orch := orchestrator.New(orchestrator.Config{
		Settings:      cfg.Orchestrator,
		Queue:         cfg.Queue,
		Platforms:     registry,
		Sessions:      sessions,
		Checker:       gateway,
		Tasks:         tasks,
		Actions:       exec,
		Content:       generator,
		CommentPolicy: commentPolicy,
		DMPolicy:      dmPolicy,
		Clock:         c,
		Logger:        logger,
	})

	keeper := session.NewKeeper(sessions, gateway, c, session.KeeperConfig{
		RefreshInterval: time.Duration(cfg.Sessions.RefreshIntervalMinutes) * time.Minute,
		PollInterval:    time.Duration(cfg.Sessions.PollIntervalMinutes) * time.Minute,
		OnExpired: func(platform string, err error) {
			logger.Warn("session expired, log in again in the browser", "platform", platform, "error", err)
		},
	}, logger)
	keeper.StartMonitoring(ctx)
	defer keeper.StopMonitoring()

	if runFlags.reportEvery > 0 {
		go writeReports(ctx, audit, c, runFlags.reportEvery, logger)
	}

	if !runFlags.noStart {
		if err := orch.Start(ctx); err != nil {
			logger.Warn("orchestrator not started, use POST /api/v1/orchestrator/start", "error", err)
		}
	}
	defer orch.Stop()

	srv := ipc.NewServer(&ipc.Handler{
		Orchestrator:   orch,
		Queue:          tasks,
		Sessions:       sessions,
		Audit:          audit,
		TaskLog:        taskLog,
		Clock:          c,
		Version:        version,
		AllowedOrigins: cfg.AllowedOrigins,
	}, cfg.ListenAddr)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		orch.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", "error", err)
		}
	}()

	logger.Info("relay listening", "addr", cfg.ListenAddr, "platforms", registry.Enabled())
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func newPolicy(ctx context.Context, kind string, pc config.PolicyConfig, db *sql.DB, c clock.Clock, logger *slog.Logger) (*policy.Policy, error) {
	p, err := policy.New(policy.Config{
		Kind:   kind,
		Limits: policy.LimitsFromConfig(pc),
		Clock:  c,
		Store:  store.NewHistoryRepo(db),
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s policy: %w", kind, err)
	}
	if err := p.Load(ctx); err != nil {
		return nil, fmt.Errorf("load %s history: %w", kind, err)
	}
	return p, nil
}

// writeReports stores a report of the trailing 24 hours on every tick.
func writeReports(ctx context.Context, audit *verify.AuditLog, c clock.Clock, every time.Duration, logger *slog.Logger) {
	ticker := c.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			path, err := audit.WriteReport(ctx, c.Now().Add(-24*time.Hour))
			if err != nil {
				logger.Warn("write report", "error", err)
				continue
			}
			logger.Info("report written", "path", path)
		}
	}
}
