package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/appforge/internal/agent"
	"github.com/user/appforge/internal/artifact"
	"github.com/user/appforge/internal/events"
	"github.com/user/appforge/internal/harness"
	"github.com/user/appforge/internal/notify"
	"github.com/user/appforge/internal/orchestrator"
	"github.com/user/appforge/internal/sandbox"
	"github.com/user/appforge/internal/sandbox/local"
	"github.com/user/appforge/internal/scheduler"
	"github.com/user/appforge/internal/server"
	"github.com/user/appforge/internal/store/memory"
	"github.com/user/appforge/internal/store/postgres"
	"github.com/user/appforge/internal/types"
	"github.com/user/appforge/pkg/llm"
	"github.com/user/appforge/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("dev", false, "run with the in-memory store and filesystem artifacts")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the appforge daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "appforge.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	dev, _ := cmd.Flags().GetBool("dev")

	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Write PID file
	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store
	var st types.Store
	if dev {
		st = memory.New()
	} else {
		if cfg.Database.URL == "" {
			return fmt.Errorf("database.url is not configured (run appforge setup, or pass --dev)")
		}
		pool, err := postgres.NewPool(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		st = postgres.New(pool)
	}

	// Artifact storage
	var artifacts artifact.Storage
	if dev {
		artifacts = artifact.NewFS(filepath.Join(cfg.DataDir, "artifacts"))
	} else {
		if cfg.Storage.URL == "" {
			return fmt.Errorf("storage.url is not configured (run appforge setup, or pass --dev)")
		}
		s3store, err := artifact.NewS3(cfg.Storage.URL, cfg.Storage.Bucket)
		if err != nil {
			return fmt.Errorf("connect artifact storage: %w", err)
		}
		artifacts = s3store
	}

	// Event pipeline: persist first, then fan out to SSE subscribers and AMQP
	bus := events.NewBus()
	var publisher *events.Publisher
	if cfg.AMQP.URL != "" {
		publisher = events.NewPublisher(cfg.AMQP.URL)
		defer publisher.Close()
	}
	recorder := events.NewRecorder(st, bus, publisher)

	// Sandbox manager
	templatesDir := filepath.Join(cfg.DataDir, "templates")
	if _, err := os.Stat(templatesDir); err != nil {
		templatesDir = ""
	}
	manager := sandbox.NewManager(st, artifacts, templatesDir)
	manager.RegisterProvider(local.New(filepath.Join(cfg.DataDir, "workspaces")))

	// Harness registry
	harnesses := harness.NewRegistry()
	harnesses.Register(&harness.Coding{})
	harnessDir := filepath.Join(cfg.DataDir, "harnesses")
	if _, err := os.Stat(harnessDir); err == nil {
		custom, err := harness.LoadDir(harnessDir)
		if err != nil {
			return fmt.Errorf("load custom harnesses: %w", err)
		}
		for _, h := range custom {
			harnesses.Register(h)
			slog.Info("custom harness loaded", "name", h.Name())
		}
	}

	// LLM provider and agent runner
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})
	history, err := agent.NewHistory(cfg.LLM.Model, cfg.LLM.ContextTokens)
	if err != nil {
		return fmt.Errorf("create history trimmer: %w", err)
	}
	runner := agent.NewLLMRunner(provider, history)

	// Notifications
	notifier := notify.NewRegistry()
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.Token)
		if err != nil {
			return fmt.Errorf("create telegram notifier: %w", err)
		}
		notifier.Register(notify.TelegramPrefix, tg.Send)
		slog.Info("telegram notifier registered")
	} else {
		slog.Warn("telegram notifier disabled (no token)")
	}
	for userID, targets := range cfg.Notifications {
		for _, target := range targets {
			notifier.Subscribe(types.UserID(userID), target)
		}
	}

	// Orchestrator
	orch := orchestrator.New(st, recorder, manager, harnesses, runner, notifier, orchestrator.Options{
		DefaultProvider:    cfg.Builds.Provider,
		MaxConcurrent:      cfg.Builds.MaxConcurrent,
		MaxIterations:      cfg.Builds.MaxIterations,
		MaxRounds:          cfg.Builds.MaxToolRounds,
		MaxSessionFailures: cfg.Builds.MaxSessionFailures,
		AutoContinueDelay:  time.Duration(cfg.Builds.AutoContinueSeconds) * time.Second,
		CreateLimit:        cfg.Builds.CreateLimit,
		SpecLimit:          cfg.Builds.SpecLimitBytes,
		CheckpointTokens:   cfg.LLM.ContextTokens,
		Model:              cfg.LLM.Model,
	})
	orch.Start(ctx)
	defer orch.Stop()

	// Relaunch loops for builds that were active when the last process died
	if err := orch.SweepOrphans(ctx); err != nil {
		slog.Error("orphan sweep failed", "error", err)
	}

	// Maintenance sweeps
	sched := scheduler.New()
	sched.Add(scheduler.Job{
		Name:     "preview-expiry",
		Schedule: "@every 1m",
		Run: func(ctx context.Context) {
			manager.SweepExpiredPreviews(ctx, cfg.Builds.Provider)
		},
	})
	sched.Add(scheduler.Job{
		Name:     "create-rate-window",
		Schedule: "@hourly",
		Run:      func(context.Context) { orch.ResetCreateWindow() },
	})
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// HTTP API
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.New(orch, bus),
	}
	go func() {
		slog.Info("http server started", "listen", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	slog.Info("appforge started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"dev", dev,
		"max_concurrent", cfg.Builds.MaxConcurrent,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Clean up PID file before re-exec
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				// Re-write PID file since we failed to re-exec
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
