package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rfontaine/carewire/pkg/carewire/assist"
	"github.com/rfontaine/carewire/pkg/carewire/audit"
	"github.com/rfontaine/carewire/pkg/carewire/config"
	"github.com/rfontaine/carewire/pkg/carewire/conversation"
	"github.com/rfontaine/carewire/pkg/carewire/crm"
	"github.com/rfontaine/carewire/pkg/carewire/gateway"
	"github.com/rfontaine/carewire/pkg/carewire/generation"
	"github.com/rfontaine/carewire/pkg/carewire/nlu"
	"github.com/rfontaine/carewire/pkg/carewire/redact"
	"github.com/rfontaine/carewire/pkg/carewire/scheduler"
	"github.com/rfontaine/carewire/pkg/carewire/secrets"
	"github.com/rfontaine/carewire/pkg/carewire/storage"
	"github.com/rfontaine/carewire/pkg/carewire/telephony"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration gateway",
		Long: `Start CareWire as a long-running service: the HTTP gateway, the
telephony webhook intake, the virtual-agent fulfillment endpoints, and
the maintenance scheduler.

Examples:
  carewire serve
  carewire serve --config ./config.yaml
  carewire serve -v`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// Secrets first: values injected from the vault must be in the
	// environment before config expansion runs.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if _, err := secrets.Bootstrap(bootLogger); err != nil {
		return fmt.Errorf("unlocking vault: %w", err)
	}

	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := buildLogger(cfg.Logging, verbose)
	slog.SetDefault(logger)

	if configPath != "" {
		config.AuditSecrets(configPath, logger)
	}

	logger.Info("starting carewire",
		"environment", cfg.App.Environment,
		"config", configPath,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Core components ──

	store := conversation.NewStore()

	redactor, err := redact.New(cfg.Redaction.Extra...)
	if err != nil {
		return fmt.Errorf("building redactor: %w", err)
	}
	auditLog := audit.New(logger, redactor)

	engine, err := nlu.New(cfg.NLU, logger)
	if err != nil {
		return fmt.Errorf("building intent engine: %w", err)
	}

	generator, err := generation.New(ctx, cfg.Generation, logger)
	if err != nil {
		return fmt.Errorf("building generation backend: %w", err)
	}

	// Storage is optional: without it the service still takes calls, it
	// just cannot archive closed conversations.
	var archiver *storage.Archiver
	db, err := storage.Open(cfg.Storage, logger)
	if err != nil {
		logger.Error("storage unavailable, archiving disabled", "error", err)
		db = nil
	} else {
		defer db.Close()
		archiver = storage.NewArchiver(db, redactor, logger)
	}

	crmProvider, err := crm.NewProvider(cfg.CRM, db, logger)
	if err != nil {
		return fmt.Errorf("building crm provider: %w", err)
	}

	var tel *telephony.Client
	if cfg.Telephony.ClientID != "" {
		tel, err = telephony.NewClient(cfg.Telephony, logger)
		if err != nil {
			return fmt.Errorf("building telephony client: %w", err)
		}
	} else {
		logger.Info("telephony client not configured, running webhook-only")
	}

	// ── Action rules ──

	rules := cfg.Rules.Actions
	if cfg.Rules.File != "" {
		rules, err = assist.LoadRules(cfg.Rules.File)
		if err != nil {
			return fmt.Errorf("loading action rules: %w", err)
		}
	}
	selector := assist.NewSelector(rules)

	var rulesWatcher *assist.Watcher
	if cfg.Rules.File != "" {
		rulesWatcher, err = assist.NewWatcher(selector, cfg.Rules.File, logger)
		if err != nil {
			logger.Warn("rules watcher unavailable, rule edits need a restart", "error", err)
		}
	}

	orchestrator := assist.New(store, redactor, generator, selector, cfg.AssistSettings(), logger)

	// ── Scheduler ──

	sched := scheduler.New(logger)
	if cfg.Scheduler.Enabled {
		if err := registerJobs(sched, cfg, store, archiver, tel, orchestrator, logger); err != nil {
			return fmt.Errorf("registering scheduled jobs: %w", err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
	}

	// ── Gateway ──

	gw, err := gateway.New(gateway.Deps{
		Config:    cfg,
		Store:     store,
		NLU:       engine,
		CRM:       crmProvider,
		Assist:    orchestrator,
		Generator: generator,
		Telephony: tel,
		Storage:   db,
		Archiver:  archiver,
		Audit:     auditLog,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	logger.Info("carewire running, press Ctrl+C to stop",
		"address", cfg.Gateway.Address,
		"nlu", engine.Provider(),
		"crm", crmProvider.Name(),
		"generation", generator.Provider(),
	)

	// ── Wait for shutdown signal ──

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		if err := gw.Stop(shutdownCtx); err != nil {
			logger.Error("gateway shutdown error", "error", err)
		}
		cancelShutdown()

		sched.Stop()

		if rulesWatcher != nil {
			rulesWatcher.Close()
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// resolveConfig loads configuration from the --config flag or from the
// standard locations. The path is returned so the hardcoded-secret audit
// can re-read the raw file.
func resolveConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config: %w", err)
		}
		return cfg, configPath, nil
	}

	if found := config.FindConfigFile(); found != "" {
		cfg, err := config.Load(found)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", found, err)
		}
		return cfg, found, nil
	}

	return nil, "", fmt.Errorf("no configuration file found, run 'carewire config init' to create one")
}

// buildLogger constructs the service logger from the logging section. The
// --verbose flag forces debug level regardless of configuration.
func buildLogger(cfg config.LoggingConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// registerJobs wires the maintenance jobs. An empty cron spec disables the
// job inside Register, so token refresh is dropped cleanly when telephony
// is not configured.
func registerJobs(sched *scheduler.Scheduler, cfg *config.Config, store *conversation.Store, archiver *storage.Archiver, tel *telephony.Client, orchestrator *assist.Orchestrator, logger *slog.Logger) error {
	maxIdle := time.Duration(cfg.Conversation.MaxIdleMinutes) * time.Minute

	err := sched.Register("conversation-sweep", cfg.Scheduler.SweepSpec, func(ctx context.Context) error {
		stale := store.Prune(maxIdle)
		if len(stale) == 0 {
			return nil
		}
		archived := 0
		for _, rec := range stale {
			if archiver == nil {
				continue
			}
			if _, err := archiver.ArchiveConversation(ctx, rec); err != nil {
				logger.Error("archiving swept conversation failed",
					"conversation_id", rec.ID, "error", err)
				continue
			}
			archived++
		}
		logger.Info("stale conversations swept", "closed", len(stale), "archived", archived)
		return nil
	})
	if err != nil {
		return err
	}

	tokenSpec := cfg.Scheduler.TokenRefreshSpec
	if tel == nil {
		tokenSpec = ""
	}
	err = sched.Register("token-refresh", tokenSpec, func(ctx context.Context) error {
		return tel.RefreshToken(ctx)
	})
	if err != nil {
		return err
	}

	return sched.Register("metrics-snapshot", cfg.Scheduler.SnapshotSpec, func(ctx context.Context) error {
		m := store.Metrics()
		c := orchestrator.Counters()
		logger.Info("metrics snapshot",
			"active_conversations", m.ActiveConversations,
			"total_messages", m.TotalMessages,
			"avg_messages_per_conversation", m.AvgMessagesPerConversation,
			"assist_requests", c.Requests,
			"assist_op_failures", c.OpFailures,
		)
		return nil
	})
}
