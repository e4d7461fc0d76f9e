package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"enlist/internal/agent"
	"enlist/internal/api"
	"enlist/internal/config"
	"enlist/internal/database"
	"enlist/internal/domain"
	"enlist/internal/events"
	"enlist/internal/export"
	"enlist/internal/inspector"
	"enlist/internal/ledger"
	"enlist/internal/logging"
	"enlist/internal/metrics"
	"enlist/internal/models"
	"enlist/internal/notify"
	"enlist/internal/orchestrator"
	"enlist/internal/repository"
	"enlist/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	metrics.Register()

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledgerClient, err := initLedger(ctx, cfg, &logger)
	if err != nil {
		return err
	}

	redisClient, snapshots := initSnapshotStore(ctx, cfg, db, &logger)

	var appends *worker.AppendWorker
	if cfg.Ledger.Backend != "disabled" {
		appends = worker.NewAppendWorker(db, ledgerClient, redisClient,
			worker.PolicyFromConfig(cfg.Ledger.Retry), &logger)
		go appends.Start(ctx)
	}

	eventBus := events.NewEventBus()

	if cfg.Notifier.TelegramToken != "" && cfg.Notifier.ChatID != 0 {
		bot, err := tgbotapi.NewBotAPI(cfg.Notifier.TelegramToken)
		if err != nil {
			logger.Warn().Err(err).Msg("telegram notifier disabled")
		} else {
			notify.NewTelegramNotifier(bot, cfg.Notifier.ChatID, logger).Attach(eventBus)
		}
	}

	factory := agent.NewFactory(inspector.NewHeuristicInspector(), agent.Options{
		RequestTimeout: time.Duration(cfg.Agent.RequestTimeoutMS) * time.Millisecond,
		PerHostRPS:     cfg.Agent.PerHostRPS,
		PerHostBurst:   cfg.Agent.PerHostBurst,
		UserAgent:      cfg.Agent.UserAgent,
	}, &logger)

	skipTeam := true
	if cfg.Run.SkipTeamRegistered != nil {
		skipTeam = *cfg.Run.SkipTeamRegistered
	}
	orch := orchestrator.New(orchestrator.Options{
		Identity: models.Identity{Email: cfg.Identity.Email, Name: cfg.Identity.Name},
		Defaults: models.RunSettings{
			ConcurrencyLimit:   cfg.Run.ConcurrencyLimit,
			InterTaskDelay:     time.Duration(cfg.Run.InterTaskDelayMS) * time.Millisecond,
			Jitter:             cfg.Run.Jitter,
			Calendar:           cfg.Run.Calendar,
			SkipTeamRegistered: skipTeam,
		},
		Agents:    factory,
		Ledger:    ledgerClient,
		Snapshots: snapshots,
		Bus:       eventBus,
		Appends:   appendQueue(appends),
		Logger:    &logger,
	})

	if cfg.API.Enabled {
		exporter := export.NewExporter(cfg.Exports.Path, logger)
		apiServer := api.NewServer(cfg.API, orch, ledgerClient, exporter, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("API server error")
			}
		}()
		defer func() {
			_ = apiServer.Shutdown(context.Background())
		}()
	}

	if cfg.Backup.Enabled {
		backupService := database.NewBackupService(cfg.Database.Path, cfg.Backup, &logger)
		// A finished run is the moment the history is worth snapshotting.
		eventBus.Subscribe(events.EventRunComplete, func(*events.Event) error {
			backupService.TriggerNow()
			return nil
		})
		go backupService.Start(ctx)
	}

	logger.Info().
		Str("identity", cfg.Identity.Email).
		Str("ledger_backend", cfg.Ledger.Backend).
		Msg("orchestrator starting")
	return orch.Run(ctx)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	logger := baseLogger.With().Str("component", "main").Logger()
	return cfg, logger, closer, nil
}

func initLedger(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (domain.LedgerClient, error) {
	switch cfg.Ledger.Backend {
	case "http":
		timeout := time.Duration(cfg.Ledger.TimeoutMS) * time.Millisecond
		return ledger.NewHTTPClient(cfg.Ledger.HTTP.Endpoint, cfg.Ledger.HTTP.Token, timeout, logger), nil
	case "sheets":
		client, err := ledger.NewSheetsClient(ctx, cfg.Ledger.Sheets.CredentialsFile, cfg.Ledger.Sheets.SpreadsheetID)
		if err != nil {
			return nil, err
		}
		if err := client.TestConnection(ctx); err != nil {
			logger.Warn().Err(err).Msg("ledger connection check failed; continuing degraded")
		}
		return client, nil
	default:
		logger.Info().Msg("ledger disabled; duplicate detection off")
		return ledger.Disabled{}, nil
	}
}

// initSnapshotStore builds the snapshot pipeline: redis with in-memory
// failover when redis is configured, plus the sqlite store for run history.
func initSnapshotStore(ctx context.Context, cfg *config.Config, db *database.DB, logger *zerolog.Logger) (*redis.Client, domain.SnapshotStore) {
	if cfg.Redis.Address == "" {
		logger.Info().Msg("redis not configured; snapshots go to memory and sqlite")
		return nil, repository.NewTeeSnapshotStore(repository.NewMemorySnapshotStore(), db)
	}

	client := repository.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := repository.Ping(pingCtx, client); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable at startup; failover store will recover")
	}

	redisStore := repository.NewRedisSnapshotStore(client, models.DefaultSnapshotTTL*time.Second)
	failover := repository.NewFailoverSnapshotStore(redisStore, repository.NewMemorySnapshotStore(), logger)
	return client, repository.NewTeeSnapshotStore(failover, db)
}

// appendQueue keeps the orchestrator's optional dependency nil-safe: a
// typed-nil *AppendWorker must not masquerade as a non-nil interface.
func appendQueue(w *worker.AppendWorker) domain.AppendQueue {
	if w == nil {
		return nil
	}
	return w
}
