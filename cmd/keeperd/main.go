// Command keeperd runs the Keeper event pipeline: the HTTP command API, the
// permission governor, execution workers, the projection materializer and
// the real-time notification hub, all against a single SQLite event log.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keeperhq/keeper/internal/api"
	"github.com/keeperhq/keeper/internal/blobstore"
	"github.com/keeperhq/keeper/internal/config"
	"github.com/keeperhq/keeper/internal/dispatch"
	"github.com/keeperhq/keeper/internal/event"
	"github.com/keeperhq/keeper/internal/eventstore"
	"github.com/keeperhq/keeper/internal/governor"
	"github.com/keeperhq/keeper/internal/health"
	"github.com/keeperhq/keeper/internal/metrics"
	"github.com/keeperhq/keeper/internal/notify"
	"github.com/keeperhq/keeper/internal/pipeline"
	"github.com/keeperhq/keeper/internal/projection"
	"github.com/keeperhq/keeper/internal/retry"
	"github.com/keeperhq/keeper/internal/store"
	"github.com/keeperhq/keeper/internal/thread"
	"github.com/keeperhq/keeper/internal/token"
	"github.com/keeperhq/keeper/internal/worker"
	"github.com/keeperhq/keeper/pkg/tokenstore"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("listen_addr", cfg.ListenAddr).
		Str("db_path", cfg.DBPath).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Bool("webhooks_enabled", cfg.WebhooksEnabled()).
		Bool("insights_enabled", cfg.InsightsEnabled()).
		Msg("starting keeper")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Storage
	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	blobs, err := blobstore.NewFileStore(cfg.BlobDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open blob store")
	}

	// Metrics and health
	m := metrics.New()
	checker := health.NewChecker(logger)
	checker.Register("database", func(ctx context.Context) health.Status {
		if err := st.Ping(ctx); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	// Pipeline core
	registry := event.NewRegistry(logger)
	event.RegisterDefaults(registry)

	eventLog := eventstore.New(st, registry, logger)
	dispatcher := dispatch.New(logger, m)
	pipe := pipeline.New(registry, eventLog, dispatcher, m, logger)

	// Governor
	dir := governor.NewDirectory(st)
	gov := governor.New(dir, pipe, m, logger)
	gov.AIAutoApproveDefault = cfg.AIAutoApproveDefault
	dispatcher.Subscribe("*.*.requested", gov)

	// Seed workspaces and memberships (optional fixture file)
	seeds, err := config.LoadSeeds(cfg.SeedFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load seed file")
	}
	for _, ws := range seeds.Workspaces {
		err := dir.SaveWorkspace(ctx, governor.Workspace{
			ID: ws.ID, OwnerID: ws.OwnerID, AIAutoApprove: ws.AIAutoApprove,
		})
		if err != nil {
			logger.Fatal().Err(err).Str("workspace", ws.ID).Msg("failed to seed workspace")
		}
	}
	for _, mb := range seeds.Memberships {
		err := dir.SaveMembership(ctx, governor.Membership{
			ContextType: mb.ContextType,
			ContextID:   mb.ContextID,
			UserID:      mb.UserID,
			Role:        governor.Role(mb.Role),
		})
		if err != nil {
			logger.Fatal().Err(err).Str("user", mb.UserID).Msg("failed to seed membership")
		}
	}
	if len(seeds.Workspaces)+len(seeds.Memberships) > 0 {
		logger.Info().
			Int("workspaces", len(seeds.Workspaces)).
			Int("memberships", len(seeds.Memberships)).
			Msg("seed fixtures applied")
	}

	// Notification hub and operator alerting
	hub := notify.NewHub(m, logger)

	var alerter worker.Alerter = notify.LogAlerter{Logger: logger}
	if cfg.SlackEnabled() {
		alerter = notify.NewSlackAlerter(cfg.SlackToken, cfg.SlackAlertChannel, logger)
		logger.Info().Str("channel", cfg.SlackAlertChannel).Msg("Slack alerting enabled")
	} else {
		logger.Info().Msg("Slack not configured — alerts land in the log only")
	}

	// Execution workers
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.WorkerMaxAttempts
	retryCfg.BaseDelay = cfg.WorkerBaseDelay

	for _, subject := range []string{"entities", "documents"} {
		w := worker.NewEntityWorker(subject, st.DB(), blobs, pipe, hub, alerter, retryCfg, m, logger)
		dispatcher.Subscribe(w.Pattern(), w)
	}

	// Projection materializer sees every event; it ignores what it cannot use.
	proj := projection.New(st, eventLog, logger)
	dispatcher.Subscribe("*.*.*", proj)

	// Threads
	threads := thread.NewService(st, logger)

	// Insight tokens (optional)
	var issuer *token.Issuer
	if cfg.InsightsEnabled() {
		tokens := tokenstore.NewMemoryStore()
		issuer = token.NewIssuer(cfg.InsightSigningKey, cfg.InsightTokenTTL, tokens)

		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n, err := tokens.Cleanup(ctx); err == nil && n > 0 {
						logger.Debug().Int("expired", n).Msg("token cleanup")
					}
				}
			}
		}()
	} else {
		logger.Info().Msg("insight tokens not configured — insight endpoints disabled")
	}

	// HTTP surfaces
	dlq := worker.NewDeadLetterStore(st.DB())
	srv := api.NewServer(cfg, pipe, gov, threads, proj, dlq, issuer, checker, m, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Listen(cfg.ListenAddr); err != nil {
			logger.Error().Err(err).Msg("api server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hub.Serve(ctx, cfg.NotifyListenAddr); err != nil {
			logger.Error().Err(err).Msg("notify server error")
		}
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()
	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("api shutdown error")
	}
	wg.Wait()
	logger.Info().Msg("keeper stopped")
}
