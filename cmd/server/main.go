package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cardiotriage/backend/internal/ai"
	"github.com/cardiotriage/backend/internal/alerting"
	"github.com/cardiotriage/backend/internal/config"
	"github.com/cardiotriage/backend/internal/db"
	httpapi "github.com/cardiotriage/backend/internal/http"
	"github.com/cardiotriage/backend/internal/http/handlers"
	"github.com/cardiotriage/backend/internal/knowledge"
	"github.com/cardiotriage/backend/internal/metrics"
	"github.com/cardiotriage/backend/internal/patients"
	"github.com/cardiotriage/backend/internal/scheduling"
	"github.com/cardiotriage/backend/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := log.Level(level).With().Str("service", "cardiology-triage").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(cfg.MetricsNamespace)

	records, err := patients.LoadYAML(cfg.PatientsFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load patient records")
	}

	kb, err := knowledge.Load(cfg.KnowledgeFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load knowledge base")
	}

	var (
		store     *db.Store
		audit     service.AuditSink
		pinger    handlers.Pinger
		lister    handlers.AppointmentLister
		directory patients.Directory = records
	)
	if cfg.DatabaseURL != "" {
		store, err = db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect db")
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to migrate db")
		}
		if err := store.UpsertPatients(ctx, records.All()); err != nil {
			logger.Fatal().Err(err).Msg("failed to seed patients")
		}
		audit, pinger, lister = store, store, store
		directory = patients.Chain{store, records}
		logger.Info().Msg("postgres audit store enabled")
	} else {
		logger.Info().Msg("no DATABASE_URL, running without audit store")
	}

	gateway := newGateway(cfg, logger)
	guarded := ai.Guarded{
		Next:     gateway,
		Timeout:  cfg.UpstreamTimeout,
		Retries:  cfg.InferenceRetries,
		Logger:   logger,
		Observer: m,
	}

	hub := alerting.NewHub(logger, cfg.AllowedOrigins()...)
	defer hub.Close()
	notifiers := alerting.Multi{hub}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, alerting.Webhook{URL: cfg.AlertWebhookURL})
	}
	if cfg.AlertPGChannel != "" && cfg.DatabaseURL != "" {
		pg, err := alerting.OpenPGNotifier(ctx, cfg.DatabaseURL, cfg.AlertPGChannel)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open pg_notify channel")
		}
		defer pg.Close()
		notifiers = append(notifiers, pg)
	}

	core := service.New(service.Options{
		AI:                  guarded,
		Notifier:            notifiers,
		Patients:            directory,
		Knowledge:           kb,
		Scheduler:           scheduling.NewCalendar(cfg.ScheduleHorizonDays, cfg.Location()),
		Audit:               audit,
		Metrics:             m,
		Logger:              logger,
		Location:            cfg.Location(),
		TailTurns:           cfg.ContextTailTurns,
		ConfidenceThreshold: cfg.IntentConfidenceThreshold,
		SeverityThreshold:   cfg.EscalationThreshold,
		UpstreamTimeout:     cfg.UpstreamTimeout,
		AlertAttempts:       cfg.AlertMaxAttempts,
		AlertBackoff:        cfg.AlertBackoff,
	})
	if lister == nil {
		lister = core.Book
	}

	if cfg.SessionIdleTTL > 0 {
		interval := cfg.SessionIdleTTL / 4
		if interval < time.Minute {
			interval = time.Minute
		}
		go core.Sessions.RunJanitor(ctx, cfg.SessionIdleTTL, interval, func(n int) {
			m.SetActiveSessions(core.Sessions.Len())
			logger.Info().Int("expired", n).Msg("idle sessions expired")
		})
	}

	h := &handlers.Handler{
		Supervisor:   core.Supervisor,
		Escalations:  core.Escalations,
		Sessions:     core.Sessions,
		Patients:     directory,
		Appointments: lister,
		DB:           pinger,
		Validator:    validator.New(),
		Logger:       logger,
	}
	router := httpapi.Router(cfg, h, httpapi.Streams{Escalations: hub, Metrics: m.Handler()}, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Str("ai_provider", cfg.Provider()).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)
	logger.Info().Msg("server stopped")
}

func newGateway(cfg config.Config, logger zerolog.Logger) ai.Gateway {
	switch cfg.Provider() {
	case "openai":
		logger.Info().Str("model", cfg.OpenAIModel).Msg("using OpenAI inference gateway")
		return ai.NewOpenAIGateway(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
	case "http":
		logger.Info().Str("url", cfg.AIURL).Msg("using HTTP inference gateway")
		return ai.HTTPGateway{BaseURL: cfg.AIURL}
	default:
		logger.Info().Msg("using mock inference gateway")
		return ai.MockGateway{ModelVersion: "mock-v1"}
	}
}
