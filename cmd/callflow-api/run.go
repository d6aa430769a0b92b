package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/callflow/pkg/callflow"
	"github.com/dukex/callflow/pkg/cmd"
	"github.com/dukex/callflow/pkg/config"
	"github.com/dukex/callflow/pkg/detection"
	"github.com/dukex/callflow/pkg/eventbus"
	"github.com/dukex/callflow/pkg/log"
	"github.com/dukex/callflow/pkg/metrics"
	"github.com/dukex/callflow/pkg/otelhelper"
	"github.com/dukex/callflow/pkg/persistence"
	"github.com/dukex/callflow/pkg/resilience"
	"github.com/dukex/callflow/pkg/routing"
	"github.com/dukex/callflow/pkg/voice"
	"github.com/dukex/callflow/pkg/workflow"
)

const shutdownTimeout = 10 * time.Second

// services holds everything run builds from the configuration.
type services struct {
	store    persistence.Persistence
	calls    persistence.CallLogRepository
	bus      eventbus.EventBus
	registry *resilience.Registry
	voice    *voice.Client
	manager  *callflow.Manager
}

func (s *services) close(ctx context.Context, logger *slog.Logger) {
	if s.manager != nil {
		s.manager.Close()
	}

	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}

	if s.calls != nil {
		if err := s.calls.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close call log", "error", err)
		}
	}

	if s.store != nil {
		if err := s.store.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}
}

func buildServices(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tracer trace.Tracer) (*services, error) {
	s := &services{}

	var err error

	s.store, err = cmd.NewPersistence(ctx, logger, cfg.DatabaseURL)
	if err != nil {
		return s, err
	}

	s.calls, err = cmd.NewCallLog(ctx, logger, cfg.CallLog(), cfg.CallLogTTL)
	if err != nil {
		return s, err
	}

	s.bus, err = cmd.NewEventBus(cfg.EventBus, cfg.KafkaBrokers, logger, m)
	if err != nil {
		return s, err
	}

	s.registry = resilience.NewRegistry(cfg.Breaker,
		resilience.WithRegistryLogger(logger),
		resilience.WithRegistryMetrics(m),
	)

	resilient := resilience.NewClient(s.registry,
		resilience.WithPolicy(cfg.Retry),
		resilience.WithLogger(logger),
		resilience.WithTracer(tracer),
		resilience.WithMetrics(m),
	)

	s.voice = voice.NewClient(cfg.VoiceURL, resilient, logger)

	var (
		emergency workflow.EmergencyDetector = detection.KeywordDetector{}
		intent    workflow.IntentDetector
	)

	if cfg.DetectionURL != "" {
		remote := detection.NewRemote(cfg.DetectionURL, resilient)
		emergency = &detection.FallbackEmergencyDetector{
			Primary:   remote,
			Secondary: detection.KeywordDetector{},
			Logger:    logger,
		}
		intent = remote
	} else {
		logger.WarnContext(ctx, "No detection service configured; intent-detect nodes use their fallback intent and emergencies use keywords only")
	}

	resolver := routing.NewResolver(nil, logger, m)

	engine := workflow.NewEngine(
		workflow.WithEngineLogger(logger),
		workflow.WithEngineTracer(tracer),
		workflow.WithEngineMetrics(m),
	)
	engine.RegisterDefaults(workflow.Collaborators{
		Emergency: emergency,
		Intent:    intent,
		Resolver:  resolver,
		Rules:     s.store,
		Agent:     s.voice,
		Webhooks:  resilient,
		Logger:    logger,
	})

	s.manager = callflow.NewManager(ctx, callflow.ManagerConfig{
		Engine:    engine,
		Voice:     s.voice,
		Delivery:  callflow.NewWebhookDelivery(resilient),
		Resolver:  resolver,
		Rules:     s.store,
		Emergency: emergency,
		Workflows: s.store,
		Calls:     s.calls,
		Publisher: s.bus,
		Logger:    logger,
		Tracer:    tracer,
		Metrics:   m,
		Options:   cfg.SessionOptions(),
	})

	err = s.manager.HandleEvents(s.bus)
	if err != nil {
		return s, fmt.Errorf("failed to register call event handler: %w", err)
	}

	return s, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	log.Setup(cfg.LogLevel, cfg.LogFormat)

	logger := log.WithModule("api")
	logger.InfoContext(ctx, "Initializing callflow API")

	tracer := otelhelper.DefaultTracer("callflow-api")

	if cfg.TracingEnabled {
		var (
			shutdown func(context.Context) error
			err      error
		)

		tracer, shutdown, err = otelhelper.NewTracer(ctx, "callflow-api", cfg.TracingSampleRatio)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()

			if err := shutdown(shutdownCtx); err != nil {
				logger.ErrorContext(shutdownCtx, "Failed to flush traces", "error", err)
			}
		}()
	}

	m := metrics.NewMetrics()

	svc, err := buildServices(ctx, cfg, logger, m, tracer)

	defer svc.close(context.WithoutCancel(ctx), logger)

	if err != nil {
		return err
	}

	err = svc.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	sweeper, err := callflow.NewSweeper(svc.manager, cfg.SweepSchedule, cfg.MaxIdle, logger)
	if err != nil {
		return err
	}

	err = sweeper.Start(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if err := sweeper.Stop(context.WithoutCancel(ctx)); err != nil {
			logger.ErrorContext(ctx, "Failed to stop sweeper", "error", err)
		}
	}()

	api := NewAPI(logger, svc.store, svc.manager, svc.voice, svc.registry)
	app := api.App()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.ErrorContext(shutdownCtx, "Failed to shut down HTTP server", "error", err)
		}
	}()

	logger.InfoContext(ctx, "Listening", "port", cfg.Port)

	err = app.Listen(":" + strconv.Itoa(cfg.Port))
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http server: %w", err)
	}

	return nil
}
