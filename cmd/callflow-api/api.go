// Package main provides the callflow API server.
package main

import (
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukex/callflow/pkg/persistence"
	"github.com/dukex/callflow/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	calls       web.CallManager
	remote      web.RemoteState
	breakers    web.BreakerStats
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	calls web.CallManager,
	remote web.RemoteState,
	breakers web.BreakerStats,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		calls:       calls,
		remote:      remote,
		breakers:    breakers,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.calls, a.persistence, a.remote, a.breakers, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool {
			return handlers.HealthCheck(c.Context())
		},
	}))

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("callflow API")
	})

	handlers.Register(app)

	return app
}
