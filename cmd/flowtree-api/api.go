// Package main provides the flowtree API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/flowtree/pkg/eventbus"
	"github.com/dukex/flowtree/pkg/lock"
	"github.com/dukex/flowtree/pkg/metrics"
	"github.com/dukex/flowtree/pkg/persistence"
	"github.com/dukex/flowtree/pkg/services"
	"github.com/dukex/flowtree/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	locker      lock.Locker
	tracer      trace.Tracer
	metrics     *metrics.Metrics
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	eventBus eventbus.EventBus,
	locker lock.Locker,
	tracer trace.Tracer,
) *API {
	return &API{
		persistence: persistence,
		logger:      logger,
		eventBus:    eventBus,
		locker:      locker,
		tracer:      tracer,
		metrics:     metrics.New(),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	opts := []services.Option{
		services.WithLogger(a.logger),
		services.WithMetrics(a.metrics),
	}

	if a.eventBus != nil {
		opts = append(opts, services.WithPublisher(a.eventBus))
	}

	if a.locker != nil {
		opts = append(opts, services.WithLocker(a.locker))
	}

	if a.tracer != nil {
		opts = append(opts, services.WithTracer(a.tracer))
	}

	flowService := services.NewFlows(a.persistence, opts...)

	handlers := web.NewAPIHandlers(
		flowService,
		services.NewTemplates(flowService),
		services.NewTransfer(flowService),
		a.validate,
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Flowtree API")
	})

	app.Get("/health", handlers.HealthCheck)
	app.Get("/metrics", adaptor.HTTPHandler(a.metrics.Handler()))

	handlers.Routes(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
