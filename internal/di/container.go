package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/retailcore/fulfillment/internal/handlers"
	"github.com/retailcore/fulfillment/internal/platform/config"
	pfirestore "github.com/retailcore/fulfillment/internal/platform/firestore"
	"github.com/retailcore/fulfillment/internal/platform/jobs"
	"github.com/retailcore/fulfillment/internal/platform/observability"
	"github.com/retailcore/fulfillment/internal/platform/requestctx"
	"github.com/retailcore/fulfillment/internal/repositories"
	firestorerepo "github.com/retailcore/fulfillment/internal/repositories/firestore"
	"github.com/retailcore/fulfillment/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders     services.OrderStatusService
	Stock      services.StockReservationService
	Reconciler services.ReconcilerService
}

// Container wires repositories, services, the HTTP router, and background
// infrastructure for runtime use.
type Container struct {
	Config     config.Config
	Logger     *zap.Logger
	Registry   repositories.Registry
	Services   Services
	Router     http.Handler
	Scheduler  *jobs.DailyScheduler
	pubsubConn *pubsub.Client
	orderTopic *pubsub.Topic
	stockTopic *pubsub.Topic
}

// NewContainer constructs the runtime dependencies from configuration.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	provider := pfirestore.NewProvider(cfg.Firestore)
	registry, err := firestorerepo.NewRegistry(provider)
	if err != nil {
		return nil, fmt.Errorf("build repository registry: %w", err)
	}

	c := &Container{
		Config:   cfg,
		Logger:   logger,
		Registry: registry,
	}

	var publisher *jobs.PubSubEventPublisher
	if cfg.PubSub.Enabled {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("connect pubsub: %w", err)
		}
		c.pubsubConn = client
		c.orderTopic = client.Topic(cfg.PubSub.OrderEventsTopic)
		c.stockTopic = client.Topic(cfg.PubSub.StockEventsTopic)

		publisher, err = jobs.NewPubSubEventPublisher(c.orderTopic, c.stockTopic)
		if err != nil {
			closeErr := c.Close(ctx)
			return nil, errors.Join(fmt.Errorf("build event publisher: %w", err), closeErr)
		}
	}

	svc, err := buildServices(registry, publisher, cfg, logger)
	if err != nil {
		closeErr := c.Close(ctx)
		return nil, errors.Join(err, closeErr)
	}
	c.Services = svc

	c.Router = buildRouter(svc, cfg, logger, provider)

	if cfg.Reconciler.Enabled {
		runAt, err := config.ParseRunAt(cfg.Reconciler.RunAt)
		if err != nil {
			closeErr := c.Close(ctx)
			return nil, errors.Join(fmt.Errorf("parse reconciler run-at: %w", err), closeErr)
		}
		scheduler, err := jobs.NewDailyScheduler(jobs.DailySchedulerDeps{
			RunAt:  runAt,
			Logger: logger.Named("reconciler"),
			Job: func(ctx context.Context) error {
				_, err := svc.Reconciler.RunOnce(ctx)
				return err
			},
		})
		if err != nil {
			closeErr := c.Close(ctx)
			return nil, errors.Join(fmt.Errorf("build daily scheduler: %w", err), closeErr)
		}
		c.Scheduler = scheduler
	}

	return c, nil
}

// Close releases repository clients and Pub/Sub connections.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}

	var errs []error
	if c.orderTopic != nil {
		c.orderTopic.Stop()
	}
	if c.stockTopic != nil {
		c.stockTopic.Stop()
	}
	if c.pubsubConn != nil {
		if err := c.pubsubConn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Registry != nil {
		if err := c.Registry.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildServices(reg repositories.Registry, publisher *jobs.PubSubEventPublisher, cfg config.Config, logger *zap.Logger) (Services, error) {
	var svc Services

	eventLog := structuredEventLogger(logger)

	var orderEvents services.OrderEventPublisher
	var stockEvents services.StockEventPublisher
	if publisher != nil {
		orderEvents = publisher
		stockEvents = publisher
	}

	orderSvc, err := services.NewOrderStatusService(services.OrderStatusServiceDeps{
		Orders: reg.Orders(),
		Events: orderEvents,
		Clock:  time.Now,
		Logger: eventLog,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order status service: %w", err)
	}
	svc.Orders = orderSvc

	stockSvc, err := services.NewStockReservationService(services.StockReservationServiceDeps{
		Reservations: reg.Reservations(),
		Variants:     reg.Variants(),
		Events:       stockEvents,
		Clock:        time.Now,
		Logger:       eventLog,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build stock reservation service: %w", err)
	}
	svc.Stock = stockSvc

	reconcilerSvc, err := services.NewReconcilerService(services.ReconcilerServiceDeps{
		Orders:      reg.Orders(),
		OrderStatus: orderSvc,
		Cutoff:      cfg.Reconciler.Cutoff,
		BatchSize:   cfg.Reconciler.BatchSize,
		Clock:       time.Now,
		Logger:      eventLog,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build reconciler service: %w", err)
	}
	svc.Reconciler = reconcilerSvc

	return svc, nil
}

func buildRouter(svc Services, cfg config.Config, logger *zap.Logger, provider *pfirestore.Provider) http.Handler {
	orderHandlers := handlers.NewOrderHandlers(svc.Orders)
	stockHandlers := handlers.NewStockHandlers(svc.Stock)
	internalHandlers := handlers.NewInternalHandlers(svc.Reconciler)

	health := handlers.NewHealthHandlers(handlers.WithReadinessCheck(func(ctx context.Context) error {
		_, err := provider.Client(ctx)
		return err
	}))

	return handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger),
			observability.TraceMiddleware(cfg.Firestore.ProjectID),
			observability.RequestLoggerMiddleware(cfg.Firestore.ProjectID),
			observability.RecoveryMiddleware(logger),
		),
		handlers.WithHealthHandlers(health),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithStockRoutes(stockHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	)
}

// structuredEventLogger adapts the request-scoped zap logger to the field-map
// logging the services expect.
func structuredEventLogger(base *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := observability.FromContext(ctx)
		if logger == nil || logger == requestctx.NoopLogger() {
			logger = base
		}
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		logger.Info(event, zapFields...)
	}
}
