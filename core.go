package bookingcore

import (
	"context"

	"github.com/coursekit/bookingcore/circuitbreaker"
	"github.com/coursekit/bookingcore/config"
	"github.com/coursekit/bookingcore/faults"
	"github.com/coursekit/bookingcore/ledger"
	"github.com/coursekit/bookingcore/log"
	"github.com/coursekit/bookingcore/postgres"
	"github.com/coursekit/bookingcore/rabbitmq"
	"github.com/coursekit/bookingcore/refund"
	"github.com/coursekit/bookingcore/zap"

	"github.com/shopspring/decimal"
)

// Core is the composition root of the booking core. It owns every shared
// resource (logger, breaker registry, connection pool, event publisher) and
// hands them to the domain components by reference; nothing here is reachable
// through package-level state.
type Core struct {
	Config   config.App
	Logger   log.Logger
	Breakers *circuitbreaker.Registry
	Pool     *postgres.Pool
	Ledger   *ledger.Ledger
	Refunds  *refund.Workflow
	Bookings refund.BookingService

	publisher *rabbitmq.Publisher
}

// New loads configuration and wires the full core. The datastore is
// mandatory; the event broker is best effort, so a connect failure degrades
// to local-only operation instead of failing startup.
func New(ctx context.Context) (*Core, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	return NewWithConfig(ctx, cfg)
}

// NewWithConfig wires the core from an already loaded configuration.
func NewWithConfig(ctx context.Context, cfg config.App) (*Core, error) {
	logger, err := zap.New(zap.Config{
		Environment: zap.Environment(cfg.Environment),
		Level:       cfg.LogLevel,
	})
	if err != nil {
		return nil, err
	}

	registry := circuitbreaker.NewRegistry(logger)

	datastoreBreaker := registry.GetOrCreate(
		circuitbreaker.DependencyDatastore,
		overrideBreaker(circuitbreaker.DatastoreConfig(), cfg.Breakers.Datastore),
	)

	pool, err := postgres.New(ctx, postgres.Config{
		ConnectionString:   cfg.Datastore.DSN,
		MinConnections:     cfg.Datastore.MinConnections,
		MaxConnections:     cfg.Datastore.MaxConnections,
		AcquireTimeout:     cfg.Datastore.AcquireTimeout,
		QueryTimeout:       cfg.Datastore.QueryTimeout,
		SlowQueryThreshold: cfg.Datastore.SlowQueryThreshold,
		MigrationsPath:     cfg.Datastore.MigrationsPath,
	}, datastoreBreaker, logger)
	if err != nil {
		registry.Close()

		return nil, err
	}

	var (
		publisher *rabbitmq.Publisher
		bus       ledger.CapacityBus
		notifier  refund.Notifier
	)

	publisher, err = rabbitmq.NewPublisher(ctx, rabbitmq.Config{
		URL:      cfg.RabbitMQ.URL,
		Exchange: cfg.RabbitMQ.Exchange,
	}, logger)
	if err != nil {
		logger.Warnf("event broker unavailable, running without capacity events and notifications: %v", err)

		publisher = nil
	} else {
		bus = rabbitmq.NewCapacityBus(publisher, logger)
		notifier = rabbitmq.NewRefundNotifier(publisher, logger)
	}

	capacityLedger := ledger.New(ledger.NewPostgresStore(pool), bus, cfg.Ledger.HardCap, logger)

	gateway, err := buildGateway(cfg.Omise)
	if err != nil {
		_ = pool.Shutdown(ctx)
		registry.Close()

		return nil, err
	}

	gatewayBreaker := registry.GetOrCreate(
		circuitbreaker.DependencyPaymentGateway,
		overrideBreaker(circuitbreaker.PaymentGatewayConfig(), cfg.Breakers.PaymentGateway),
	)

	bookings := refund.NewPostgresBookings(pool, capacityLedger, logger)

	refunds := refund.New(
		refund.NewPostgresStore(pool),
		bookings,
		gateway,
		gatewayBreaker,
		notifier,
		logger,
	)

	return &Core{
		Config:    cfg,
		Logger:    logger,
		Breakers:  registry,
		Pool:      pool,
		Ledger:    capacityLedger,
		Refunds:   refunds,
		Bookings:  bookings,
		publisher: publisher,
	}, nil
}

// Shutdown releases every owned resource in reverse dependency order.
func (c *Core) Shutdown(ctx context.Context) error {
	if c.publisher != nil {
		if err := c.publisher.Close(); err != nil {
			c.Logger.Errorf("closing event publisher: %v", err)
		}
	}

	err := c.Pool.Shutdown(ctx)

	c.Breakers.Close()
	_ = c.Logger.Sync()

	return err
}

// overrideBreaker lays any explicitly configured threshold over the
// dependency's tuned defaults.
func overrideBreaker(base circuitbreaker.Config, override config.Breaker) circuitbreaker.Config {
	if override.FailureThreshold > 0 {
		base.FailureThreshold = override.FailureThreshold
	}

	if override.ResetTimeout > 0 {
		base.ResetTimeout = override.ResetTimeout
	}

	if override.HalfOpenRetries > 0 {
		base.HalfOpenRetries = override.HalfOpenRetries
	}

	if override.CallTimeout > 0 {
		base.CallTimeout = override.CallTimeout
	}

	return base
}

// buildGateway returns the omise adapter, or a stand-in that rejects every
// settlement when no credentials are configured. Requests and rejections
// still work without credentials; only settlement needs them.
func buildGateway(cfg config.Omise) (refund.PaymentGateway, error) {
	if cfg.PublicKey == "" || cfg.SecretKey == "" {
		return unconfiguredGateway{}, nil
	}

	return refund.NewOmiseGateway(cfg.PublicKey, cfg.SecretKey)
}

type unconfiguredGateway struct{}

func (unconfiguredGateway) CreateRefund(context.Context, string, decimal.Decimal, map[string]string) (string, error) {
	return "", faults.New(faults.KindGateway, "payment gateway credentials are not configured")
}
