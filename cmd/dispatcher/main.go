package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kursadbilgin/esp-dispatch/internal/config"
	"github.com/kursadbilgin/esp-dispatch/internal/handler"
	"github.com/kursadbilgin/esp-dispatch/internal/infra/postgresql"
	"github.com/kursadbilgin/esp-dispatch/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/esp-dispatch/internal/infra/redis"
	"github.com/kursadbilgin/esp-dispatch/internal/observability"
	"github.com/kursadbilgin/esp-dispatch/internal/provider"
	"github.com/kursadbilgin/esp-dispatch/internal/queue"
	"github.com/kursadbilgin/esp-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/esp-dispatch/internal/registry"
	"github.com/kursadbilgin/esp-dispatch/internal/repository"
	"github.com/kursadbilgin/esp-dispatch/internal/reputation"
	"github.com/kursadbilgin/esp-dispatch/internal/service"
	"github.com/kursadbilgin/esp-dispatch/internal/transport"
	"github.com/kursadbilgin/esp-dispatch/internal/warming"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("dispatcher stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("dispatcher stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	catalog, err := config.LoadCatalog(cfg.ProviderCatalogPath)
	if err != nil {
		return err
	}
	if err := catalog.RejectedError(); err != nil {
		logger.Warn("provider catalog entries rejected", zap.Error(err))
	}

	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.PoolOptions{})
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	defer postgresql.Close(db) //nolint:errcheck

	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}

	var rdb *goredis.Client
	bucketFactory := ratelimit.MemoryFactory()
	if cfg.UsesRedis() {
		rdb, err = infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer rdb.Close()
		bucketFactory = infraredis.NewFactory(rdb, logger)
	}

	metrics := observability.NewMetrics()

	attempts := repository.NewGormAttemptRepo(db)
	batches := repository.NewGormBatchRepo(db)
	events := repository.NewGormEventRepo(db)

	defaultPlan, overrides, err := warmingPlans(catalog)
	if err != nil {
		return err
	}
	schedule := warming.NewSchedule(defaultPlan, overrides, repository.NewGormWarmingRepo(db), logger)
	restored, err := schedule.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore warming states: %w", err)
	}
	logger.Info("warming states restored", zap.Int("providers", len(restored)))

	tracker := reputation.NewTracker(reputation.Options{Cooldown: cfg.CircuitCooldown}, logger)

	reg, err := registry.New(ctx, registry.Config{
		Providers:     catalog.Providers,
		NewAdapter:    provider.NewAdapter,
		BucketFactory: bucketFactory,
		States:        repository.NewGormProviderStateRepo(db),
	}, tracker, schedule, logger)
	if err != nil {
		return err
	}
	if err := reg.RestoreUsage(ctx, attempts); err != nil {
		return fmt.Errorf("failed to restore provider usage: %w", err)
	}
	logger.Info("provider registry ready", zap.Strings("providers", reg.IDs()))

	throttler := ratelimit.NewDomainThrottler(domainLimits(catalog), fallbackLimit(catalog), bucketFactory, logger)

	orchestrator, err := service.NewOrchestrator(reg, throttler, attempts, batches, events, service.OrchestratorConfig{
		SendTimeout:   cfg.SendTimeout,
		BucketMaxWait: cfg.BucketMaxWait,
		ChunkSize:     cfg.BatchChunkSize,
	}, logger)
	if err != nil {
		return err
	}
	orchestrator.SetMetrics(metrics)

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer rabbit.Close() //nolint:errcheck

	publisher := queue.NewRabbitMQPublisher(rabbit)
	consumer := queue.NewRabbitMQConsumer(rabbit, cfg.BatchWorkerConcurrency, logger)

	worker, err := service.NewBatchWorker(orchestrator, consumer, publisher, cfg.BatchWorkerConcurrency, logger)
	if err != nil {
		return err
	}

	monitor, err := service.NewHealthMonitor(reg, attempts, events, cfg.HealthCheckSchedule, logger)
	if err != nil {
		return err
	}
	monitor.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		AppName:               "esp-dispatch",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb, func() bool { return len(reg.AvailableProviders()) > 0 }, metrics.Handler())
	if err := handler.RegisterProviderRoutes(app, reg, orchestrator); err != nil {
		return err
	}
	if err := handler.RegisterMessageRoutes(app, orchestrator, batches, publisher); err != nil {
		return err
	}

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("esp-dispatch api started", zap.Int("port", cfg.APIPort))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})
	g.Go(func() error { return worker.Start(groupCtx) })
	g.Go(func() error { return monitor.Start(groupCtx) })

	waitErr := g.Wait()

	saveCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := reg.SaveStates(saveCtx); err != nil {
		logger.Error("failed to save provider states on shutdown", zap.Error(err))
	}

	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}

func warmingPlans(catalog *config.Catalog) (*warming.Plan, map[string]*warming.Plan, error) {
	defaultPlan := warming.DefaultPlan()
	if len(catalog.DefaultWarming) > 0 {
		plan, err := warming.NewPlan(catalog.DefaultWarming)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid default warming plan: %w", err)
		}
		defaultPlan = plan
	}

	overrides := make(map[string]*warming.Plan, len(catalog.WarmingOverrides))
	for id, checkpoints := range catalog.WarmingOverrides {
		plan, err := warming.NewPlan(checkpoints)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid warming plan for provider %s: %w", id, err)
		}
		overrides[id] = plan
	}
	return defaultPlan, overrides, nil
}

func domainLimits(catalog *config.Catalog) map[string]ratelimit.DomainLimit {
	out := make(map[string]ratelimit.DomainLimit, len(catalog.DomainThrottles))
	for d, th := range catalog.DomainThrottles {
		out[d] = ratelimit.DomainLimit{Rate: th.Rate, Capacity: th.Capacity}
	}
	return out
}

func fallbackLimit(catalog *config.Catalog) *ratelimit.DomainLimit {
	if catalog.FallbackThrottle == nil {
		return nil
	}
	return &ratelimit.DomainLimit{Rate: catalog.FallbackThrottle.Rate, Capacity: catalog.FallbackThrottle.Capacity}
}
