package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/fulfillment/internal/app"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment"
	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/observability"
	"github.com/odyssey-erp/fulfillment/internal/platform/cache"
	"github.com/odyssey-erp/fulfillment/internal/platform/db"
	"github.com/odyssey-erp/fulfillment/internal/shared"
	"github.com/odyssey-erp/fulfillment/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("odyssey fulfillment stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// backend is the storage wiring for one driver.
type backend struct {
	store fulfillment.Store
	repo  inventory.RepositoryPort
	audit fulfillment.AuditPort
	ready func(context.Context) error
	close func()
}

func openBackend(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*backend, error) {
	if cfg.StorageDriver == app.DriverMemory {
		store := fulfillment.NewMemoryStore()
		store.Seed(cfg.MemoryWarehouses, cfg.MemoryProducts)
		logger.Warn("using in-memory storage, data is lost on exit",
			slog.Int("warehouses", len(cfg.MemoryWarehouses)),
			slog.Int("products", len(cfg.MemoryProducts)),
		)
		return &backend{
			store: store,
			repo:  store.InventoryRepository(),
			audit: shared.NewSlogAuditor(logger),
			close: func() {},
		}, nil
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, MaxConnLifetime: time.Hour})
	if err != nil {
		return nil, err
	}
	return &backend{
		store: fulfillment.NewPostgresStore(pool),
		repo:  inventory.NewRepository(pool),
		audit: shared.NewAuditLogger(pool),
		ready: pool.Ping,
		close: pool.Close,
	}, nil
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	metrics := observability.NewMetrics()
	stock := inventory.NewService(be.repo, inventory.NewLedger(), logger)
	service := fulfillment.NewService(be.store, stock, be.audit, logger)
	service.SetMetrics(metrics)

	var (
		idempotency *shared.IdempotencyStore
		inspector   *asynq.Inspector
	)
	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Warn("redis unavailable, idempotency keys and completion notifications disabled", slog.Any("error", err))
	} else {
		defer closeRedis(redisClient, logger)
		idempotency = shared.NewIdempotencyStore(redisClient, cfg.IdempotencyTTL)

		redisOpts := cfg.Redis().QueueOpts()
		jobClient, err := jobs.NewClient(redisOpts)
		if err != nil {
			return err
		}
		defer func() {
			if err := jobClient.Close(); err != nil {
				logger.Warn("jobs client close", slog.Any("error", err))
			}
		}()
		service.SetNotifier(jobClient)

		inspector = asynq.NewInspector(redisOpts)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("jobs inspector close", slog.Any("error", err))
			}
		}()
	}

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		FulfillmentHandler: fulfillment.NewHandler(logger, service, idempotency),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
		Ready:              be.ready,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("storage", cfg.StorageDriver),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func closeRedis(client *redis.Client, logger *slog.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn("redis close", slog.Any("error", err))
	}
}
