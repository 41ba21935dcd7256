package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odyssey-erp/fulfillment/internal/app"
	"github.com/odyssey-erp/fulfillment/internal/inventory"
	jobmetrics "github.com/odyssey-erp/fulfillment/internal/jobs"
	"github.com/odyssey-erp/fulfillment/internal/platform/db"
	"github.com/odyssey-erp/fulfillment/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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
	metrics := jobmetrics.NewMetrics(nil)

	completionJob := jobs.NewCompletionJob(logger, metrics)
	handlers := []jobs.TaskHandler{
		{Type: jobs.TaskFulfillmentCompleted, Handler: completionJob.Handle},
	}
	var cron []jobs.CronRegistration

	if cfg.StorageDriver == app.DriverPostgres {
		pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, MaxConnLifetime: time.Hour})
		if err != nil {
			logger.Error("connect database", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()

		stock := inventory.NewService(inventory.NewRepository(pool), inventory.NewLedger(), logger)
		reconcileJob := jobs.NewReconcileJob(stock, logger, metrics)
		reconcileTask, err := jobs.NewReconcileTask(time.Time{})
		if err != nil {
			logger.Error("build reconcile task", slog.Any("error", err))
			os.Exit(1)
		}
		handlers = append(handlers, jobs.TaskHandler{Type: jobs.TaskInventoryReconcile, Handler: reconcileJob.Handle})
		if cfg.ReconcileCron != "" {
			cron = append(cron, jobs.CronRegistration{Spec: cfg.ReconcileCron, Task: reconcileTask})
		}
	} else {
		logger.Warn("stock reconciliation disabled", slog.String("storage", cfg.StorageDriver))
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.Redis().QueueOpts(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers:    handlers,
		Cron:        cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.Int("handlers", len(handlers)), slog.Int("cron", len(cron)))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
