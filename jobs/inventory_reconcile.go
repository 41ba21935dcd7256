package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	jobmetrics "github.com/odyssey-erp/fulfillment/internal/jobs"
)

// Reconciler compares balances with the movement journal.
type Reconciler interface {
	Reconcile(ctx context.Context) (inventory.ReconcileReport, error)
}

// ReconcileJob runs the stock reconciliation.
type ReconcileJob struct {
	Stock   Reconciler
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewReconcileJob initialises the reconciliation handler.
func NewReconcileJob(stock Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{Stock: stock, Logger: logger, Metrics: metrics}
}

// Handle executes one reconciliation. Drift is reported, not repaired.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Stock == nil {
		return errors.New("inventory reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.Metrics.Track(TaskInventoryReconcile)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger()
	start := time.Now()
	report, err := j.Stock.Reconcile(ctx)
	if err != nil {
		logger.Error("inventory reconcile failed", slog.Any("error", err))
		return err
	}
	j.Metrics.SetDiscrepancies(len(report.Discrepancies))
	logger.Info("inventory reconcile finished",
		slog.Int("keys", report.Keys),
		slog.Int("discrepancies", len(report.Discrepancies)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (j *ReconcileJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
