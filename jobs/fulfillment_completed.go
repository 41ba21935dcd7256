package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/fulfillment/internal/jobs"
)

// CompletionJob consumes completion notifications.
type CompletionJob struct {
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCompletionJob initialises the notification handler.
func NewCompletionJob(logger *slog.Logger, metrics *jobmetrics.Metrics) *CompletionJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionJob{Logger: logger, Metrics: metrics}
}

// Handle records the completion with the resulting balances.
func (j *CompletionJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload CompletionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Entity == "" || payload.OrderID <= 0 {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskFulfillmentCompleted)
	for _, b := range payload.Balances {
		j.Logger.InfoContext(ctx, "stock level after completion",
			slog.String("entity", payload.Entity),
			slog.Int64("order_id", payload.OrderID),
			slog.Int64("warehouse_id", b.WarehouseID),
			slog.Int64("product_id", b.ProductID),
			slog.Int64("qty", b.Qty),
		)
	}
	j.Metrics.AddNotification(payload.Entity)
	return tracker.End(nil)
}
