package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskInventoryReconcile compares stock balances with their journal.
	TaskInventoryReconcile = "inventory:reconcile"
	// TaskFulfillmentCompleted fans out a committed order completion.
	TaskFulfillmentCompleted = "fulfillment:completed"
)

// ReconcilePayload carries scheduling metadata.
type ReconcilePayload struct {
	ScheduledFor time.Time `json:"scheduled_for,omitempty"`
}

// NewReconcileTask constructs the reconciliation task.
func NewReconcileTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ReconcilePayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInventoryReconcile, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// BalancePayload is one stock key after a completion.
type BalancePayload struct {
	WarehouseID int64 `json:"warehouse_id"`
	ProductID   int64 `json:"product_id"`
	Qty         int64 `json:"qty"`
}

// CompletionPayload describes a committed completion.
type CompletionPayload struct {
	Entity      string           `json:"entity"`
	OrderID     int64            `json:"order_id"`
	WarehouseID int64            `json:"warehouse_id"`
	RefID       string           `json:"ref_id"`
	Balances    []BalancePayload `json:"balances"`
	CompletedAt time.Time        `json:"completed_at"`
}

// NewCompletionTask builds the notification task. The ledger reference is
// the task id, so a completion is enqueued at most once.
func NewCompletionTask(c fulfillment.Completion) (*asynq.Task, error) {
	payload := CompletionPayload{
		Entity:      c.Entity,
		OrderID:     c.OrderID,
		WarehouseID: c.WarehouseID,
		RefID:       c.RefID,
		CompletedAt: c.CompletedAt,
	}
	for _, b := range c.Balances {
		payload.Balances = append(payload.Balances, BalancePayload{WarehouseID: b.WarehouseID, ProductID: b.ProductID, Qty: b.Qty})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskFulfillmentCompleted, body,
		asynq.Queue(QueueDefault),
		asynq.TaskID(c.RefID),
		asynq.MaxRetry(5),
		asynq.Retention(24*time.Hour),
	), nil
}
