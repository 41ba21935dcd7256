package inventory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Ledger is the only writer of stock balances. It runs inside a unit of
// work owned by the caller.
type Ledger struct {
	now func() time.Time
}

// NewLedger constructs a Ledger.
func NewLedger() *Ledger {
	return &Ledger{now: func() time.Time { return time.Now().UTC() }}
}

// ApplyBatch applies every adjustment of batch or none of them. Deltas for
// the same key are summed, keys are locked in ascending (warehouse, product)
// order and all resulting quantities are checked before the first write.
func (l *Ledger) ApplyBatch(ctx context.Context, tx TxRepository, batch Batch) ([]Balance, error) {
	if len(batch.Adjustments) == 0 {
		return nil, shared.Validation("stock", 0, "batch has no adjustments")
	}
	if batch.RefModule == "" || batch.RefID == "" {
		return nil, shared.Validation("stock", 0, "batch reference required")
	}

	totals := make(map[Key]int64, len(batch.Adjustments))
	keys := make([]Key, 0, len(batch.Adjustments))
	for _, adj := range batch.Adjustments {
		if adj.Delta == 0 {
			return nil, shared.Validation("stock", adj.ProductID, "delta must be non zero")
		}
		if adj.Delta == math.MinInt64 {
			return nil, shared.Validation("stock", adj.ProductID, "delta out of range")
		}
		key := Key{WarehouseID: adj.WarehouseID, ProductID: adj.ProductID}
		if _, seen := totals[key]; !seen {
			keys = append(keys, key)
		}
		total, ok := addQty(totals[key], adj.Delta)
		if !ok || total == math.MinInt64 {
			return nil, shared.Validation("stock", adj.ProductID, fmt.Sprintf("total delta for %s out of range", key))
		}
		totals[key] = total
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	if err := checkReferences(ctx, tx, keys); err != nil {
		return nil, err
	}

	locked := make([]Balance, 0, len(keys))
	for _, key := range keys {
		if totals[key] == 0 {
			continue
		}
		balance, err := tx.LockBalance(ctx, key.WarehouseID, key.ProductID)
		if err != nil {
			return nil, fmt.Errorf("inventory: lock %s: %w", key, err)
		}
		next, ok := addQty(balance.Qty, totals[key])
		if !ok {
			return nil, shared.Validation("stock", key.ProductID, fmt.Sprintf("quantity of %s out of range", key))
		}
		if next < 0 {
			return nil, &Shortage{Key: key, Available: balance.Qty, Required: -totals[key]}
		}
		locked = append(locked, balance)
	}

	postedAt := batch.PostedAt
	if postedAt.IsZero() {
		postedAt = l.now()
	}
	result := make([]Balance, 0, len(locked))
	for _, balance := range locked {
		key := balance.Key()
		balance.Qty += totals[key]
		balance.UpdatedAt = postedAt
		if err := tx.SaveBalance(ctx, balance); err != nil {
			return nil, fmt.Errorf("inventory: save %s: %w", key, err)
		}
		movement := Movement{
			WarehouseID:  key.WarehouseID,
			ProductID:    key.ProductID,
			Delta:        totals[key],
			BalanceAfter: balance.Qty,
			RefModule:    batch.RefModule,
			RefID:        batch.RefID,
			PostedAt:     postedAt,
		}
		if err := tx.InsertMovement(ctx, movement); err != nil {
			return nil, fmt.Errorf("inventory: journal %s: %w", key, err)
		}
		result = append(result, balance)
	}
	return result, nil
}

// addQty adds two quantities, reporting false when the sum overflows int64.
func addQty(a, b int64) (int64, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}

func checkReferences(ctx context.Context, refs References, keys []Key) error {
	warehouses := make(map[int64]bool)
	products := make(map[int64]bool)
	for _, key := range keys {
		if _, ok := warehouses[key.WarehouseID]; !ok {
			exists, err := warehouseExists(ctx, refs, key.WarehouseID)
			if err != nil {
				return err
			}
			warehouses[key.WarehouseID] = exists
		}
		if !warehouses[key.WarehouseID] {
			return shared.NewError(shared.ErrInvalidReference, "warehouse", key.WarehouseID, "unknown warehouse")
		}
		if _, ok := products[key.ProductID]; !ok {
			exists, err := productExists(ctx, refs, key.ProductID)
			if err != nil {
				return err
			}
			products[key.ProductID] = exists
		}
		if !products[key.ProductID] {
			return shared.NewError(shared.ErrInvalidReference, "product", key.ProductID, "unknown product")
		}
	}
	return nil
}

func warehouseExists(ctx context.Context, refs References, id int64) (bool, error) {
	if id <= 0 {
		return false, nil
	}
	return refs.WarehouseExists(ctx, id)
}

func productExists(ctx context.Context, refs References, id int64) (bool, error) {
	if id <= 0 {
		return false, nil
	}
	return refs.ProductExists(ctx, id)
}
