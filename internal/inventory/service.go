package inventory

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	References
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBalance(ctx context.Context, warehouseID, productID int64) (Balance, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	ListBalances(ctx context.Context) ([]Balance, error)
	SumMovements(ctx context.Context) (map[Key]int64, error)
}

// Service exposes the ledger to callers that do not own a unit of work.
type Service struct {
	repo   RepositoryPort
	ledger *Ledger
	logger *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, ledger *Ledger, logger *slog.Logger) *Service {
	if ledger == nil {
		ledger = NewLedger()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, ledger: ledger, logger: logger}
}

// GetQuantity returns the on-hand quantity, zero for keys never stocked.
// Each call reads committed state under its own context.
func (s *Service) GetQuantity(ctx context.Context, warehouseID, productID int64) (int64, error) {
	key := Key{WarehouseID: warehouseID, ProductID: productID}
	if err := checkReferences(ctx, s.repo, []Key{key}); err != nil {
		return 0, err
	}
	balance, err := s.repo.GetBalance(ctx, warehouseID, productID)
	if errors.Is(err, ErrBalanceNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, shared.Persistence(err)
	}
	return balance.Qty, nil
}

// Adjust applies a single signed delta and returns the resulting quantity.
func (s *Service) Adjust(ctx context.Context, warehouseID, productID, delta int64) (int64, error) {
	balances, err := s.AdjustBatch(ctx, []Adjustment{{WarehouseID: warehouseID, ProductID: productID, Delta: delta}})
	if err != nil {
		return 0, err
	}
	return balances[0].Qty, nil
}

// AdjustBatch applies manual adjustments all-or-nothing under one
// ADJUSTMENT reference.
func (s *Service) AdjustBatch(ctx context.Context, adjustments []Adjustment) ([]Balance, error) {
	batch := Batch{
		RefModule:   RefAdjustment,
		RefID:       uuid.NewString(),
		Adjustments: adjustments,
	}
	var balances []Balance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		balances, err = s.ledger.ApplyBatch(ctx, tx, batch)
		return err
	})
	if err != nil {
		var shortage *Shortage
		if errors.As(err, &shortage) {
			s.logger.WarnContext(ctx, "stock adjustment rejected",
				slog.Int64("warehouse_id", shortage.Key.WarehouseID),
				slog.Int64("product_id", shortage.Key.ProductID),
				slog.Int64("available", shortage.Available),
				slog.Int64("required", shortage.Required))
		}
		return nil, err
	}
	if len(balances) == 0 {
		return nil, shared.Validation("stock", 0, "adjustments cancel out")
	}
	return balances, nil
}

// ListMovements returns the stock card of one key.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	key := Key{WarehouseID: filter.WarehouseID, ProductID: filter.ProductID}
	if err := checkReferences(ctx, s.repo, []Key{key}); err != nil {
		return nil, err
	}
	return s.repo.ListMovements(ctx, filter)
}

// Reconcile compares every balance with the sum of its journal.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	balances, err := s.repo.ListBalances(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}
	sums, err := s.repo.SumMovements(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}
	report := ReconcileReport{CheckedAt: time.Now().UTC(), Keys: len(balances)}
	for _, balance := range balances {
		key := balance.Key()
		journal := sums[key]
		delete(sums, key)
		if journal != balance.Qty {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{Key: key, Balance: balance.Qty, Journal: journal})
		}
	}
	for key, journal := range sums {
		if journal != 0 {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{Key: key, Journal: journal})
		}
	}
	for _, d := range report.Discrepancies {
		s.logger.ErrorContext(ctx, "stock balance disagrees with journal",
			slog.Int64("warehouse_id", d.Key.WarehouseID),
			slog.Int64("product_id", d.Key.ProductID),
			slog.Int64("balance", d.Balance),
			slog.Int64("journal", d.Journal))
	}
	return report, nil
}
