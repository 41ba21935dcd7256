package inventory

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

type memoryRepo struct {
	mu         sync.Mutex
	warehouses map[int64]bool
	products   map[int64]bool
	balances   map[Key]Balance
	movements  []Movement
	locked     []Key
	failSave   error
}

type memoryTx struct {
	repo     *memoryRepo
	balances map[Key]Balance
	pending  []Movement
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		warehouses: map[int64]bool{1: true, 2: true},
		products:   map[int64]bool{1: true, 2: true, 3: true},
		balances:   make(map[Key]Balance),
	}
}

func (r *memoryRepo) WarehouseExists(ctx context.Context, id int64) (bool, error) {
	return r.warehouses[id], nil
}

func (r *memoryRepo) ProductExists(ctx context.Context, id int64) (bool, error) {
	return r.products[id], nil
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{repo: r, balances: make(map[Key]Balance)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for key, balance := range tx.balances {
		r.balances[key] = balance
	}
	for _, m := range tx.pending {
		m.ID = int64(len(r.movements) + 1)
		r.movements = append(r.movements, m)
	}
	return nil
}

func (r *memoryRepo) GetBalance(ctx context.Context, warehouseID, productID int64) (Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	balance, ok := r.balances[Key{WarehouseID: warehouseID, ProductID: productID}]
	if !ok {
		return Balance{}, ErrBalanceNotFound
	}
	return balance, nil
}

func (r *memoryRepo) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	var result []Movement
	for _, m := range r.movements {
		if m.WarehouseID == filter.WarehouseID && m.ProductID == filter.ProductID {
			result = append(result, m)
		}
	}
	return result, nil
}

func (r *memoryRepo) ListBalances(ctx context.Context) ([]Balance, error) {
	var result []Balance
	for _, b := range r.balances {
		result = append(result, b)
	}
	return result, nil
}

func (r *memoryRepo) SumMovements(ctx context.Context) (map[Key]int64, error) {
	sums := make(map[Key]int64)
	for _, m := range r.movements {
		sums[Key{WarehouseID: m.WarehouseID, ProductID: m.ProductID}] += m.Delta
	}
	return sums, nil
}

func (tx *memoryTx) WarehouseExists(ctx context.Context, id int64) (bool, error) {
	return tx.repo.warehouses[id], nil
}

func (tx *memoryTx) ProductExists(ctx context.Context, id int64) (bool, error) {
	return tx.repo.products[id], nil
}

func (tx *memoryTx) LockBalance(ctx context.Context, warehouseID, productID int64) (Balance, error) {
	key := Key{WarehouseID: warehouseID, ProductID: productID}
	tx.repo.locked = append(tx.repo.locked, key)
	if balance, ok := tx.balances[key]; ok {
		return balance, nil
	}
	if balance, ok := tx.repo.balances[key]; ok {
		return balance, nil
	}
	return Balance{WarehouseID: warehouseID, ProductID: productID}, nil
}

func (tx *memoryTx) SaveBalance(ctx context.Context, balance Balance) error {
	if tx.repo.failSave != nil {
		return tx.repo.failSave
	}
	tx.balances[balance.Key()] = balance
	return nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, movement Movement) error {
	tx.pending = append(tx.pending, movement)
	return nil
}

func TestAdjustAndGetQuantity(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	qty, err := svc.GetQuantity(ctx, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 0, qty)

	qty, err = svc.Adjust(ctx, 1, 1, 10)
	require.NoError(t, err)
	require.EqualValues(t, 10, qty)

	qty, err = svc.Adjust(ctx, 1, 1, -4)
	require.NoError(t, err)
	require.EqualValues(t, 6, qty)

	qty, err = svc.GetQuantity(ctx, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 6, qty)

	movements, err := svc.ListMovements(ctx, MovementFilter{WarehouseID: 1, ProductID: 1})
	require.NoError(t, err)
	require.Len(t, movements, 2)
	require.EqualValues(t, 10, movements[0].BalanceAfter)
	require.EqualValues(t, 6, movements[1].BalanceAfter)
	require.Equal(t, RefAdjustment, movements[1].RefModule)
}

func TestNegativeStockGuard(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	_, err := svc.Adjust(ctx, 1, 1, 3)
	require.NoError(t, err)

	_, err = svc.Adjust(ctx, 1, 1, -4)
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	var shortage *Shortage
	require.True(t, errors.As(err, &shortage))
	require.EqualValues(t, 3, shortage.Available)
	require.EqualValues(t, 4, shortage.Required)

	qty, err := svc.GetQuantity(ctx, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 3, qty)
}

func TestAdjustRejectsZeroDelta(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil)
	_, err := svc.Adjust(context.Background(), 1, 1, 0)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestUnknownReferences(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil)
	ctx := context.Background()

	_, err := svc.GetQuantity(ctx, 99, 1)
	require.ErrorIs(t, err, shared.ErrInvalidReference)

	_, err = svc.Adjust(ctx, 1, 99, 5)
	require.ErrorIs(t, err, shared.ErrInvalidReference)
	entity, id, _ := shared.Describe(err)
	require.Equal(t, "product", entity)
	require.EqualValues(t, 99, id)
}

func TestBatchIsAllOrNothing(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	_, err := svc.AdjustBatch(ctx, []Adjustment{
		{WarehouseID: 1, ProductID: 1, Delta: 5},
		{WarehouseID: 1, ProductID: 2, Delta: 2},
	})
	require.NoError(t, err)

	_, err = svc.AdjustBatch(ctx, []Adjustment{
		{WarehouseID: 1, ProductID: 1, Delta: -5},
		{WarehouseID: 1, ProductID: 2, Delta: -3},
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	for product, want := range map[int64]int64{1: 5, 2: 2} {
		qty, err := svc.GetQuantity(ctx, 1, product)
		require.NoError(t, err)
		require.Equal(t, want, qty)
	}
	require.Len(t, repo.movements, 2)
}

func TestBatchSumsDeltasPerKey(t *testing.T) {
	repo := newMemoryRepo()
	ledger := NewLedger()
	ctx := context.Background()

	var balances []Balance
	err := repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		balances, err = ledger.ApplyBatch(ctx, tx, Batch{
			RefModule: RefPurchase,
			RefID:     "p-1",
			Adjustments: []Adjustment{
				{WarehouseID: 2, ProductID: 1, Delta: 4},
				{WarehouseID: 1, ProductID: 3, Delta: 1},
				{WarehouseID: 2, ProductID: 1, Delta: 6},
			},
		})
		return err
	})
	require.NoError(t, err)
	require.Len(t, balances, 2)
	require.Equal(t, []Key{{WarehouseID: 1, ProductID: 3}, {WarehouseID: 2, ProductID: 1}}, repo.locked)
	require.EqualValues(t, 10, repo.balances[Key{WarehouseID: 2, ProductID: 1}].Qty)
}

func TestBatchStorageFailureLeavesStock(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	_, err := svc.Adjust(ctx, 1, 1, 5)
	require.NoError(t, err)

	repo.failSave = shared.Persistence(errors.New("disk full"))
	_, err = svc.Adjust(ctx, 1, 1, 5)
	require.ErrorIs(t, err, shared.ErrPersistence)
	require.True(t, shared.Retryable(err))

	repo.failSave = nil
	qty, err := svc.GetQuantity(ctx, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 5, qty)
}

func TestReconcileFindsDrift(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	_, err := svc.Adjust(ctx, 1, 1, 5)
	require.NoError(t, err)
	_, err = svc.Adjust(ctx, 2, 2, 7)
	require.NoError(t, err)

	report, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Keys)
	require.Empty(t, report.Discrepancies)

	repo.balances[Key{WarehouseID: 1, ProductID: 1}] = Balance{WarehouseID: 1, ProductID: 1, Qty: 9}
	report, err = svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	require.EqualValues(t, 9, report.Discrepancies[0].Balance)
	require.EqualValues(t, 5, report.Discrepancies[0].Journal)
}

func TestQuantityOverflowIsRejected(t *testing.T) {
	cases := []struct {
		name  string
		batch []Adjustment
	}{
		{"credit past max", []Adjustment{{WarehouseID: 1, ProductID: 1, Delta: math.MaxInt64}}},
		{"summed credits", []Adjustment{
			{WarehouseID: 1, ProductID: 2, Delta: math.MaxInt64},
			{WarehouseID: 1, ProductID: 2, Delta: math.MaxInt64},
		}},
		{"summed debits", []Adjustment{
			{WarehouseID: 1, ProductID: 2, Delta: -math.MaxInt64},
			{WarehouseID: 1, ProductID: 2, Delta: -math.MaxInt64},
		}},
		{"min delta", []Adjustment{{WarehouseID: 1, ProductID: 2, Delta: math.MinInt64}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMemoryRepo()
			svc := NewService(repo, nil, nil)
			ctx := context.Background()
			_, err := svc.Adjust(ctx, 1, 1, 10)
			require.NoError(t, err)

			_, err = svc.AdjustBatch(ctx, tc.batch)
			require.ErrorIs(t, err, shared.ErrValidation)
			require.NotErrorIs(t, err, shared.ErrInsufficientStock)

			qty, err := svc.GetQuantity(ctx, 1, 1)
			require.NoError(t, err)
			require.EqualValues(t, 10, qty)
			qty, err = svc.GetQuantity(ctx, 1, 2)
			require.NoError(t, err)
			require.Zero(t, qty)
			require.Len(t, repo.movements, 1)
		})
	}
}

type gatedRepo struct {
	*memoryRepo
	entered chan struct{}
	release chan struct{}
}

func (r *gatedRepo) GetBalance(ctx context.Context, warehouseID, productID int64) (Balance, error) {
	r.entered <- struct{}{}
	select {
	case <-ctx.Done():
		return Balance{}, ctx.Err()
	case <-r.release:
	}
	return r.memoryRepo.GetBalance(ctx, warehouseID, productID)
}

func TestConcurrentReadsHonourOwnContext(t *testing.T) {
	base := newMemoryRepo()
	_, err := NewService(base, nil, nil).Adjust(context.Background(), 1, 1, 6)
	require.NoError(t, err)

	repo := &gatedRepo{memoryRepo: base, entered: make(chan struct{}, 2), release: make(chan struct{})}
	svc := NewService(repo, nil, nil)

	type result struct {
		qty int64
		err error
	}
	cancelled, cancel := context.WithCancel(context.Background())
	first := make(chan result, 1)
	second := make(chan result, 1)
	go func() {
		qty, err := svc.GetQuantity(cancelled, 1, 1)
		first <- result{qty, err}
	}()
	go func() {
		qty, err := svc.GetQuantity(context.Background(), 1, 1)
		second <- result{qty, err}
	}()
	<-repo.entered
	<-repo.entered

	cancel()
	got := <-first
	require.ErrorIs(t, got.err, context.Canceled)

	close(repo.release)
	got = <-second
	require.NoError(t, got.err)
	require.EqualValues(t, 6, got.qty)
}
