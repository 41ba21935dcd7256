package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/fulfillment/internal/platform/db"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// References validates warehouse and product identifiers.
type References interface {
	WarehouseExists(ctx context.Context, id int64) (bool, error)
	ProductExists(ctx context.Context, id int64) (bool, error)
}

// TxRepository exposes transactional operations used by the ledger.
type TxRepository interface {
	References
	// LockBalance returns the balance row for update, creating a zero row
	// when the key has never been stocked.
	LockBalance(ctx context.Context, warehouseID, productID int64) (Balance, error)
	SaveBalance(ctx context.Context, balance Balance) error
	InsertMovement(ctx context.Context, movement Movement) error
}

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
	db   dbtx
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, db: pool}
}

// NewTxRepository binds the transactional operations to an open transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &Repository{db: tx}
}

// WithTx executes the callback inside a read-committed transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &Repository{pool: r.pool, db: tx})
	})
	return shared.Persistence(err)
}

// WarehouseExists reports whether the warehouse is registered.
func (r *Repository) WarehouseExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM warehouses WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, shared.Persistence(err)
	}
	return exists, nil
}

// ProductExists reports whether the product is registered.
func (r *Repository) ProductExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, shared.Persistence(err)
	}
	return exists, nil
}

// GetBalance reads a balance without locking.
func (r *Repository) GetBalance(ctx context.Context, warehouseID, productID int64) (Balance, error) {
	var b Balance
	err := r.db.QueryRow(ctx, `
		SELECT warehouse_id, product_id, qty, updated_at
		FROM stock_balances
		WHERE warehouse_id = $1 AND product_id = $2`, warehouseID, productID).
		Scan(&b.WarehouseID, &b.ProductID, &b.Qty, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, ErrBalanceNotFound
	}
	if err != nil {
		return Balance{}, shared.Persistence(err)
	}
	return b, nil
}

// LockBalance upserts a zero row then locks it with SELECT ... FOR UPDATE.
func (r *Repository) LockBalance(ctx context.Context, warehouseID, productID int64) (Balance, error) {
	if _, err := r.db.Exec(ctx, `
		INSERT INTO stock_balances (warehouse_id, product_id, qty)
		VALUES ($1, $2, 0)
		ON CONFLICT (warehouse_id, product_id) DO NOTHING`, warehouseID, productID); err != nil {
		return Balance{}, shared.Persistence(err)
	}
	var b Balance
	err := r.db.QueryRow(ctx, `
		SELECT warehouse_id, product_id, qty, updated_at
		FROM stock_balances
		WHERE warehouse_id = $1 AND product_id = $2
		FOR UPDATE`, warehouseID, productID).
		Scan(&b.WarehouseID, &b.ProductID, &b.Qty, &b.UpdatedAt)
	if err != nil {
		return Balance{}, shared.Persistence(err)
	}
	return b, nil
}

// SaveBalance writes the new quantity of a locked row.
func (r *Repository) SaveBalance(ctx context.Context, balance Balance) error {
	_, err := r.db.Exec(ctx, `
		UPDATE stock_balances SET qty = $3, updated_at = $4
		WHERE warehouse_id = $1 AND product_id = $2`,
		balance.WarehouseID, balance.ProductID, balance.Qty, balance.UpdatedAt)
	return shared.Persistence(err)
}

// InsertMovement appends a journal row.
func (r *Repository) InsertMovement(ctx context.Context, m Movement) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO stock_movements (warehouse_id, product_id, delta, balance_after, ref_module, ref_id, posted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.WarehouseID, m.ProductID, m.Delta, m.BalanceAfter, string(m.RefModule), m.RefID, m.PostedAt)
	return shared.Persistence(err)
}

// ListMovements returns the stock card of one key, oldest first.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	conditions := []string{"warehouse_id = $1", "product_id = $2"}
	args := []interface{}{filter.WarehouseID, filter.ProductID}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		conditions = append(conditions, fmt.Sprintf("posted_at >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		conditions = append(conditions, fmt.Sprintf("posted_at < $%d", len(args)))
	}
	page := filter.Page.Normalize()
	args = append(args, page.Limit, page.Offset)
	query := fmt.Sprintf(`
		SELECT id, warehouse_id, product_id, delta, balance_after, ref_module, ref_id, posted_at
		FROM stock_movements
		WHERE %s
		ORDER BY id
		LIMIT $%d OFFSET $%d`, strings.Join(conditions, " AND "), len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, shared.Persistence(err)
	}
	defer rows.Close()

	var movements []Movement
	for rows.Next() {
		var m Movement
		var ref string
		if err := rows.Scan(&m.ID, &m.WarehouseID, &m.ProductID, &m.Delta, &m.BalanceAfter, &ref, &m.RefID, &m.PostedAt); err != nil {
			return nil, shared.Persistence(err)
		}
		m.RefModule = RefModule(ref)
		movements = append(movements, m)
	}
	return movements, shared.Persistence(rows.Err())
}

// ListBalances returns every balance row.
func (r *Repository) ListBalances(ctx context.Context) ([]Balance, error) {
	rows, err := r.db.Query(ctx, `
		SELECT warehouse_id, product_id, qty, updated_at
		FROM stock_balances
		ORDER BY warehouse_id, product_id`)
	if err != nil {
		return nil, shared.Persistence(err)
	}
	defer rows.Close()

	var balances []Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.WarehouseID, &b.ProductID, &b.Qty, &b.UpdatedAt); err != nil {
			return nil, shared.Persistence(err)
		}
		balances = append(balances, b)
	}
	return balances, shared.Persistence(rows.Err())
}

// SumMovements totals the journal per key.
func (r *Repository) SumMovements(ctx context.Context) (map[Key]int64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT warehouse_id, product_id, COALESCE(SUM(delta), 0)::BIGINT
		FROM stock_movements
		GROUP BY warehouse_id, product_id`)
	if err != nil {
		return nil, shared.Persistence(err)
	}
	defer rows.Close()

	sums := make(map[Key]int64)
	for rows.Next() {
		var key Key
		var total int64
		if err := rows.Scan(&key.WarehouseID, &key.ProductID, &total); err != nil {
			return nil, shared.Persistence(err)
		}
		sums[key] = total
	}
	return sums, shared.Persistence(rows.Err())
}
