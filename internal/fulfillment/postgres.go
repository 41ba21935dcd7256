package fulfillment

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/platform/db"
	"github.com/odyssey-erp/fulfillment/internal/procurement"
	"github.com/odyssey-erp/fulfillment/internal/sales"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// PostgresStore runs units of work as read-committed transactions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs the store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

type pgTx struct {
	procurement procurement.TxRepository
	sales       sales.TxRepository
	inventory   inventory.TxRepository
}

func (t *pgTx) Procurement() procurement.TxRepository { return t.procurement }
func (t *pgTx) Sales() sales.TxRepository             { return t.sales }
func (t *pgTx) Inventory() inventory.TxRepository     { return t.inventory }

// WithTx implements Store.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{
			procurement: procurement.NewTxRepository(tx),
			sales:       sales.NewTxRepository(tx),
			inventory:   inventory.NewTxRepository(tx),
		})
	})
	return shared.Persistence(err)
}
