package fulfillment

import (
	"context"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/procurement"
	"github.com/odyssey-erp/fulfillment/internal/sales"
)

// Tx is one unit of work. Row locks taken through any of the repositories
// are held until the unit commits or rolls back.
type Tx interface {
	Procurement() procurement.TxRepository
	Sales() sales.TxRepository
	Inventory() inventory.TxRepository
}

// Store runs fn inside a unit of work. A nil return commits; any error or a
// cancelled context rolls every write back.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error
}
