package sales

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

const entitySale = "sale"

// Status enumerates sale lifecycle states.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
)

// Line is one product quantity owned by a sale.
type Line struct {
	ID        int64
	ParentID  int64
	ProductID int64
	Qty       int64
}

// LineInput describes a line to add.
type LineInput struct {
	ProductID int64
	Qty       int64
}

// Sale is a committed order to a customer.
type Sale struct {
	ID          int64
	ClientID    int64
	SellerID    int64
	SaleDate    time.Time
	TotalAmount decimal.Decimal
	Status      Status
	WarehouseID int64
	CompletedAt time.Time
	CreatedAt   time.Time
	Lines       []Line
}

// NewSale holds the input of a sale. Lines may be added later.
type NewSale struct {
	ClientID    int64
	SellerID    int64
	SaleDate    time.Time
	TotalAmount decimal.Decimal
	Lines       []LineInput
}

// Header carries editable sale fields.
type Header struct {
	ClientID    int64
	SaleDate    time.Time
	TotalAmount decimal.Decimal
}

// Filter narrows sale listings.
type Filter struct {
	Status   Status
	ClientID int64
	Page     shared.Page
}
