package procurement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

const (
	entityRequisition = "requisition"
	entityPurchase    = "purchase"
)

// RequisitionStatus enumerates requisition lifecycle states.
type RequisitionStatus string

const (
	RequisitionPending  RequisitionStatus = "PENDING"
	RequisitionApproved RequisitionStatus = "APPROVED"
	RequisitionRejected RequisitionStatus = "REJECTED"
)

// PurchaseStatus enumerates purchase lifecycle states.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "PENDING"
	PurchaseCompleted PurchaseStatus = "COMPLETED"
)

// Line is one product quantity owned by a requisition or purchase.
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

// Requisition expresses intent to purchase, subject to approval.
type Requisition struct {
	ID          int64
	RequesterID int64
	Description string
	Status      RequisitionStatus
	DecidedBy   int64
	DecidedAt   time.Time
	CreatedAt   time.Time
	Lines       []Line
}

// Purchase is a committed order to a supplier.
type Purchase struct {
	ID                  int64
	SupplierID          int64
	RequesterID         int64
	PurchaseDate        time.Time
	TotalAmount         decimal.Decimal
	SourceRequisitionID int64
	Status              PurchaseStatus
	WarehouseID         int64
	CompletedAt         time.Time
	CreatedAt           time.Time
	Lines               []Line
}

// NewRequisition holds the input of a requisition.
type NewRequisition struct {
	RequesterID int64
	Description string
	Lines       []LineInput
}

// NewPurchase holds the input of a purchase. SourceRequisitionID is zero
// for standalone purchases.
type NewPurchase struct {
	SupplierID          int64
	RequesterID         int64
	PurchaseDate        time.Time
	TotalAmount         decimal.Decimal
	SourceRequisitionID int64
	Lines               []LineInput
}

// RequisitionHeader carries editable requisition fields.
type RequisitionHeader struct {
	Description string
}

// PurchaseHeader carries editable purchase fields.
type PurchaseHeader struct {
	SupplierID   int64
	PurchaseDate time.Time
	TotalAmount  decimal.Decimal
}

// RequisitionFilter narrows requisition listings.
type RequisitionFilter struct {
	Status RequisitionStatus
	Page   shared.Page
}

// PurchaseFilter narrows purchase listings.
type PurchaseFilter struct {
	Status     PurchaseStatus
	SupplierID int64
	Page       shared.Page
}
