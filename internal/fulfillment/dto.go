package fulfillment

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/procurement"
	"github.com/odyssey-erp/fulfillment/internal/sales"
)

const dateLayout = "2006-01-02"

// date accepts either a calendar date or an RFC3339 timestamp.
type date struct {
	time.Time
}

func (d *date) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		d.Time = time.Time{}
		return nil
	}
	if t, err := time.Parse(dateLayout, raw); err == nil {
		d.Time = t
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return err
	}
	d.Time = t.UTC()
	return nil
}

type lineRequest struct {
	ProductID int64 `json:"product_id" validate:"gt=0"`
	Qty       int64 `json:"qty" validate:"gt=0,max=1000000000"`
}

type lineQtyRequest struct {
	Qty int64 `json:"qty" validate:"gt=0,max=1000000000"`
}

type createRequisitionRequest struct {
	Description string        `json:"description" validate:"max=1000"`
	Lines       []lineRequest `json:"lines" validate:"dive"`
}

type requisitionHeaderRequest struct {
	Description string `json:"description" validate:"max=1000"`
}

type generatePurchaseRequest struct {
	SupplierID   int64           `json:"supplier_id" validate:"gt=0"`
	PurchaseDate date            `json:"purchase_date"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
}

type createPurchaseRequest struct {
	SupplierID          int64           `json:"supplier_id" validate:"gt=0"`
	PurchaseDate        date            `json:"purchase_date"`
	TotalAmount         decimal.Decimal `json:"total_amount"`
	SourceRequisitionID int64           `json:"source_requisition_id" validate:"gte=0"`
	Lines               []lineRequest   `json:"lines" validate:"dive"`
}

type purchaseHeaderRequest struct {
	SupplierID   int64           `json:"supplier_id" validate:"gt=0"`
	PurchaseDate date            `json:"purchase_date"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
}

type createSaleRequest struct {
	ClientID    int64           `json:"client_id" validate:"gt=0"`
	SaleDate    date            `json:"sale_date"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Lines       []lineRequest   `json:"lines" validate:"dive"`
}

type saleHeaderRequest struct {
	ClientID    int64           `json:"client_id" validate:"gt=0"`
	SaleDate    date            `json:"sale_date"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

type completeRequest struct {
	WarehouseID int64 `json:"warehouse_id" validate:"gt=0"`
}

type adjustmentLine struct {
	WarehouseID int64 `json:"warehouse_id" validate:"gt=0"`
	ProductID   int64 `json:"product_id" validate:"gt=0"`
	Delta       int64 `json:"delta" validate:"ne=0"`
}

type adjustmentRequest struct {
	Adjustments []adjustmentLine `json:"adjustments" validate:"required,min=1,dive"`
}

func procurementLines(in []lineRequest) []procurement.LineInput {
	out := make([]procurement.LineInput, 0, len(in))
	for _, l := range in {
		out = append(out, procurement.LineInput{ProductID: l.ProductID, Qty: l.Qty})
	}
	return out
}

func saleLines(in []lineRequest) []sales.LineInput {
	out := make([]sales.LineInput, 0, len(in))
	for _, l := range in {
		out = append(out, sales.LineInput{ProductID: l.ProductID, Qty: l.Qty})
	}
	return out
}

type lineResponse struct {
	ID        int64 `json:"id"`
	ProductID int64 `json:"product_id"`
	Qty       int64 `json:"qty"`
}

type requisitionResponse struct {
	ID          int64          `json:"id"`
	RequesterID int64          `json:"requester_id"`
	Description string         `json:"description"`
	Status      string         `json:"status"`
	DecidedBy   int64          `json:"decided_by,omitempty"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Lines       []lineResponse `json:"lines"`
}

type purchaseResponse struct {
	ID                  int64           `json:"id"`
	SupplierID          int64           `json:"supplier_id"`
	RequesterID         int64           `json:"requester_id"`
	PurchaseDate        string          `json:"purchase_date"`
	TotalAmount         decimal.Decimal `json:"total_amount"`
	SourceRequisitionID int64           `json:"source_requisition_id,omitempty"`
	Status              string          `json:"status"`
	WarehouseID         int64           `json:"warehouse_id,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	Lines               []lineResponse  `json:"lines"`
}

type saleResponse struct {
	ID          int64           `json:"id"`
	ClientID    int64           `json:"client_id"`
	SellerID    int64           `json:"seller_id"`
	SaleDate    string          `json:"sale_date"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Status      string          `json:"status"`
	WarehouseID int64           `json:"warehouse_id,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Lines       []lineResponse  `json:"lines"`
}

type stockResponse struct {
	WarehouseID int64 `json:"warehouse_id"`
	ProductID   int64 `json:"product_id"`
	Qty         int64 `json:"qty"`
}

type movementResponse struct {
	ID           int64     `json:"id"`
	Delta        int64     `json:"delta"`
	BalanceAfter int64     `json:"balance_after"`
	RefModule    string    `json:"ref_module"`
	RefID        string    `json:"ref_id"`
	PostedAt     time.Time `json:"posted_at"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toRequisitionResponse(r procurement.Requisition) requisitionResponse {
	lines := make([]lineResponse, 0, len(r.Lines))
	for _, l := range r.Lines {
		lines = append(lines, lineResponse{ID: l.ID, ProductID: l.ProductID, Qty: l.Qty})
	}
	return requisitionResponse{
		ID:          r.ID,
		RequesterID: r.RequesterID,
		Description: r.Description,
		Status:      string(r.Status),
		DecidedBy:   r.DecidedBy,
		DecidedAt:   optionalTime(r.DecidedAt),
		CreatedAt:   r.CreatedAt,
		Lines:       lines,
	}
}

func toPurchaseResponse(p procurement.Purchase) purchaseResponse {
	lines := make([]lineResponse, 0, len(p.Lines))
	for _, l := range p.Lines {
		lines = append(lines, lineResponse{ID: l.ID, ProductID: l.ProductID, Qty: l.Qty})
	}
	return purchaseResponse{
		ID:                  p.ID,
		SupplierID:          p.SupplierID,
		RequesterID:         p.RequesterID,
		PurchaseDate:        p.PurchaseDate.Format(dateLayout),
		TotalAmount:         p.TotalAmount,
		SourceRequisitionID: p.SourceRequisitionID,
		Status:              string(p.Status),
		WarehouseID:         p.WarehouseID,
		CompletedAt:         optionalTime(p.CompletedAt),
		CreatedAt:           p.CreatedAt,
		Lines:               lines,
	}
}

func toSaleResponse(s sales.Sale) saleResponse {
	lines := make([]lineResponse, 0, len(s.Lines))
	for _, l := range s.Lines {
		lines = append(lines, lineResponse{ID: l.ID, ProductID: l.ProductID, Qty: l.Qty})
	}
	return saleResponse{
		ID:          s.ID,
		ClientID:    s.ClientID,
		SellerID:    s.SellerID,
		SaleDate:    s.SaleDate.Format(dateLayout),
		TotalAmount: s.TotalAmount,
		Status:      string(s.Status),
		WarehouseID: s.WarehouseID,
		CompletedAt: optionalTime(s.CompletedAt),
		CreatedAt:   s.CreatedAt,
		Lines:       lines,
	}
}

func toStockResponses(balances []inventory.Balance) []stockResponse {
	out := make([]stockResponse, 0, len(balances))
	for _, b := range balances {
		out = append(out, stockResponse{WarehouseID: b.WarehouseID, ProductID: b.ProductID, Qty: b.Qty})
	}
	return out
}

func toMovementResponses(movements []inventory.Movement) []movementResponse {
	out := make([]movementResponse, 0, len(movements))
	for _, m := range movements {
		out = append(out, movementResponse{
			ID:           m.ID,
			Delta:        m.Delta,
			BalanceAfter: m.BalanceAfter,
			RefModule:    string(m.RefModule),
			RefID:        m.RefID,
			PostedAt:     m.PostedAt,
		})
	}
	return out
}
