package procurement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

func (p *Purchase) ensurePending(op string) error {
	if p.Status != PurchasePending {
		return shared.NewError(shared.ErrInvalidTransition, entityPurchase, p.ID, fmt.Sprintf("cannot %s in status %s", op, p.Status))
	}
	return nil
}

func (p *Purchase) markCompleted(warehouseID int64, at time.Time) error {
	if err := p.ensurePending("complete"); err != nil {
		return err
	}
	if len(p.Lines) == 0 {
		return shared.NewError(shared.ErrInvalidTransition, entityPurchase, p.ID, "cannot complete without lines")
	}
	p.Status = PurchaseCompleted
	p.WarehouseID = warehouseID
	p.CompletedAt = at
	return nil
}

func validateHeader(id, supplierID int64, purchaseDate time.Time, amount decimal.Decimal) error {
	if supplierID <= 0 {
		return shared.Validation(entityPurchase, id, "supplier required")
	}
	if purchaseDate.IsZero() {
		return shared.Validation(entityPurchase, id, "purchase date required")
	}
	if amount.IsNegative() {
		return shared.Validation(entityPurchase, id, "total amount must be >= 0")
	}
	return nil
}

// CreatePurchase stores a new PENDING purchase. When SourceRequisitionID is
// set the requisition must be APPROVED and not back another purchase.
func (m *Machine) CreatePurchase(ctx context.Context, tx TxRepository, in NewPurchase) (Purchase, error) {
	if in.RequesterID <= 0 {
		return Purchase{}, shared.Validation(entityPurchase, 0, "requester required")
	}
	if err := validateHeader(0, in.SupplierID, in.PurchaseDate, in.TotalAmount); err != nil {
		return Purchase{}, err
	}
	if len(in.Lines) > 0 {
		if err := validateLines(entityPurchase, 0, in.Lines); err != nil {
			return Purchase{}, err
		}
	}
	if in.SourceRequisitionID != 0 {
		if _, err := m.linkableRequisition(ctx, tx, in.SourceRequisitionID); err != nil {
			return Purchase{}, err
		}
	}
	return m.insertPurchase(ctx, tx, in)
}

// GeneratePurchase creates a PENDING purchase from an APPROVED requisition,
// copying its lines.
func (m *Machine) GeneratePurchase(ctx context.Context, tx TxRepository, requisitionID, supplierID int64, purchaseDate time.Time, amount decimal.Decimal) (Purchase, error) {
	if err := validateHeader(0, supplierID, purchaseDate, amount); err != nil {
		return Purchase{}, err
	}
	req, err := m.linkableRequisition(ctx, tx, requisitionID)
	if err != nil {
		return Purchase{}, err
	}
	lines := make([]LineInput, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, LineInput{ProductID: line.ProductID, Qty: line.Qty})
	}
	return m.insertPurchase(ctx, tx, NewPurchase{
		SupplierID:          supplierID,
		RequesterID:         req.RequesterID,
		PurchaseDate:        purchaseDate,
		TotalAmount:         amount,
		SourceRequisitionID: requisitionID,
		Lines:               lines,
	})
}

// linkableRequisition locks the requisition so that concurrent link attempts
// serialise on it.
func (m *Machine) linkableRequisition(ctx context.Context, tx TxRepository, id int64) (Requisition, error) {
	req, err := tx.LockRequisition(ctx, id)
	if err != nil {
		return Requisition{}, err
	}
	if req.Status != RequisitionApproved {
		return Requisition{}, shared.NewError(shared.ErrInvalidTransition, entityRequisition, id, fmt.Sprintf("cannot back a purchase in status %s", req.Status))
	}
	linked, err := tx.PurchaseForRequisition(ctx, id)
	if err != nil {
		return Requisition{}, err
	}
	if linked != 0 {
		return Requisition{}, shared.NewError(shared.ErrAlreadyLinked, entityRequisition, id, fmt.Sprintf("backs purchase %d", linked))
	}
	return req, nil
}

func (m *Machine) insertPurchase(ctx context.Context, tx TxRepository, in NewPurchase) (Purchase, error) {
	p := Purchase{
		SupplierID:          in.SupplierID,
		RequesterID:         in.RequesterID,
		PurchaseDate:        in.PurchaseDate,
		TotalAmount:         in.TotalAmount,
		SourceRequisitionID: in.SourceRequisitionID,
		Status:              PurchasePending,
		CreatedAt:           m.now(),
	}
	id, err := tx.InsertPurchase(ctx, p)
	if err != nil {
		return Purchase{}, err
	}
	p.ID = id
	for _, li := range in.Lines {
		line := Line{ParentID: id, ProductID: li.ProductID, Qty: li.Qty}
		if line.ID, err = tx.InsertPurchaseLine(ctx, line); err != nil {
			return Purchase{}, err
		}
		p.Lines = append(p.Lines, line)
	}
	return p, nil
}

// EditPurchase replaces the editable header fields of a PENDING purchase.
func (m *Machine) EditPurchase(ctx context.Context, tx TxRepository, id int64, header PurchaseHeader) (Purchase, error) {
	p, err := tx.LockPurchase(ctx, id)
	if err != nil {
		return Purchase{}, err
	}
	if err := p.ensurePending("edit"); err != nil {
		return Purchase{}, err
	}
	if err := validateHeader(id, header.SupplierID, header.PurchaseDate, header.TotalAmount); err != nil {
		return Purchase{}, err
	}
	p.SupplierID = header.SupplierID
	p.PurchaseDate = header.PurchaseDate
	p.TotalAmount = header.TotalAmount
	if err := tx.UpdatePurchase(ctx, p); err != nil {
		return Purchase{}, err
	}
	return p, nil
}

// DeletePurchase removes a PENDING purchase and its lines, releasing its
// source requisition.
func (m *Machine) DeletePurchase(ctx context.Context, tx TxRepository, id int64) error {
	p, err := tx.LockPurchase(ctx, id)
	if err != nil {
		return err
	}
	if err := p.ensurePending("delete"); err != nil {
		return err
	}
	return tx.DeletePurchase(ctx, id)
}

// AddPurchaseLine appends a line to a PENDING purchase.
func (m *Machine) AddPurchaseLine(ctx context.Context, tx TxRepository, id int64, in LineInput) (Purchase, error) {
	p, err := tx.LockPurchase(ctx, id)
	if err != nil {
		return Purchase{}, err
	}
	if err := p.ensurePending("add line"); err != nil {
		return Purchase{}, err
	}
	if err := validateLine(entityPurchase, id, in); err != nil {
		return Purchase{}, err
	}
	line := Line{ParentID: id, ProductID: in.ProductID, Qty: in.Qty}
	if line.ID, err = tx.InsertPurchaseLine(ctx, line); err != nil {
		return Purchase{}, err
	}
	p.Lines = append(p.Lines, line)
	return p, nil
}

// UpdatePurchaseLine changes the quantity of a line of a PENDING purchase.
func (m *Machine) UpdatePurchaseLine(ctx context.Context, tx TxRepository, id, lineID, qty int64) (Purchase, error) {
	p, err := tx.LockPurchase(ctx, id)
	if err != nil {
		return Purchase{}, err
	}
	if err := p.ensurePending("update line"); err != nil {
		return Purchase{}, err
	}
	idx := findLine(p.Lines, lineID)
	if idx < 0 {
		return Purchase{}, lineNotFound(entityPurchase, id, lineID)
	}
	if qty <= 0 || qty > shared.MaxLineQty {
		return Purchase{}, shared.LineError(shared.ErrValidation, entityPurchase, id, lineID, fmt.Sprintf("quantity must be between 1 and %d, got %d", shared.MaxLineQty, qty))
	}
	p.Lines[idx].Qty = qty
	if err := tx.UpdatePurchaseLine(ctx, p.Lines[idx]); err != nil {
		return Purchase{}, err
	}
	return p, nil
}

// RemovePurchaseLine deletes a line of a PENDING purchase.
func (m *Machine) RemovePurchaseLine(ctx context.Context, tx TxRepository, id, lineID int64) (Purchase, error) {
	p, err := tx.LockPurchase(ctx, id)
	if err != nil {
		return Purchase{}, err
	}
	if err := p.ensurePending("remove line"); err != nil {
		return Purchase{}, err
	}
	idx := findLine(p.Lines, lineID)
	if idx < 0 {
		return Purchase{}, lineNotFound(entityPurchase, id, lineID)
	}
	if err := tx.DeletePurchaseLine(ctx, id, lineID); err != nil {
		return Purchase{}, err
	}
	p.Lines = append(p.Lines[:idx], p.Lines[idx+1:]...)
	return p, nil
}

// MarkCompleted moves a PENDING purchase with lines to COMPLETED. Stock is
// credited by the caller inside the same unit of work.
func (m *Machine) MarkCompleted(ctx context.Context, tx TxRepository, id, warehouseID int64) (Purchase, error) {
	p, err := tx.LockPurchase(ctx, id)
	if err != nil {
		return Purchase{}, err
	}
	if err := p.markCompleted(warehouseID, m.now()); err != nil {
		return Purchase{}, err
	}
	if err := tx.UpdatePurchase(ctx, p); err != nil {
		return Purchase{}, err
	}
	return p, nil
}
