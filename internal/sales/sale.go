package sales

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Machine guards sale transitions. Stock is debited by the caller inside
// the same unit of work.
type Machine struct {
	now func() time.Time
}

// NewMachine constructs a Machine.
func NewMachine() *Machine {
	return &Machine{now: func() time.Time { return time.Now().UTC() }}
}

func (s *Sale) ensurePending(op string) error {
	if s.Status != StatusPending {
		return shared.NewError(shared.ErrInvalidTransition, entitySale, s.ID, fmt.Sprintf("cannot %s in status %s", op, s.Status))
	}
	return nil
}

func (s *Sale) markCompleted(warehouseID int64, at time.Time) error {
	if err := s.ensurePending("complete"); err != nil {
		return err
	}
	if len(s.Lines) == 0 {
		return shared.NewError(shared.ErrInvalidTransition, entitySale, s.ID, "cannot complete without lines")
	}
	s.Status = StatusCompleted
	s.WarehouseID = warehouseID
	s.CompletedAt = at
	return nil
}

func validateHeader(id, clientID int64, saleDate time.Time, amount decimal.Decimal) error {
	if clientID <= 0 {
		return shared.Validation(entitySale, id, "client required")
	}
	if saleDate.IsZero() {
		return shared.Validation(entitySale, id, "sale date required")
	}
	if amount.IsNegative() {
		return shared.Validation(entitySale, id, "total amount must be >= 0")
	}
	return nil
}

func validateLine(id int64, line LineInput) error {
	if line.ProductID <= 0 {
		return shared.Validation(entitySale, id, "product required")
	}
	if line.Qty <= 0 {
		return shared.Validation(entitySale, id, fmt.Sprintf("quantity must be positive, got %d", line.Qty))
	}
	if line.Qty > shared.MaxLineQty {
		return shared.Validation(entitySale, id, fmt.Sprintf("quantity %d exceeds %d", line.Qty, shared.MaxLineQty))
	}
	return nil
}

func findLine(lines []Line, lineID int64) int {
	for i, line := range lines {
		if line.ID == lineID {
			return i
		}
	}
	return -1
}

// Create stores a new PENDING sale.
func (m *Machine) Create(ctx context.Context, tx TxRepository, in NewSale) (Sale, error) {
	if in.SellerID <= 0 {
		return Sale{}, shared.Validation(entitySale, 0, "seller required")
	}
	if err := validateHeader(0, in.ClientID, in.SaleDate, in.TotalAmount); err != nil {
		return Sale{}, err
	}
	for i, line := range in.Lines {
		if err := validateLine(0, line); err != nil {
			return Sale{}, fmt.Errorf("line %d: %w", i+1, err)
		}
	}
	sale := Sale{
		ClientID:    in.ClientID,
		SellerID:    in.SellerID,
		SaleDate:    in.SaleDate,
		TotalAmount: in.TotalAmount,
		Status:      StatusPending,
		CreatedAt:   m.now(),
	}
	id, err := tx.InsertSale(ctx, sale)
	if err != nil {
		return Sale{}, err
	}
	sale.ID = id
	for _, li := range in.Lines {
		line := Line{ParentID: id, ProductID: li.ProductID, Qty: li.Qty}
		if line.ID, err = tx.InsertLine(ctx, line); err != nil {
			return Sale{}, err
		}
		sale.Lines = append(sale.Lines, line)
	}
	return sale, nil
}

// Edit replaces the editable header fields of a PENDING sale.
func (m *Machine) Edit(ctx context.Context, tx TxRepository, id int64, header Header) (Sale, error) {
	sale, err := tx.LockSale(ctx, id)
	if err != nil {
		return Sale{}, err
	}
	if err := sale.ensurePending("edit"); err != nil {
		return Sale{}, err
	}
	if err := validateHeader(id, header.ClientID, header.SaleDate, header.TotalAmount); err != nil {
		return Sale{}, err
	}
	sale.ClientID = header.ClientID
	sale.SaleDate = header.SaleDate
	sale.TotalAmount = header.TotalAmount
	if err := tx.UpdateSale(ctx, sale); err != nil {
		return Sale{}, err
	}
	return sale, nil
}

// Delete removes a PENDING sale and its lines.
func (m *Machine) Delete(ctx context.Context, tx TxRepository, id int64) error {
	sale, err := tx.LockSale(ctx, id)
	if err != nil {
		return err
	}
	if err := sale.ensurePending("delete"); err != nil {
		return err
	}
	return tx.DeleteSale(ctx, id)
}

// AddLine appends a line to a PENDING sale.
func (m *Machine) AddLine(ctx context.Context, tx TxRepository, id int64, in LineInput) (Sale, error) {
	sale, err := tx.LockSale(ctx, id)
	if err != nil {
		return Sale{}, err
	}
	if err := sale.ensurePending("add line"); err != nil {
		return Sale{}, err
	}
	if err := validateLine(id, in); err != nil {
		return Sale{}, err
	}
	line := Line{ParentID: id, ProductID: in.ProductID, Qty: in.Qty}
	if line.ID, err = tx.InsertLine(ctx, line); err != nil {
		return Sale{}, err
	}
	sale.Lines = append(sale.Lines, line)
	return sale, nil
}

// UpdateLine changes the quantity of a line of a PENDING sale.
func (m *Machine) UpdateLine(ctx context.Context, tx TxRepository, id, lineID, qty int64) (Sale, error) {
	sale, err := tx.LockSale(ctx, id)
	if err != nil {
		return Sale{}, err
	}
	if err := sale.ensurePending("update line"); err != nil {
		return Sale{}, err
	}
	idx := findLine(sale.Lines, lineID)
	if idx < 0 {
		return Sale{}, shared.LineError(shared.ErrNotFound, entitySale, id, lineID, "line not found")
	}
	if qty <= 0 || qty > shared.MaxLineQty {
		return Sale{}, shared.LineError(shared.ErrValidation, entitySale, id, lineID, fmt.Sprintf("quantity must be between 1 and %d, got %d", shared.MaxLineQty, qty))
	}
	sale.Lines[idx].Qty = qty
	if err := tx.UpdateLine(ctx, sale.Lines[idx]); err != nil {
		return Sale{}, err
	}
	return sale, nil
}

// RemoveLine deletes a line of a PENDING sale.
func (m *Machine) RemoveLine(ctx context.Context, tx TxRepository, id, lineID int64) (Sale, error) {
	sale, err := tx.LockSale(ctx, id)
	if err != nil {
		return Sale{}, err
	}
	if err := sale.ensurePending("remove line"); err != nil {
		return Sale{}, err
	}
	idx := findLine(sale.Lines, lineID)
	if idx < 0 {
		return Sale{}, shared.LineError(shared.ErrNotFound, entitySale, id, lineID, "line not found")
	}
	if err := tx.DeleteLine(ctx, id, lineID); err != nil {
		return Sale{}, err
	}
	sale.Lines = append(sale.Lines[:idx], sale.Lines[idx+1:]...)
	return sale, nil
}

// MarkCompleted moves a PENDING sale with lines to COMPLETED.
func (m *Machine) MarkCompleted(ctx context.Context, tx TxRepository, id, warehouseID int64) (Sale, error) {
	sale, err := tx.LockSale(ctx, id)
	if err != nil {
		return Sale{}, err
	}
	if err := sale.markCompleted(warehouseID, m.now()); err != nil {
		return Sale{}, err
	}
	if err := tx.UpdateSale(ctx, sale); err != nil {
		return Sale{}, err
	}
	return sale, nil
}
