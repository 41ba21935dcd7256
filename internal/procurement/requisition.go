package procurement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Machine guards requisition and purchase transitions. It never touches
// stock; callers own the unit of work passed as tx.
type Machine struct {
	now func() time.Time
}

// NewMachine constructs a Machine.
func NewMachine() *Machine {
	return &Machine{now: func() time.Time { return time.Now().UTC() }}
}

func (r *Requisition) ensurePending(op string) error {
	if r.Status != RequisitionPending {
		return shared.NewError(shared.ErrInvalidTransition, entityRequisition, r.ID, fmt.Sprintf("cannot %s in status %s", op, r.Status))
	}
	return nil
}

func (r *Requisition) decide(status RequisitionStatus, actorID int64, at time.Time) error {
	op := "approve"
	if status == RequisitionRejected {
		op = "reject"
	}
	if err := r.ensurePending(op); err != nil {
		return err
	}
	if status == RequisitionApproved && len(r.Lines) == 0 {
		return shared.NewError(shared.ErrInvalidTransition, entityRequisition, r.ID, "cannot approve without lines")
	}
	r.Status = status
	r.DecidedBy = actorID
	r.DecidedAt = at
	return nil
}

// CreateRequisition stores a new PENDING requisition with its lines.
func (m *Machine) CreateRequisition(ctx context.Context, tx TxRepository, in NewRequisition) (Requisition, error) {
	if in.RequesterID <= 0 {
		return Requisition{}, shared.Validation(entityRequisition, 0, "requester required")
	}
	if err := validateLines(entityRequisition, 0, in.Lines); err != nil {
		return Requisition{}, err
	}
	req := Requisition{
		RequesterID: in.RequesterID,
		Description: strings.TrimSpace(in.Description),
		Status:      RequisitionPending,
		CreatedAt:   m.now(),
	}
	id, err := tx.InsertRequisition(ctx, req)
	if err != nil {
		return Requisition{}, err
	}
	req.ID = id
	for _, li := range in.Lines {
		line := Line{ParentID: id, ProductID: li.ProductID, Qty: li.Qty}
		if line.ID, err = tx.InsertRequisitionLine(ctx, line); err != nil {
			return Requisition{}, err
		}
		req.Lines = append(req.Lines, line)
	}
	return req, nil
}

// ApproveRequisition moves a PENDING requisition with lines to APPROVED.
func (m *Machine) ApproveRequisition(ctx context.Context, tx TxRepository, id, actorID int64) (Requisition, error) {
	return m.decideRequisition(ctx, tx, id, actorID, RequisitionApproved)
}

// RejectRequisition moves a PENDING requisition to REJECTED. Rejection is
// terminal.
func (m *Machine) RejectRequisition(ctx context.Context, tx TxRepository, id, actorID int64) (Requisition, error) {
	return m.decideRequisition(ctx, tx, id, actorID, RequisitionRejected)
}

func (m *Machine) decideRequisition(ctx context.Context, tx TxRepository, id, actorID int64, status RequisitionStatus) (Requisition, error) {
	req, err := tx.LockRequisition(ctx, id)
	if err != nil {
		return Requisition{}, err
	}
	if err := req.decide(status, actorID, m.now()); err != nil {
		return Requisition{}, err
	}
	if err := tx.UpdateRequisition(ctx, req); err != nil {
		return Requisition{}, err
	}
	return req, nil
}

// EditRequisition replaces the editable header fields of a PENDING requisition.
func (m *Machine) EditRequisition(ctx context.Context, tx TxRepository, id int64, header RequisitionHeader) (Requisition, error) {
	req, err := tx.LockRequisition(ctx, id)
	if err != nil {
		return Requisition{}, err
	}
	if err := req.ensurePending("edit"); err != nil {
		return Requisition{}, err
	}
	req.Description = strings.TrimSpace(header.Description)
	if err := tx.UpdateRequisition(ctx, req); err != nil {
		return Requisition{}, err
	}
	return req, nil
}

// DeleteRequisition removes a PENDING requisition together with its lines.
func (m *Machine) DeleteRequisition(ctx context.Context, tx TxRepository, id int64) error {
	req, err := tx.LockRequisition(ctx, id)
	if err != nil {
		return err
	}
	if err := req.ensurePending("delete"); err != nil {
		return err
	}
	return tx.DeleteRequisition(ctx, id)
}

// AddRequisitionLine appends a line to a PENDING requisition.
func (m *Machine) AddRequisitionLine(ctx context.Context, tx TxRepository, id int64, in LineInput) (Requisition, error) {
	req, err := tx.LockRequisition(ctx, id)
	if err != nil {
		return Requisition{}, err
	}
	if err := req.ensurePending("add line"); err != nil {
		return Requisition{}, err
	}
	if err := validateLine(entityRequisition, id, in); err != nil {
		return Requisition{}, err
	}
	line := Line{ParentID: id, ProductID: in.ProductID, Qty: in.Qty}
	if line.ID, err = tx.InsertRequisitionLine(ctx, line); err != nil {
		return Requisition{}, err
	}
	req.Lines = append(req.Lines, line)
	return req, nil
}

// UpdateRequisitionLine changes the quantity of a line of a PENDING requisition.
func (m *Machine) UpdateRequisitionLine(ctx context.Context, tx TxRepository, id, lineID, qty int64) (Requisition, error) {
	req, err := tx.LockRequisition(ctx, id)
	if err != nil {
		return Requisition{}, err
	}
	if err := req.ensurePending("update line"); err != nil {
		return Requisition{}, err
	}
	idx := findLine(req.Lines, lineID)
	if idx < 0 {
		return Requisition{}, lineNotFound(entityRequisition, id, lineID)
	}
	if qty <= 0 || qty > shared.MaxLineQty {
		return Requisition{}, shared.LineError(shared.ErrValidation, entityRequisition, id, lineID, fmt.Sprintf("quantity must be between 1 and %d, got %d", shared.MaxLineQty, qty))
	}
	req.Lines[idx].Qty = qty
	if err := tx.UpdateRequisitionLine(ctx, req.Lines[idx]); err != nil {
		return Requisition{}, err
	}
	return req, nil
}

// RemoveRequisitionLine deletes a line of a PENDING requisition.
func (m *Machine) RemoveRequisitionLine(ctx context.Context, tx TxRepository, id, lineID int64) (Requisition, error) {
	req, err := tx.LockRequisition(ctx, id)
	if err != nil {
		return Requisition{}, err
	}
	if err := req.ensurePending("remove line"); err != nil {
		return Requisition{}, err
	}
	idx := findLine(req.Lines, lineID)
	if idx < 0 {
		return Requisition{}, lineNotFound(entityRequisition, id, lineID)
	}
	if err := tx.DeleteRequisitionLine(ctx, id, lineID); err != nil {
		return Requisition{}, err
	}
	req.Lines = append(req.Lines[:idx], req.Lines[idx+1:]...)
	return req, nil
}
