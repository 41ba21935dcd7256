package procurement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/odyssey-erp/fulfillment/internal/platform/db"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

const sourceRequisitionConstraint = "purchases_source_requisition_key"

// TxRepository exposes the requisition and purchase rows of one unit of work.
// Lock methods hold the order row until the unit ends.
type TxRepository interface {
	InsertRequisition(ctx context.Context, req Requisition) (int64, error)
	GetRequisition(ctx context.Context, id int64) (Requisition, error)
	LockRequisition(ctx context.Context, id int64) (Requisition, error)
	ListRequisitions(ctx context.Context, filter RequisitionFilter) ([]Requisition, error)
	UpdateRequisition(ctx context.Context, req Requisition) error
	DeleteRequisition(ctx context.Context, id int64) error
	InsertRequisitionLine(ctx context.Context, line Line) (int64, error)
	UpdateRequisitionLine(ctx context.Context, line Line) error
	DeleteRequisitionLine(ctx context.Context, requisitionID, lineID int64) error

	InsertPurchase(ctx context.Context, p Purchase) (int64, error)
	GetPurchase(ctx context.Context, id int64) (Purchase, error)
	LockPurchase(ctx context.Context, id int64) (Purchase, error)
	ListPurchases(ctx context.Context, filter PurchaseFilter) ([]Purchase, error)
	UpdatePurchase(ctx context.Context, p Purchase) error
	DeletePurchase(ctx context.Context, id int64) error
	InsertPurchaseLine(ctx context.Context, line Line) (int64, error)
	UpdatePurchaseLine(ctx context.Context, line Line) error
	DeletePurchaseLine(ctx context.Context, purchaseID, lineID int64) error
	// PurchaseForRequisition returns the id of the purchase backed by the
	// requisition, zero when none.
	PurchaseForRequisition(ctx context.Context, requisitionID int64) (int64, error)
}

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

type txRepo struct {
	db dbtx
}

// NewTxRepository binds the procurement queries to an open transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{db: tx}
}

const requisitionColumns = `id, requester_id, description, status, decided_by, decided_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequisition(row rowScanner) (Requisition, error) {
	var req Requisition
	var status string
	var decidedBy pgtype.Int8
	var decidedAt pgtype.Timestamptz
	if err := row.Scan(&req.ID, &req.RequesterID, &req.Description, &status, &decidedBy, &decidedAt, &req.CreatedAt); err != nil {
		return Requisition{}, err
	}
	req.Status = RequisitionStatus(status)
	if decidedBy.Valid {
		req.DecidedBy = decidedBy.Int64
	}
	if decidedAt.Valid {
		req.DecidedAt = decidedAt.Time
	}
	return req, nil
}

func (r *txRepo) InsertRequisition(ctx context.Context, req Requisition) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO requisitions (requester_id, description, status, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`, req.RequesterID, req.Description, string(req.Status), req.CreatedAt).Scan(&id)
	return id, shared.Persistence(err)
}

func (r *txRepo) GetRequisition(ctx context.Context, id int64) (Requisition, error) {
	return r.loadRequisition(ctx, id, "")
}

func (r *txRepo) LockRequisition(ctx context.Context, id int64) (Requisition, error) {
	return r.loadRequisition(ctx, id, " FOR UPDATE")
}

func (r *txRepo) loadRequisition(ctx context.Context, id int64, suffix string) (Requisition, error) {
	req, err := scanRequisition(r.db.QueryRow(ctx, `SELECT `+requisitionColumns+` FROM requisitions WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Requisition{}, shared.NewError(shared.ErrNotFound, entityRequisition, id, "")
	}
	if err != nil {
		return Requisition{}, shared.Persistence(err)
	}
	lines, err := r.lines(ctx, "requisition_lines", "requisition_id", []int64{id})
	if err != nil {
		return Requisition{}, err
	}
	req.Lines = lines[id]
	return req, nil
}

func (r *txRepo) ListRequisitions(ctx context.Context, filter RequisitionFilter) ([]Requisition, error) {
	page := filter.Page.Normalize()
	query := `SELECT ` + requisitionColumns + ` FROM requisitions`
	args := []interface{}{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` WHERE status = $1`
	}
	args = append(args, page.Limit, page.Offset)
	query += fmt.Sprintf(` ORDER BY id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, shared.Persistence(err)
	}
	var result []Requisition
	var ids []int64
	for rows.Next() {
		req, err := scanRequisition(rows)
		if err != nil {
			rows.Close()
			return nil, shared.Persistence(err)
		}
		result = append(result, req)
		ids = append(ids, req.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, shared.Persistence(err)
	}
	lines, err := r.lines(ctx, "requisition_lines", "requisition_id", ids)
	if err != nil {
		return nil, err
	}
	for i := range result {
		result[i].Lines = lines[result[i].ID]
	}
	return result, nil
}

func (r *txRepo) UpdateRequisition(ctx context.Context, req Requisition) error {
	var decidedBy pgtype.Int8
	var decidedAt pgtype.Timestamptz
	if !req.DecidedAt.IsZero() {
		decidedBy = pgtype.Int8{Int64: req.DecidedBy, Valid: true}
		decidedAt = pgtype.Timestamptz{Time: req.DecidedAt, Valid: true}
	}
	_, err := r.db.Exec(ctx, `
		UPDATE requisitions
		SET description = $2, status = $3, decided_by = $4, decided_at = $5
		WHERE id = $1`, req.ID, req.Description, string(req.Status), decidedBy, decidedAt)
	return shared.Persistence(err)
}

func (r *txRepo) DeleteRequisition(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM requisitions WHERE id = $1`, id)
	return shared.Persistence(err)
}

func (r *txRepo) InsertRequisitionLine(ctx context.Context, line Line) (int64, error) {
	return r.insertLine(ctx, "requisition_lines", "requisition_id", line)
}

func (r *txRepo) UpdateRequisitionLine(ctx context.Context, line Line) error {
	return r.updateLine(ctx, "requisition_lines", "requisition_id", line)
}

func (r *txRepo) DeleteRequisitionLine(ctx context.Context, requisitionID, lineID int64) error {
	return r.deleteLine(ctx, "requisition_lines", "requisition_id", requisitionID, lineID)
}

const purchaseColumns = `id, supplier_id, requester_id, purchase_date, total_amount, source_requisition_id, status, warehouse_id, completed_at, created_at`

func scanPurchase(row rowScanner) (Purchase, error) {
	var p Purchase
	var status string
	var source, warehouse pgtype.Int8
	var completedAt pgtype.Timestamptz
	if err := row.Scan(&p.ID, &p.SupplierID, &p.RequesterID, &p.PurchaseDate, &p.TotalAmount, &source, &status, &warehouse, &completedAt, &p.CreatedAt); err != nil {
		return Purchase{}, err
	}
	p.Status = PurchaseStatus(status)
	if source.Valid {
		p.SourceRequisitionID = source.Int64
	}
	if warehouse.Valid {
		p.WarehouseID = warehouse.Int64
	}
	if completedAt.Valid {
		p.CompletedAt = completedAt.Time
	}
	return p, nil
}

func (r *txRepo) InsertPurchase(ctx context.Context, p Purchase) (int64, error) {
	source := pgtype.Int8{Int64: p.SourceRequisitionID, Valid: p.SourceRequisitionID != 0}
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO purchases (supplier_id, requester_id, purchase_date, total_amount, source_requisition_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`, p.SupplierID, p.RequesterID, p.PurchaseDate, p.TotalAmount, source, string(p.Status), p.CreatedAt).Scan(&id)
	if db.IsUniqueViolation(err, sourceRequisitionConstraint) {
		return 0, shared.NewError(shared.ErrAlreadyLinked, entityRequisition, p.SourceRequisitionID, "backs another purchase")
	}
	return id, shared.Persistence(err)
}

func (r *txRepo) GetPurchase(ctx context.Context, id int64) (Purchase, error) {
	return r.loadPurchase(ctx, id, "")
}

func (r *txRepo) LockPurchase(ctx context.Context, id int64) (Purchase, error) {
	return r.loadPurchase(ctx, id, " FOR UPDATE")
}

func (r *txRepo) loadPurchase(ctx context.Context, id int64, suffix string) (Purchase, error) {
	p, err := scanPurchase(r.db.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Purchase{}, shared.NewError(shared.ErrNotFound, entityPurchase, id, "")
	}
	if err != nil {
		return Purchase{}, shared.Persistence(err)
	}
	lines, err := r.lines(ctx, "purchase_lines", "purchase_id", []int64{id})
	if err != nil {
		return Purchase{}, err
	}
	p.Lines = lines[id]
	return p, nil
}

func (r *txRepo) ListPurchases(ctx context.Context, filter PurchaseFilter) ([]Purchase, error) {
	page := filter.Page.Normalize()
	var conditions []string
	var args []interface{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.SupplierID != 0 {
		args = append(args, filter.SupplierID)
		conditions = append(conditions, fmt.Sprintf("supplier_id = $%d", len(args)))
	}
	query := `SELECT ` + purchaseColumns + ` FROM purchases`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	args = append(args, page.Limit, page.Offset)
	query += fmt.Sprintf(` ORDER BY id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, shared.Persistence(err)
	}
	var result []Purchase
	var ids []int64
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			rows.Close()
			return nil, shared.Persistence(err)
		}
		result = append(result, p)
		ids = append(ids, p.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, shared.Persistence(err)
	}
	lines, err := r.lines(ctx, "purchase_lines", "purchase_id", ids)
	if err != nil {
		return nil, err
	}
	for i := range result {
		result[i].Lines = lines[result[i].ID]
	}
	return result, nil
}

func (r *txRepo) UpdatePurchase(ctx context.Context, p Purchase) error {
	warehouse := pgtype.Int8{Int64: p.WarehouseID, Valid: p.WarehouseID != 0}
	completedAt := pgtype.Timestamptz{Time: p.CompletedAt, Valid: !p.CompletedAt.IsZero()}
	_, err := r.db.Exec(ctx, `
		UPDATE purchases
		SET supplier_id = $2, purchase_date = $3, total_amount = $4, status = $5, warehouse_id = $6, completed_at = $7
		WHERE id = $1`, p.ID, p.SupplierID, p.PurchaseDate, p.TotalAmount, string(p.Status), warehouse, completedAt)
	return shared.Persistence(err)
}

func (r *txRepo) DeletePurchase(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM purchases WHERE id = $1`, id)
	return shared.Persistence(err)
}

func (r *txRepo) InsertPurchaseLine(ctx context.Context, line Line) (int64, error) {
	return r.insertLine(ctx, "purchase_lines", "purchase_id", line)
}

func (r *txRepo) UpdatePurchaseLine(ctx context.Context, line Line) error {
	return r.updateLine(ctx, "purchase_lines", "purchase_id", line)
}

func (r *txRepo) DeletePurchaseLine(ctx context.Context, purchaseID, lineID int64) error {
	return r.deleteLine(ctx, "purchase_lines", "purchase_id", purchaseID, lineID)
}

func (r *txRepo) PurchaseForRequisition(ctx context.Context, requisitionID int64) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `SELECT id FROM purchases WHERE source_requisition_id = $1`, requisitionID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return id, shared.Persistence(err)
}

// Line tables share one shape; table and parent column names are constants
// of this file, never user input.

func (r *txRepo) lines(ctx context.Context, table, parentColumn string, parentIDs []int64) (map[int64][]Line, error) {
	result := make(map[int64][]Line, len(parentIDs))
	if len(parentIDs) == 0 {
		return result, nil
	}
	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		SELECT id, %[2]s, product_id, qty FROM %[1]s
		WHERE %[2]s = ANY($1)
		ORDER BY id`, table, parentColumn), parentIDs)
	if err != nil {
		return nil, shared.Persistence(err)
	}
	defer rows.Close()
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.ParentID, &line.ProductID, &line.Qty); err != nil {
			return nil, shared.Persistence(err)
		}
		result[line.ParentID] = append(result[line.ParentID], line)
	}
	return result, shared.Persistence(rows.Err())
}

func (r *txRepo) insertLine(ctx context.Context, table, parentColumn string, line Line) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s, product_id, qty) VALUES ($1, $2, $3)
		RETURNING id`, table, parentColumn), line.ParentID, line.ProductID, line.Qty).Scan(&id)
	if db.IsForeignKeyViolation(err) {
		return 0, shared.NewError(shared.ErrInvalidReference, "product", line.ProductID, "unknown product")
	}
	return id, shared.Persistence(err)
}

func (r *txRepo) updateLine(ctx context.Context, table, parentColumn string, line Line) error {
	_, err := r.db.Exec(ctx, fmt.Sprintf(`UPDATE %s SET qty = $3 WHERE id = $2 AND %s = $1`, table, parentColumn), line.ParentID, line.ID, line.Qty)
	return shared.Persistence(err)
}

func (r *txRepo) deleteLine(ctx context.Context, table, parentColumn string, parentID, lineID int64) error {
	_, err := r.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $2 AND %s = $1`, table, parentColumn), parentID, lineID)
	return shared.Persistence(err)
}
