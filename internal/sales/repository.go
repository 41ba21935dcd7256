package sales

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

// TxRepository exposes the sale rows of one unit of work.
type TxRepository interface {
	InsertSale(ctx context.Context, sale Sale) (int64, error)
	GetSale(ctx context.Context, id int64) (Sale, error)
	// LockSale reads the sale with its lines and holds the row until the
	// unit ends.
	LockSale(ctx context.Context, id int64) (Sale, error)
	ListSales(ctx context.Context, filter Filter) ([]Sale, error)
	UpdateSale(ctx context.Context, sale Sale) error
	DeleteSale(ctx context.Context, id int64) error
	InsertLine(ctx context.Context, line Line) (int64, error)
	UpdateLine(ctx context.Context, line Line) error
	DeleteLine(ctx context.Context, saleID, lineID int64) error
}

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

type txRepo struct {
	db dbtx
}

// NewTxRepository binds the sale queries to an open transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{db: tx}
}

const saleColumns = `id, client_id, seller_id, sale_date, total_amount, status, warehouse_id, completed_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSale(row rowScanner) (Sale, error) {
	var s Sale
	var status string
	var warehouse pgtype.Int8
	var completedAt pgtype.Timestamptz
	if err := row.Scan(&s.ID, &s.ClientID, &s.SellerID, &s.SaleDate, &s.TotalAmount, &status, &warehouse, &completedAt, &s.CreatedAt); err != nil {
		return Sale{}, err
	}
	s.Status = Status(status)
	if warehouse.Valid {
		s.WarehouseID = warehouse.Int64
	}
	if completedAt.Valid {
		s.CompletedAt = completedAt.Time
	}
	return s, nil
}

func (r *txRepo) InsertSale(ctx context.Context, sale Sale) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO sales (client_id, seller_id, sale_date, total_amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`, sale.ClientID, sale.SellerID, sale.SaleDate, sale.TotalAmount, string(sale.Status), sale.CreatedAt).Scan(&id)
	return id, shared.Persistence(err)
}

func (r *txRepo) GetSale(ctx context.Context, id int64) (Sale, error) {
	return r.load(ctx, id, "")
}

func (r *txRepo) LockSale(ctx context.Context, id int64) (Sale, error) {
	return r.load(ctx, id, " FOR UPDATE")
}

func (r *txRepo) load(ctx context.Context, id int64, suffix string) (Sale, error) {
	sale, err := scanSale(r.db.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Sale{}, shared.NewError(shared.ErrNotFound, entitySale, id, "")
	}
	if err != nil {
		return Sale{}, shared.Persistence(err)
	}
	lines, err := r.lines(ctx, []int64{id})
	if err != nil {
		return Sale{}, err
	}
	sale.Lines = lines[id]
	return sale, nil
}

func (r *txRepo) ListSales(ctx context.Context, filter Filter) ([]Sale, error) {
	page := filter.Page.Normalize()
	var conditions []string
	var args []interface{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ClientID != 0 {
		args = append(args, filter.ClientID)
		conditions = append(conditions, fmt.Sprintf("client_id = $%d", len(args)))
	}
	query := `SELECT ` + saleColumns + ` FROM sales`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	args = append(args, page.Limit, page.Offset)
	query += fmt.Sprintf(` ORDER BY id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, shared.Persistence(err)
	}
	var result []Sale
	var ids []int64
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			rows.Close()
			return nil, shared.Persistence(err)
		}
		result = append(result, sale)
		ids = append(ids, sale.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, shared.Persistence(err)
	}
	lines, err := r.lines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range result {
		result[i].Lines = lines[result[i].ID]
	}
	return result, nil
}

func (r *txRepo) UpdateSale(ctx context.Context, sale Sale) error {
	warehouse := pgtype.Int8{Int64: sale.WarehouseID, Valid: sale.WarehouseID != 0}
	completedAt := pgtype.Timestamptz{Time: sale.CompletedAt, Valid: !sale.CompletedAt.IsZero()}
	_, err := r.db.Exec(ctx, `
		UPDATE sales
		SET client_id = $2, sale_date = $3, total_amount = $4, status = $5, warehouse_id = $6, completed_at = $7
		WHERE id = $1`, sale.ID, sale.ClientID, sale.SaleDate, sale.TotalAmount, string(sale.Status), warehouse, completedAt)
	return shared.Persistence(err)
}

func (r *txRepo) DeleteSale(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM sales WHERE id = $1`, id)
	return shared.Persistence(err)
}

func (r *txRepo) InsertLine(ctx context.Context, line Line) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO sale_lines (sale_id, product_id, qty) VALUES ($1, $2, $3)
		RETURNING id`, line.ParentID, line.ProductID, line.Qty).Scan(&id)
	if db.IsForeignKeyViolation(err) {
		return 0, shared.NewError(shared.ErrInvalidReference, "product", line.ProductID, "unknown product")
	}
	return id, shared.Persistence(err)
}

func (r *txRepo) UpdateLine(ctx context.Context, line Line) error {
	_, err := r.db.Exec(ctx, `UPDATE sale_lines SET qty = $3 WHERE id = $2 AND sale_id = $1`, line.ParentID, line.ID, line.Qty)
	return shared.Persistence(err)
}

func (r *txRepo) DeleteLine(ctx context.Context, saleID, lineID int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM sale_lines WHERE id = $2 AND sale_id = $1`, saleID, lineID)
	return shared.Persistence(err)
}

func (r *txRepo) lines(ctx context.Context, saleIDs []int64) (map[int64][]Line, error) {
	result := make(map[int64][]Line, len(saleIDs))
	if len(saleIDs) == 0 {
		return result, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, sale_id, product_id, qty FROM sale_lines
		WHERE sale_id = ANY($1)
		ORDER BY id`, saleIDs)
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
