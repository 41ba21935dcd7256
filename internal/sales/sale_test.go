package sales

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

type memorySalesRepo struct {
	sales  map[int64]Sale
	nextID int64
}

func newMemorySalesRepo() *memorySalesRepo {
	return &memorySalesRepo{sales: make(map[int64]Sale)}
}

func (r *memorySalesRepo) InsertSale(ctx context.Context, sale Sale) (int64, error) {
	r.nextID++
	sale.ID = r.nextID
	r.sales[sale.ID] = sale
	return sale.ID, nil
}

func (r *memorySalesRepo) GetSale(ctx context.Context, id int64) (Sale, error) {
	sale, ok := r.sales[id]
	if !ok {
		return Sale{}, shared.NewError(shared.ErrNotFound, entitySale, id, "")
	}
	sale.Lines = append([]Line(nil), sale.Lines...)
	return sale, nil
}

func (r *memorySalesRepo) LockSale(ctx context.Context, id int64) (Sale, error) {
	return r.GetSale(ctx, id)
}

func (r *memorySalesRepo) ListSales(ctx context.Context, filter Filter) ([]Sale, error) {
	var result []Sale
	for _, sale := range r.sales {
		if filter.Status == "" || sale.Status == filter.Status {
			result = append(result, sale)
		}
	}
	return result, nil
}

func (r *memorySalesRepo) UpdateSale(ctx context.Context, sale Sale) error {
	sale.Lines = r.sales[sale.ID].Lines
	r.sales[sale.ID] = sale
	return nil
}

func (r *memorySalesRepo) DeleteSale(ctx context.Context, id int64) error {
	delete(r.sales, id)
	return nil
}

func (r *memorySalesRepo) InsertLine(ctx context.Context, line Line) (int64, error) {
	r.nextID++
	line.ID = r.nextID
	sale := r.sales[line.ParentID]
	sale.Lines = append(sale.Lines, line)
	r.sales[line.ParentID] = sale
	return line.ID, nil
}

func (r *memorySalesRepo) UpdateLine(ctx context.Context, line Line) error {
	sale := r.sales[line.ParentID]
	sale.Lines[findLine(sale.Lines, line.ID)] = line
	return nil
}

func (r *memorySalesRepo) DeleteLine(ctx context.Context, saleID, lineID int64) error {
	sale := r.sales[saleID]
	idx := findLine(sale.Lines, lineID)
	sale.Lines = append(sale.Lines[:idx], sale.Lines[idx+1:]...)
	r.sales[saleID] = sale
	return nil
}

var saleDate = time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)

func TestCreateSaleValidation(t *testing.T) {
	m := NewMachine()
	repo := newMemorySalesRepo()
	ctx := context.Background()

	_, err := m.Create(ctx, repo, NewSale{ClientID: 0, SellerID: 1, SaleDate: saleDate})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = m.Create(ctx, repo, NewSale{ClientID: 1, SellerID: 1, SaleDate: saleDate, TotalAmount: decimal.NewFromInt(-5)})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = m.Create(ctx, repo, NewSale{ClientID: 1, SellerID: 1, SaleDate: saleDate, Lines: []LineInput{{ProductID: 7, Qty: -2}}})
	require.ErrorIs(t, err, shared.ErrValidation)

	sale, err := m.Create(ctx, repo, NewSale{ClientID: 1, SellerID: 2, SaleDate: saleDate, TotalAmount: decimal.RequireFromString("99.90")})
	require.NoError(t, err)
	require.Equal(t, StatusPending, sale.Status)
	require.Empty(t, sale.Lines)
}

func TestSaleCompletionGuards(t *testing.T) {
	m := NewMachine()
	repo := newMemorySalesRepo()
	ctx := context.Background()

	sale, err := m.Create(ctx, repo, NewSale{ClientID: 1, SellerID: 2, SaleDate: saleDate})
	require.NoError(t, err)

	_, err = m.MarkCompleted(ctx, repo, sale.ID, 1)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	sale, err = m.AddLine(ctx, repo, sale.ID, LineInput{ProductID: 7, Qty: 20})
	require.NoError(t, err)
	sale, err = m.UpdateLine(ctx, repo, sale.ID, sale.Lines[0].ID, 12)
	require.NoError(t, err)
	require.EqualValues(t, 12, sale.Lines[0].Qty)

	done, err := m.MarkCompleted(ctx, repo, sale.ID, 1)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.EqualValues(t, 1, done.WarehouseID)

	_, err = m.MarkCompleted(ctx, repo, sale.ID, 1)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	_, err = m.RemoveLine(ctx, repo, sale.ID, done.Lines[0].ID)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	_, err = m.Edit(ctx, repo, sale.ID, Header{ClientID: 3, SaleDate: saleDate})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	require.ErrorIs(t, m.Delete(ctx, repo, sale.ID), shared.ErrInvalidTransition)
}

func TestEditAndDeletePendingSale(t *testing.T) {
	m := NewMachine()
	repo := newMemorySalesRepo()
	ctx := context.Background()

	sale, err := m.Create(ctx, repo, NewSale{ClientID: 1, SellerID: 2, SaleDate: saleDate, Lines: []LineInput{{ProductID: 7, Qty: 1}}})
	require.NoError(t, err)

	edited, err := m.Edit(ctx, repo, sale.ID, Header{ClientID: 4, SaleDate: saleDate.AddDate(0, 0, 1), TotalAmount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	require.EqualValues(t, 4, edited.ClientID)
	require.Len(t, edited.Lines, 1)

	_, err = m.RemoveLine(ctx, repo, sale.ID, 404)
	require.ErrorIs(t, err, shared.ErrNotFound)

	require.NoError(t, m.Delete(ctx, repo, sale.ID))
	_, err = repo.GetSale(ctx, sale.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}
