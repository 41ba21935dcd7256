package fulfillment

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/procurement"
	"github.com/odyssey-erp/fulfillment/internal/sales"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// lockTable hands out one exclusive slot per row key. Waiters give up when
// their context ends. A slot is dropped once no holder or waiter refers to it.
type lockTable struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{slots: make(map[string]*lockSlot)}
}

func (l *lockTable) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()
	select {
	case slot.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.unref(key, slot)
		l.mu.Unlock()
		return shared.Persistence(ctx.Err())
	}
}

func (l *lockTable) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot := l.slots[key]
	<-slot.ch
	l.unref(key, slot)
}

func (l *lockTable) unref(key string, slot *lockSlot) {
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}

// MemoryStore keeps every table in process memory. Units of work buffer
// their writes and publish them at commit while still holding their row
// locks, so a waiter always reads the committed row.
type MemoryStore struct {
	mu    sync.RWMutex
	locks *lockTable
	seq   atomic.Int64

	warehouses   map[int64]bool
	products     map[int64]bool
	requisitions map[int64]procurement.Requisition
	purchases    map[int64]procurement.Purchase
	sales        map[int64]sales.Sale
	balances     map[inventory.Key]inventory.Balance
	movements    []inventory.Movement
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:        newLockTable(),
		warehouses:   make(map[int64]bool),
		products:     make(map[int64]bool),
		requisitions: make(map[int64]procurement.Requisition),
		purchases:    make(map[int64]procurement.Purchase),
		sales:        make(map[int64]sales.Sale),
		balances:     make(map[inventory.Key]inventory.Balance),
	}
}

// Seed registers warehouses and products.
func (s *MemoryStore) Seed(warehouseIDs, productIDs []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range warehouseIDs {
		s.warehouses[id] = true
	}
	for _, id := range productIDs {
		s.products[id] = true
	}
}

func (s *MemoryStore) nextID() int64 {
	return s.seq.Add(1)
}

// WithTx implements Store.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	if err := ctx.Err(); err != nil {
		return shared.Persistence(err)
	}
	tx := &memTx{
		store:        s,
		held:         make(map[string]bool),
		requisitions: make(map[int64]*procurement.Requisition),
		purchases:    make(map[int64]*procurement.Purchase),
		sales:        make(map[int64]*sales.Sale),
		balances:     make(map[inventory.Key]inventory.Balance),
	}
	defer tx.release()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return shared.Persistence(err)
	}
	tx.commit()
	return nil
}

// InventoryRepository exposes the stock tables to inventory.Service.
func (s *MemoryStore) InventoryRepository() inventory.RepositoryPort {
	return &memInventoryRepo{store: s}
}

// memTx is the write set of one unit of work. Only rows written through it
// are published at commit. A nil entry marks a deleted row.
type memTx struct {
	store *MemoryStore
	held  map[string]bool
	order []string

	requisitions map[int64]*procurement.Requisition
	purchases    map[int64]*procurement.Purchase
	sales        map[int64]*sales.Sale
	balances     map[inventory.Key]inventory.Balance
	movements    []inventory.Movement
}

func (t *memTx) Procurement() procurement.TxRepository { return memProcurement{t} }
func (t *memTx) Sales() sales.TxRepository             { return memSales{t} }
func (t *memTx) Inventory() inventory.TxRepository     { return memInventory{t} }

func (t *memTx) lock(ctx context.Context, key string) error {
	if t.held[key] {
		return nil
	}
	if err := t.store.locks.acquire(ctx, key); err != nil {
		return err
	}
	t.held[key] = true
	t.order = append(t.order, key)
	return nil
}

func (t *memTx) release() {
	for i := len(t.order) - 1; i >= 0; i-- {
		t.store.locks.release(t.order[i])
	}
	t.order = nil
}

func (t *memTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, req := range t.requisitions {
		if req == nil {
			delete(s.requisitions, id)
			continue
		}
		s.requisitions[id] = *req
	}
	for id, p := range t.purchases {
		if p == nil {
			delete(s.purchases, id)
			continue
		}
		s.purchases[id] = *p
	}
	for id, sale := range t.sales {
		if sale == nil {
			delete(s.sales, id)
			continue
		}
		s.sales[id] = *sale
	}
	for key, balance := range t.balances {
		s.balances[key] = balance
	}
	for _, m := range t.movements {
		m.ID = int64(len(s.movements) + 1)
		s.movements = append(s.movements, m)
	}
}

func cloneRequisition(r procurement.Requisition) *procurement.Requisition {
	r.Lines = append([]procurement.Line(nil), r.Lines...)
	return &r
}

func clonePurchase(p procurement.Purchase) *procurement.Purchase {
	p.Lines = append([]procurement.Line(nil), p.Lines...)
	return &p
}

func cloneSale(s sales.Sale) *sales.Sale {
	s.Lines = append([]sales.Line(nil), s.Lines...)
	return &s
}

func (t *memTx) requisition(id int64) (*procurement.Requisition, bool) {
	if req, ok := t.requisitions[id]; ok {
		return req, req != nil
	}
	t.store.mu.RLock()
	req, ok := t.store.requisitions[id]
	t.store.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cloneRequisition(req), true
}

func (t *memTx) purchase(id int64) (*procurement.Purchase, bool) {
	if p, ok := t.purchases[id]; ok {
		return p, p != nil
	}
	t.store.mu.RLock()
	p, ok := t.store.purchases[id]
	t.store.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return clonePurchase(p), true
}

func (t *memTx) sale(id int64) (*sales.Sale, bool) {
	if sale, ok := t.sales[id]; ok {
		return sale, sale != nil
	}
	t.store.mu.RLock()
	sale, ok := t.store.sales[id]
	t.store.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cloneSale(sale), true
}

func (t *memTx) productExists(id int64) bool {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.products[id]
}

func unknownProduct(id int64) error {
	return shared.NewError(shared.ErrInvalidReference, "product", id, "unknown product")
}

func sortedIDs[T any](committed map[int64]T, overlay map[int64]*T) []int64 {
	seen := make(map[int64]bool, len(committed)+len(overlay))
	var ids []int64
	for id := range overlay {
		seen[id] = true
		if overlay[id] != nil {
			ids = append(ids, id)
		}
	}
	for id := range committed {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type memProcurement struct{ *memTx }

func (t memProcurement) InsertRequisition(ctx context.Context, req procurement.Requisition) (int64, error) {
	req.ID = t.store.nextID()
	req.Lines = nil
	t.requisitions[req.ID] = &req
	return req.ID, nil
}

func (t memProcurement) GetRequisition(ctx context.Context, id int64) (procurement.Requisition, error) {
	req, ok := t.requisition(id)
	if !ok {
		return procurement.Requisition{}, shared.NewError(shared.ErrNotFound, "requisition", id, "")
	}
	return *cloneRequisition(*req), nil
}

func (t memProcurement) LockRequisition(ctx context.Context, id int64) (procurement.Requisition, error) {
	if err := t.lock(ctx, shared.OrderLockKey("requisition", id)); err != nil {
		return procurement.Requisition{}, err
	}
	return t.GetRequisition(ctx, id)
}

func (t memProcurement) ListRequisitions(ctx context.Context, filter procurement.RequisitionFilter) ([]procurement.Requisition, error) {
	t.store.mu.RLock()
	ids := sortedIDs(t.store.requisitions, t.requisitions)
	t.store.mu.RUnlock()
	var matched []procurement.Requisition
	for _, id := range ids {
		req, ok := t.requisition(id)
		if !ok || (filter.Status != "" && req.Status != filter.Status) {
			continue
		}
		matched = append(matched, *cloneRequisition(*req))
	}
	start, end := filter.Page.Window(len(matched))
	return matched[start:end], nil
}

func (t memProcurement) UpdateRequisition(ctx context.Context, req procurement.Requisition) error {
	cur, ok := t.requisition(req.ID)
	if !ok {
		return shared.NewError(shared.ErrNotFound, "requisition", req.ID, "")
	}
	req.Lines = cur.Lines
	t.requisitions[req.ID] = &req
	return nil
}

func (t memProcurement) DeleteRequisition(ctx context.Context, id int64) error {
	t.requisitions[id] = nil
	return nil
}

func (t memProcurement) InsertRequisitionLine(ctx context.Context, line procurement.Line) (int64, error) {
	req, ok := t.requisition(line.ParentID)
	if !ok {
		return 0, shared.NewError(shared.ErrNotFound, "requisition", line.ParentID, "")
	}
	if !t.productExists(line.ProductID) {
		return 0, unknownProduct(line.ProductID)
	}
	line.ID = t.store.nextID()
	req.Lines = append(req.Lines, line)
	t.requisitions[req.ID] = req
	return line.ID, nil
}

func (t memProcurement) UpdateRequisitionLine(ctx context.Context, line procurement.Line) error {
	req, ok := t.requisition(line.ParentID)
	if !ok {
		return shared.NewError(shared.ErrNotFound, "requisition", line.ParentID, "")
	}
	for i := range req.Lines {
		if req.Lines[i].ID == line.ID {
			req.Lines[i] = line
		}
	}
	t.requisitions[req.ID] = req
	return nil
}

func (t memProcurement) DeleteRequisitionLine(ctx context.Context, requisitionID, lineID int64) error {
	req, ok := t.requisition(requisitionID)
	if !ok {
		return shared.NewError(shared.ErrNotFound, "requisition", requisitionID, "")
	}
	kept := req.Lines[:0]
	for _, line := range req.Lines {
		if line.ID != lineID {
			kept = append(kept, line)
		}
	}
	req.Lines = kept
	t.requisitions[req.ID] = req
	return nil
}

func (t memProcurement) InsertPurchase(ctx context.Context, p procurement.Purchase) (int64, error) {
	if p.SourceRequisitionID != 0 {
		if linked, _ := t.PurchaseForRequisition(ctx, p.SourceRequisitionID); linked != 0 {
			return 0, shared.NewError(shared.ErrAlreadyLinked, "requisition", p.SourceRequisitionID, "backs another purchase")
		}
	}
	p.ID = t.store.nextID()
	p.Lines = nil
	t.purchases[p.ID] = &p
	return p.ID, nil
}

func (t memProcurement) GetPurchase(ctx context.Context, id int64) (procurement.Purchase, error) {
	p, ok := t.purchase(id)
	if !ok {
		return procurement.Purchase{}, shared.NewError(shared.ErrNotFound, "purchase", id, "")
	}
	return *clonePurchase(*p), nil
}

func (t memProcurement) LockPurchase(ctx context.Context, id int64) (procurement.Purchase, error) {
	if err := t.lock(ctx, shared.OrderLockKey("purchase", id)); err != nil {
		return procurement.Purchase{}, err
	}
	return t.GetPurchase(ctx, id)
}

func (t memProcurement) ListPurchases(ctx context.Context, filter procurement.PurchaseFilter) ([]procurement.Purchase, error) {
	t.store.mu.RLock()
	ids := sortedIDs(t.store.purchases, t.purchases)
	t.store.mu.RUnlock()
	var matched []procurement.Purchase
	for _, id := range ids {
		p, ok := t.purchase(id)
		if !ok {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.SupplierID != 0 && p.SupplierID != filter.SupplierID {
			continue
		}
		matched = append(matched, *clonePurchase(*p))
	}
	start, end := filter.Page.Window(len(matched))
	return matched[start:end], nil
}

func (t memProcurement) UpdatePurchase(ctx context.Context, p procurement.Purchase) error {
	cur, ok := t.purchase(p.ID)
	if !ok {
		return shared.NewError(shared.ErrNotFound, "purchase", p.ID, "")
	}
	p.Lines = cur.Lines
	t.purchases[p.ID] = &p
	return nil
}

func (t memProcurement) DeletePurchase(ctx context.Context, id int64) error {
	t.purchases[id] = nil
	return nil
}

func (t memProcurement) InsertPurchaseLine(ctx context.Context, line procurement.Line) (int64, error) {
	p, ok := t.purchase(line.ParentID)
	if !ok {
		return 0, shared.NewError(shared.ErrNotFound, "purchase", line.ParentID, "")
	}
	if !t.productExists(line.ProductID) {
		return 0, unknownProduct(line.ProductID)
	}
	line.ID = t.store.nextID()
	p.Lines = append(p.Lines, line)
	t.purchases[p.ID] = p
	return line.ID, nil
}

func (t memProcurement) UpdatePurchaseLine(ctx context.Context, line procurement.Line) error {
	p, ok := t.purchase(line.ParentID)
	if !ok {
		return shared.NewError(shared.ErrNotFound, "purchase", line.ParentID, "")
	}
	for i := range p.Lines {
		if p.Lines[i].ID == line.ID {
			p.Lines[i] = line
		}
	}
	t.purchases[p.ID] = p
	return nil
}

func (t memProcurement) DeletePurchaseLine(ctx context.Context, purchaseID, lineID int64) error {
	p, ok := t.purchase(purchaseID)
	if !ok {
		return shared.NewError(shared.ErrNotFound, "purchase", purchaseID, "")
	}
	kept := p.Lines[:0]
	for _, line := range p.Lines {
		if line.ID != lineID {
			kept = append(kept, line)
		}
	}
	p.Lines = kept
	t.purchases[p.ID] = p
	return nil
}

func (t memProcurement) PurchaseForRequisition(ctx context.Context, requisitionID int64) (int64, error) {
	t.store.mu.RLock()
	ids := sortedIDs(t.store.purchases, t.purchases)
	t.store.mu.RUnlock()
	for _, id := range ids {
		if p, ok := t.purchase(id); ok && p.SourceRequisitionID == requisitionID {
			return id, nil
		}
	}
	return 0, nil
}

type memSales struct{ *memTx }

func (t memSales) InsertSale(ctx context.Context, sale sales.Sale) (int64, error) {
	sale.ID = t.store.nextID()
	sale.Lines = nil
	t.sales[sale.ID] = &sale
	return sale.ID, nil
}

func (t memSales) GetSale(ctx context.Context, id int64) (sales.Sale, error) {
	sale, ok := t.sale(id)
	if !ok {
		return sales.Sale{}, shared.NewError(shared.ErrNotFound, "sale", id, "")
	}
	return *cloneSale(*sale), nil
}

func (t memSales) LockSale(ctx context.Context, id int64) (sales.Sale, error) {
	if err := t.lock(ctx, shared.OrderLockKey("sale", id)); err != nil {
		return sales.Sale{}, err
	}
	return t.GetSale(ctx, id)
}

func (t memSales) ListSales(ctx context.Context, filter sales.Filter) ([]sales.Sale, error) {
	t.store.mu.RLock()
	ids := sortedIDs(t.store.sales, t.sales)
	t.store.mu.RUnlock()
	var matched []sales.Sale
	for _, id := range ids {
		sale, ok := t.sale(id)
		if !ok {
			continue
		}
		if filter.Status != "" && sale.Status != filter.Status {
			continue
		}
		if filter.ClientID != 0 && sale.ClientID != filter.ClientID {
			continue
		}
		matched = append(matched, *cloneSale(*sale))
	}
	start, end := filter.Page.Window(len(matched))
	return matched[start:end], nil
}

func (t memSales) UpdateSale(ctx context.Context, sale sales.Sale) error {
	cur, ok := t.sale(sale.ID)
	if !ok {
		return shared.NewError(shared.ErrNotFound, "sale", sale.ID, "")
	}
	sale.Lines = cur.Lines
	t.sales[sale.ID] = &sale
	return nil
}

func (t memSales) DeleteSale(ctx context.Context, id int64) error {
	t.sales[id] = nil
	return nil
}

func (t memSales) InsertLine(ctx context.Context, line sales.Line) (int64, error) {
	sale, ok := t.sale(line.ParentID)
	if !ok {
		return 0, shared.NewError(shared.ErrNotFound, "sale", line.ParentID, "")
	}
	if !t.productExists(line.ProductID) {
		return 0, unknownProduct(line.ProductID)
	}
	line.ID = t.store.nextID()
	sale.Lines = append(sale.Lines, line)
	t.sales[sale.ID] = sale
	return line.ID, nil
}

func (t memSales) UpdateLine(ctx context.Context, line sales.Line) error {
	sale, ok := t.sale(line.ParentID)
	if !ok {
		return shared.NewError(shared.ErrNotFound, "sale", line.ParentID, "")
	}
	for i := range sale.Lines {
		if sale.Lines[i].ID == line.ID {
			sale.Lines[i] = line
		}
	}
	t.sales[sale.ID] = sale
	return nil
}

func (t memSales) DeleteLine(ctx context.Context, saleID, lineID int64) error {
	sale, ok := t.sale(saleID)
	if !ok {
		return shared.NewError(shared.ErrNotFound, "sale", saleID, "")
	}
	kept := sale.Lines[:0]
	for _, line := range sale.Lines {
		if line.ID != lineID {
			kept = append(kept, line)
		}
	}
	sale.Lines = kept
	t.sales[sale.ID] = sale
	return nil
}

type memInventory struct{ *memTx }

func (t memInventory) WarehouseExists(ctx context.Context, id int64) (bool, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.warehouses[id], nil
}

func (t memInventory) ProductExists(ctx context.Context, id int64) (bool, error) {
	return t.productExists(id), nil
}

func (t memInventory) LockBalance(ctx context.Context, warehouseID, productID int64) (inventory.Balance, error) {
	if err := t.lock(ctx, shared.StockLockKey(warehouseID, productID)); err != nil {
		return inventory.Balance{}, err
	}
	key := inventory.Key{WarehouseID: warehouseID, ProductID: productID}
	if balance, ok := t.balances[key]; ok {
		return balance, nil
	}
	t.store.mu.RLock()
	balance, ok := t.store.balances[key]
	t.store.mu.RUnlock()
	if !ok {
		balance = inventory.Balance{WarehouseID: warehouseID, ProductID: productID}
	}
	return balance, nil
}

func (t memInventory) SaveBalance(ctx context.Context, balance inventory.Balance) error {
	t.balances[balance.Key()] = balance
	return nil
}

func (t memInventory) InsertMovement(ctx context.Context, movement inventory.Movement) error {
	t.movements = append(t.movements, movement)
	return nil
}

// memInventoryRepo serves committed stock reads and ledger units of work.
type memInventoryRepo struct {
	store *MemoryStore
}

func (r *memInventoryRepo) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	return r.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, tx.Inventory())
	})
}

func (r *memInventoryRepo) WarehouseExists(ctx context.Context, id int64) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.store.warehouses[id], nil
}

func (r *memInventoryRepo) ProductExists(ctx context.Context, id int64) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.store.products[id], nil
}

func (r *memInventoryRepo) GetBalance(ctx context.Context, warehouseID, productID int64) (inventory.Balance, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	balance, ok := r.store.balances[inventory.Key{WarehouseID: warehouseID, ProductID: productID}]
	if !ok {
		return inventory.Balance{}, inventory.ErrBalanceNotFound
	}
	return balance, nil
}

func (r *memInventoryRepo) ListMovements(ctx context.Context, filter inventory.MovementFilter) ([]inventory.Movement, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var matched []inventory.Movement
	for _, m := range r.store.movements {
		if m.WarehouseID != filter.WarehouseID || m.ProductID != filter.ProductID {
			continue
		}
		if !filter.From.IsZero() && m.PostedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !m.PostedAt.Before(filter.To) {
			continue
		}
		matched = append(matched, m)
	}
	start, end := filter.Page.Window(len(matched))
	return matched[start:end], nil
}

func (r *memInventoryRepo) ListBalances(ctx context.Context) ([]inventory.Balance, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	balances := make([]inventory.Balance, 0, len(r.store.balances))
	for _, b := range r.store.balances {
		balances = append(balances, b)
	}
	sort.Slice(balances, func(i, j int) bool {
		if balances[i].WarehouseID != balances[j].WarehouseID {
			return balances[i].WarehouseID < balances[j].WarehouseID
		}
		return balances[i].ProductID < balances[j].ProductID
	})
	return balances, nil
}

func (r *memInventoryRepo) SumMovements(ctx context.Context) (map[inventory.Key]int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	sums := make(map[inventory.Key]int64)
	for _, m := range r.store.movements {
		sums[inventory.Key{WarehouseID: m.WarehouseID, ProductID: m.ProductID}] += m.Delta
	}
	return sums, nil
}
