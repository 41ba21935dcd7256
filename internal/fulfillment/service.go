package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/procurement"
	"github.com/odyssey-erp/fulfillment/internal/sales"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Completion describes a committed purchase or sale completion.
type Completion struct {
	Entity      string
	OrderID     int64
	WarehouseID int64
	RefID       string
	Balances    []inventory.Balance
	CompletedAt time.Time
}

// Notifier is told about completions after they commit.
type Notifier interface {
	OrderCompleted(ctx context.Context, c Completion) error
}

// Metrics observes completion outcomes.
type Metrics interface {
	ObserveCompletion(entity, outcome string)
}

// Service coordinates the order machines with the stock ledger. Every
// operation is one unit of work.
type Service struct {
	store       Store
	stock       *inventory.Service
	ledger      *inventory.Ledger
	procurement *procurement.Machine
	sales       *sales.Machine
	audit       AuditPort
	notifier    Notifier
	metrics     Metrics
	logger      *slog.Logger
}

// NewService constructs the coordinator.
func NewService(store Store, stock *inventory.Service, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		stock:       stock,
		ledger:      inventory.NewLedger(),
		procurement: procurement.NewMachine(),
		sales:       sales.NewMachine(),
		audit:       audit,
		logger:      logger,
	}
}

// SetNotifier installs the completion notifier.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetMetrics installs the completion metrics sink.
func (s *Service) SetMetrics(m Metrics) {
	s.metrics = m
}

func inTx[T any](ctx context.Context, store Store, fn func(context.Context, Tx) (T, error)) (T, error) {
	var out T
	err := store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = fn(ctx, tx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// referenceID derives the ledger reference of an order completion. The same
// order always maps to the same reference.
func referenceID(module inventory.RefModule, orderID int64) string {
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("%s:%d", module, orderID))).String()
}

// CreateRequisition stores a PENDING requisition.
func (s *Service) CreateRequisition(ctx context.Context, in procurement.NewRequisition) (procurement.Requisition, error) {
	req, err := inTx(ctx, s.store, func(ctx context.Context, tx Tx) (procurement.Requisition, error) {
		return s.procurement.CreateRequisition(ctx, tx.Procurement(), in)
	})
	if err != nil {
		return procurement.Requisition{}, err
	}
	s.recordAudit(ctx, "REQUISITION_CREATE", "requisition", req.ID, map[string]any{"lines": len(req.Lines)})
	return req, nil
}

// GetRequisition loads a requisition with its lines.
func (s *Service) GetRequisition(ctx context.Context, id int64) (procurement.Requisition, error) {
	return inTx(ctx, s.store, func(ctx context.Context, tx Tx) (procurement.Requisition, error) {
		return tx.Procurement().GetRequisition(ctx, id)
	})
}

// ListRequisitions lists requisitions matching filter.
func (s *Service) ListRequisitions(ctx context.Context, filter procurement.RequisitionFilter) ([]procurement.Requisition, error) {
	return inTx(ctx, s.store, func(ctx context.Context, tx Tx) ([]procurement.Requisition, error) {
		return tx.Procurement().ListRequisitions(ctx, filter)
	})
}

// EditRequisition updates the header of a PENDING requisition.
func (s *Service) EditRequisition(ctx context.Context, id int64, header procurement.RequisitionHeader) (procurement.Requisition, error) {
	return inTx(ctx, s.store, func(ctx context.Context, tx Tx) (procurement.Requisition, error) {
		return s.procurement.EditRequisition(ctx, tx.Procurement(), id, header)
	})
}

// DeleteRequisition removes a PENDING requisition.
func (s *Service) DeleteRequisition(ctx context.Context, id int64) error {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return s.procurement.DeleteRequisition(ctx, tx.Procurement(), id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "REQUISITION_DELETE", "requisition", id, nil)
	return nil
}

// ApproveRequisition moves a PENDING requisition to APPROVED.
func (s *Service) ApproveRequisition(ctx context.Context, id, actorID int64) (procurement.Requisition, error) {
	req, err := inTx(ctx, s.store, func(ctx context.Context, tx Tx) (procurement.Requisition, error) {
		return s.procurement.ApproveRequisition(ctx, tx.Procurement(), id, actorID)
	})
	if err != nil {
		return procurement.Requisition{}, err
	}
	s.recordAudit(ctx, "REQUISITION_APPROVE", "requisition", id, map[string]any{"decided_by": actorID})
	return req, nil
}

// RejectRequisition moves a PENDING requisition to REJECTED.
func (s *Service) RejectRequisition(ctx context.Context, id, actorID int64) (procurement.Requisition, error) {
	req, err := inTx(ctx, s.store, func(ctx context.Context, tx Tx) (procurement.Requisition, error) {
		return s.procurement.RejectRequisition(ctx, tx.Procurement(), id, actorID)
	})
	if err != nil {
		return procurement.Requisition{}, err
	}
	s.recordAudit(ctx, "REQUISITION_REJECT", "requisition", id, map[string]any{"decided_by": actorID})
	return req, nil
}

// AddRequisitionLine appends a line to a PENDING requisition.
func (s *Service) AddRequisitionLine(ctx context.Context, id int64, in procurement.LineInput) (procurement.Requisition, error) {
	return inTx(ctx, s.store, func(ctx context.Context, tx Tx) (procurement.Requisition, error) {
		return s.procurement.AddRequisitionLine(ctx, tx.Procurement(), id, in)
	})
}

// UpdateRequisitionLine changes a line quantity of a PENDING requisition.
func (s *Service) UpdateRequisitionLine(ctx context.Context, id, lineID, qty int64) (procurement.Requisition, error) {
	return inTx(ctx, s.store, func(ctx context.Context, tx Tx) (procurement.Requisition, error) {
		return s.procurement.UpdateRequisitionLine(ctx, tx.Procurement(), id, lineID, qty)
	})
}

// RemoveRequisitionLine deletes a line of a PENDING requisition.
func (s *Service) RemoveRequisitionLine(ctx context.Context, id, lineID int64) (procurement.Requisition, error) {
	return inTx(ctx, s.store, func(ctx context.Context, tx Tx) (procurement.Requisition, error) {
		return s.procurement.RemoveRequisitionLine(ctx, tx.Procurement(), id, lineID)
	})
}

// GeneratePurchaseFromRequisition creates a PENDING purchase carrying the
// lines of an APPROVED requisition.
func (s *Service) GeneratePurchaseFromRequisition(ctx context.Context, requisitionID, supplierID int64, purchaseDate time.Time, amount decimal.Decimal) (procurement.Purchase, error) {
	p, err := inTx(ctx, s.store, func(ctx context.Context, tx Tx) (procurement.Purchase, error) {
		return s.procurement.GeneratePurchase(ctx, tx.Procurement(), requisitionID, supplierID, purchaseDate, amount)
	})
	if err != nil {
		return procurement.Purchase{}, err
	}
	s.recordAudit(ctx, "PURCHASE_GENERATE", "purchase", p.ID, map[string]any{"from_requisition": requisitionID})
	return p, nil
}

// CreatePurchase stores a PENDING purchase, standalone or linked.
func (s *Service) CreatePurchase(ctx context.Context, in procurement.NewPurchase) (procurement.Purchase, error) {
	p, err := inTx(ctx, s.store, func(ctx context.Context, tx Tx) (procurement.Purchase, error) {
		return s.procurement.CreatePurchase(ctx, tx.Procurement(), in)
	})
	if err != nil {
		return procurement.Purchase{}, err
	}
	s.recordAudit(ctx, "PURCHASE_CREATE", "purchase", p.ID, map[string]any{"from_requisition": p.SourceRequisitionID})
	return p, nil
}

// GetPurchase loads a purchase with its lines.
func (s *Service) GetPurchase(ctx context.Context, id int64) (procurement.Purchase, error) {
	return inTx(ctx, s.store, func(ctx context.Context, tx Tx) (procurement.Purchase, error) {
		return tx.Procurement().GetPurchase(ctx, id)
	})
}

// ListPurchases lists purchases matching filter.
func (s *Service) ListPurchases(ctx context.Context, filter procurement.PurchaseFilter) ([]procurement.Purchase, error) {
	return inTx(ctx, s.store, func(ctx context.Context, tx Tx) ([]procurement.Purchase, error) {
		return tx.Procurement().ListPurchases(ctx, filter)
	})
}

// EditPurchase updates the header of a PENDING purchase.
func (s *Service) EditPurchase(ctx context.Context, id int64, header procurement.PurchaseHeader) (procurement.Purchase, error) {
	return inTx(ctx, s.store, func(ctx context.Context, tx Tx) (procurement.Purchase, error) {
		return s.procurement.EditPurchase(ctx, tx.Procurement(), id, header)
	})
}

// DeletePurchase removes a PENDING purchase and frees its requisition.
func (s *Service) DeletePurchase(ctx context.Context, id int64) error {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return s.procurement.DeletePurchase(ctx, tx.Procurement(), id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "PURCHASE_DELETE", "purchase", id, nil)
	return nil
}

// AddPurchaseLine appends a line to a PENDING purchase.
func (s *Service) AddPurchaseLine(ctx context.Context, id int64, in procurement.LineInput) (procurement.Purchase, error) {
	return inTx(ctx, s.store, func(ctx context.Context, tx Tx) (procurement.Purchase, error) {
		return s.procurement.AddPurchaseLine(ctx, tx.Procurement(), id, in)
	})
}

// UpdatePurchaseLine changes a line quantity of a PENDING purchase.
func (s *Service) UpdatePurchaseLine(ctx context.Context, id, lineID, qty int64) (procurement.Purchase, error) {
	return inTx(ctx, s.store, func(ctx context.Context, tx Tx) (procurement.Purchase, error) {
		return s.procurement.UpdatePurchaseLine(ctx, tx.Procurement(), id, lineID, qty)
	})
}

// RemovePurchaseLine deletes a line of a PENDING purchase.
func (s *Service) RemovePurchaseLine(ctx context.Context, id, lineID int64) (procurement.Purchase, error) {
	return inTx(ctx, s.store, func(ctx context.Context, tx Tx) (procurement.Purchase, error) {
		return s.procurement.RemovePurchaseLine(ctx, tx.Procurement(), id, lineID)
	})
}

// CompletePurchase marks a PENDING purchase COMPLETED and credits every
// line into warehouseID. Either both happen or neither does.
func (s *Service) CompletePurchase(ctx context.Context, id, warehouseID int64) (procurement.Purchase, error) {
	refID := referenceID(inventory.RefPurchase, id)
	var balances []inventory.Balance
	p, err := inTx(ctx, s.store, func(ctx context.Context, tx Tx) (procurement.Purchase, error) {
		p, err := s.procurement.MarkCompleted(ctx, tx.Procurement(), id, warehouseID)
		if err != nil {
			return procurement.Purchase{}, err
		}
		adjustments := make([]inventory.Adjustment, 0, len(p.Lines))
		for _, line := range p.Lines {
			adjustments = append(adjustments, inventory.Adjustment{WarehouseID: warehouseID, ProductID: line.ProductID, Delta: line.Qty})
		}
		balances, err = s.ledger.ApplyBatch(ctx, tx.Inventory(), inventory.Batch{
			RefModule:   inventory.RefPurchase,
			RefID:       refID,
			Adjustments: adjustments,
			PostedAt:    p.CompletedAt,
		})
		if err != nil {
			return procurement.Purchase{}, err
		}
		return p, nil
	})
	if err != nil {
		s.completionFailed(ctx, "purchase", id, warehouseID, err)
		return procurement.Purchase{}, err
	}
	s.completed(ctx, Completion{
		Entity:      "purchase",
		OrderID:     p.ID,
		WarehouseID: warehouseID,
		RefID:       refID,
		Balances:    balances,
		CompletedAt: p.CompletedAt,
	})
	return p, nil
}

// CreateSale stores a PENDING sale.
func (s *Service) CreateSale(ctx context.Context, in sales.NewSale) (sales.Sale, error) {
	sale, err := inTx(ctx, s.store, func(ctx context.Context, tx Tx) (sales.Sale, error) {
		return s.sales.Create(ctx, tx.Sales(), in)
	})
	if err != nil {
		return sales.Sale{}, err
	}
	s.recordAudit(ctx, "SALE_CREATE", "sale", sale.ID, map[string]any{"lines": len(sale.Lines)})
	return sale, nil
}

// GetSale loads a sale with its lines.
func (s *Service) GetSale(ctx context.Context, id int64) (sales.Sale, error) {
	return inTx(ctx, s.store, func(ctx context.Context, tx Tx) (sales.Sale, error) {
		return tx.Sales().GetSale(ctx, id)
	})
}

// ListSales lists sales matching filter.
func (s *Service) ListSales(ctx context.Context, filter sales.Filter) ([]sales.Sale, error) {
	return inTx(ctx, s.store, func(ctx context.Context, tx Tx) ([]sales.Sale, error) {
		return tx.Sales().ListSales(ctx, filter)
	})
}

// EditSale updates the header of a PENDING sale.
func (s *Service) EditSale(ctx context.Context, id int64, header sales.Header) (sales.Sale, error) {
	return inTx(ctx, s.store, func(ctx context.Context, tx Tx) (sales.Sale, error) {
		return s.sales.Edit(ctx, tx.Sales(), id, header)
	})
}

// DeleteSale removes a PENDING sale.
func (s *Service) DeleteSale(ctx context.Context, id int64) error {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return s.sales.Delete(ctx, tx.Sales(), id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "SALE_DELETE", "sale", id, nil)
	return nil
}

// AddSaleLine appends a line to a PENDING sale.
func (s *Service) AddSaleLine(ctx context.Context, id int64, in sales.LineInput) (sales.Sale, error) {
	return inTx(ctx, s.store, func(ctx context.Context, tx Tx) (sales.Sale, error) {
		return s.sales.AddLine(ctx, tx.Sales(), id, in)
	})
}

// UpdateSaleLine changes a line quantity of a PENDING sale.
func (s *Service) UpdateSaleLine(ctx context.Context, id, lineID, qty int64) (sales.Sale, error) {
	return inTx(ctx, s.store, func(ctx context.Context, tx Tx) (sales.Sale, error) {
		return s.sales.UpdateLine(ctx, tx.Sales(), id, lineID, qty)
	})
}

// RemoveSaleLine deletes a line of a PENDING sale.
func (s *Service) RemoveSaleLine(ctx context.Context, id, lineID int64) (sales.Sale, error) {
	return inTx(ctx, s.store, func(ctx context.Context, tx Tx) (sales.Sale, error) {
		return s.sales.RemoveLine(ctx, tx.Sales(), id, lineID)
	})
}

// CompleteSale marks a PENDING sale COMPLETED and debits every line from
// warehouseID. A shortfall on any line leaves both the sale and the stock
// untouched.
func (s *Service) CompleteSale(ctx context.Context, id, warehouseID int64) (sales.Sale, error) {
	refID := referenceID(inventory.RefSale, id)
	var balances []inventory.Balance
	sale, err := inTx(ctx, s.store, func(ctx context.Context, tx Tx) (sales.Sale, error) {
		sale, err := s.sales.MarkCompleted(ctx, tx.Sales(), id, warehouseID)
		if err != nil {
			return sales.Sale{}, err
		}
		adjustments := make([]inventory.Adjustment, 0, len(sale.Lines))
		for _, line := range sale.Lines {
			adjustments = append(adjustments, inventory.Adjustment{WarehouseID: warehouseID, ProductID: line.ProductID, Delta: -line.Qty})
		}
		balances, err = s.ledger.ApplyBatch(ctx, tx.Inventory(), inventory.Batch{
			RefModule:   inventory.RefSale,
			RefID:       refID,
			Adjustments: adjustments,
			PostedAt:    sale.CompletedAt,
		})
		if err != nil {
			return sales.Sale{}, shortageOnLine(sale, err)
		}
		return sale, nil
	})
	if err != nil {
		s.completionFailed(ctx, "sale", id, warehouseID, err)
		return sales.Sale{}, err
	}
	s.completed(ctx, Completion{
		Entity:      "sale",
		OrderID:     sale.ID,
		WarehouseID: warehouseID,
		RefID:       refID,
		Balances:    balances,
		CompletedAt: sale.CompletedAt,
	})
	return sale, nil
}

// shortageOnLine points a ledger shortage at the first sale line of the
// short product.
func shortageOnLine(sale sales.Sale, err error) error {
	var shortage *inventory.Shortage
	if !errors.As(err, &shortage) {
		return err
	}
	var lineID int64
	for _, line := range sale.Lines {
		if line.ProductID == shortage.Key.ProductID {
			lineID = line.ID
			break
		}
	}
	detail := fmt.Sprintf("product %d in warehouse %d: available %d, required %d",
		shortage.Key.ProductID, shortage.Key.WarehouseID, shortage.Available, shortage.Required)
	return shared.LineError(shared.ErrInsufficientStock, "sale", sale.ID, lineID, detail)
}

// GetStock returns the on-hand quantity of one product in one warehouse.
func (s *Service) GetStock(ctx context.Context, warehouseID, productID int64) (int64, error) {
	return s.stock.GetQuantity(ctx, warehouseID, productID)
}

// StockCard returns the movement journal of one key.
func (s *Service) StockCard(ctx context.Context, filter inventory.MovementFilter) ([]inventory.Movement, error) {
	return s.stock.ListMovements(ctx, filter)
}

// AdjustStock applies a manual adjustment batch.
func (s *Service) AdjustStock(ctx context.Context, adjustments []inventory.Adjustment) ([]inventory.Balance, error) {
	balances, err := s.stock.AdjustBatch(ctx, adjustments)
	if err != nil {
		return nil, err
	}
	meta := map[string]any{"keys": len(balances)}
	s.recordAudit(ctx, "STOCK_ADJUST", "stock", 0, meta)
	return balances, nil
}

func (s *Service) completed(ctx context.Context, c Completion) {
	s.logger.InfoContext(ctx, "order completed",
		slog.String("entity", c.Entity),
		slog.Int64("order_id", c.OrderID),
		slog.Int64("warehouse_id", c.WarehouseID),
		slog.String("ref_id", c.RefID),
		slog.Int("keys", len(c.Balances)))
	if s.metrics != nil {
		s.metrics.ObserveCompletion(c.Entity, "completed")
	}
	s.recordAudit(ctx, "COMPLETE", c.Entity, c.OrderID, map[string]any{"warehouse_id": c.WarehouseID, "ref_id": c.RefID})
	if s.notifier == nil {
		return
	}
	if err := s.notifier.OrderCompleted(ctx, c); err != nil {
		s.logger.WarnContext(ctx, "completion notification failed",
			slog.String("entity", c.Entity),
			slog.Int64("order_id", c.OrderID),
			slog.Any("error", err))
	}
}

func (s *Service) completionFailed(ctx context.Context, entity string, id, warehouseID int64, err error) {
	if s.metrics != nil {
		s.metrics.ObserveCompletion(entity, shared.KindName(err))
	}
	if !errors.Is(err, shared.ErrInsufficientStock) {
		return
	}
	_, _, lineID := shared.Describe(err)
	s.logger.WarnContext(ctx, "completion rejected by ledger",
		slog.String("entity", entity),
		slog.Int64("order_id", id),
		slog.Int64("warehouse_id", warehouseID),
		slog.Int64("line_id", lineID),
		slog.Any("error", err))
}

func (s *Service) recordAudit(ctx context.Context, action, entity string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	log := shared.AuditLog{
		ActorID:  shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.WarnContext(ctx, "audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
