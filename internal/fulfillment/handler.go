package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/platform/httpx"
	"github.com/odyssey-erp/fulfillment/internal/procurement"
	"github.com/odyssey-erp/fulfillment/internal/sales"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

const (
	// ActorHeader carries the id of the acting user.
	ActorHeader = "X-Actor-ID"
	// IdempotencyHeader makes create requests safe to resubmit.
	IdempotencyHeader = "Idempotency-Key"
)

// Handler exposes the coordinator as a JSON API.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	validator   *validator.Validate
	idempotency *shared.IdempotencyStore
}

// NewHandler constructs a Handler. idem may be nil.
func NewHandler(logger *slog.Logger, service *Service, idem *shared.IdempotencyStore) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		service:     service,
		validator:   validator.New(),
		idempotency: idem,
	}
}

// MountRoutes registers the order and stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(actorFromHeader)

	r.Route("/requisitions", func(r chi.Router) {
		r.Post("/", h.createRequisition)
		r.Get("/", h.listRequisitions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getRequisition)
			r.Put("/", h.editRequisition)
			r.Delete("/", h.deleteRequisition)
			r.Post("/approve", h.approveRequisition)
			r.Post("/reject", h.rejectRequisition)
			r.Post("/purchase", h.generatePurchase)
			r.Post("/lines", h.addRequisitionLine)
			r.Put("/lines/{lineID}", h.updateRequisitionLine)
			r.Delete("/lines/{lineID}", h.removeRequisitionLine)
		})
	})

	r.Route("/purchases", func(r chi.Router) {
		r.Post("/", h.createPurchase)
		r.Get("/", h.listPurchases)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getPurchase)
			r.Put("/", h.editPurchase)
			r.Delete("/", h.deletePurchase)
			r.Post("/complete", h.completePurchase)
			r.Post("/lines", h.addPurchaseLine)
			r.Put("/lines/{lineID}", h.updatePurchaseLine)
			r.Delete("/lines/{lineID}", h.removePurchaseLine)
		})
	})

	r.Route("/sales", func(r chi.Router) {
		r.Post("/", h.createSale)
		r.Get("/", h.listSales)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getSale)
			r.Put("/", h.editSale)
			r.Delete("/", h.deleteSale)
			r.Post("/complete", h.completeSale)
			r.Post("/lines", h.addSaleLine)
			r.Put("/lines/{lineID}", h.updateSaleLine)
			r.Delete("/lines/{lineID}", h.removeSaleLine)
		})
	})

	r.Route("/stock", func(r chi.Router) {
		r.Post("/adjustments", h.adjustStock)
		r.Get("/{warehouseID}/{productID}", h.getStock)
		r.Get("/{warehouseID}/{productID}/movements", h.stockCard)
	})
}

func actorFromHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(ActorHeader))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		actorID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || actorID <= 0 {
			httpx.RespondError(w, shared.Validation("actor", 0, "X-Actor-ID must be a positive integer"))
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), actorID)))
	})
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, shared.Validation(name, 0, fmt.Sprintf("invalid %s", name))
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, shared.Validation("query", 0, fmt.Sprintf("invalid %s", name))
	}
	return v, nil
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, shared.Validation("query", 0, fmt.Sprintf("invalid %s", name))
	}
	return t, nil
}

func queryPage(r *http.Request) (shared.Page, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return shared.Page{}, err
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		return shared.Page{}, err
	}
	return shared.Page{Limit: int(limit), Offset: int(offset)}, nil
}

func (h *Handler) decode(r *http.Request, entity string, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return shared.Validation(entity, 0, fmt.Sprintf("malformed body: %v", err))
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return shared.Validation(entity, 0, strings.Join(msgs, "; "))
		}
		return shared.Validation(entity, 0, err.Error())
	}
	return nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := httpx.StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

type storedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// once runs a create operation at most once per Idempotency-Key and replays
// the stored response for repeats. Keys are scoped to the actor and the
// request route. Failed attempts release the key.
func (h *Handler) once(w http.ResponseWriter, r *http.Request, module string, run func(ctx context.Context) (any, error)) {
	ctx := r.Context()
	header := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if header == "" || h.idempotency == nil {
		body, err := run(ctx)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusCreated, body)
		return
	}
	key := scopedKey(r, header)

	replay, err := h.idempotency.Begin(ctx, module, key)
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		httpx.Problem(w, http.StatusConflict, "Request In Progress", "a request with this Idempotency-Key is still running")
		return
	}
	if err != nil {
		h.fail(w, r, shared.Persistence(err))
		return
	}
	if replay != nil {
		var stored storedResponse
		if err := json.Unmarshal(replay, &stored); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(stored.Status)
			_, _ = w.Write(stored.Body)
			return
		}
		h.logger.WarnContext(ctx, "discarding unreadable idempotent response", slog.String("module", module))
	}

	body, err := run(ctx)
	if err != nil {
		if relErr := h.idempotency.Release(context.WithoutCancel(ctx), module, key); relErr != nil {
			h.logger.WarnContext(ctx, "idempotency release failed", slog.String("module", module), slog.Any("error", relErr))
		}
		h.fail(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		h.fail(w, r, err)
		return
	}
	stored, _ := json.Marshal(storedResponse{Status: http.StatusCreated, Body: buf.Bytes()})
	if err := h.idempotency.Complete(context.WithoutCancel(ctx), module, key, stored); err != nil {
		h.logger.WarnContext(ctx, "idempotency complete failed", slog.String("module", module), slog.Any("error", err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(buf.Bytes())
}

func scopedKey(r *http.Request, key string) string {
	return fmt.Sprintf("%d:%s %s:%s", shared.ActorFromContext(r.Context()), r.Method, r.URL.Path, key)
}

func (h *Handler) createRequisition(w http.ResponseWriter, r *http.Request) {
	var req createRequisitionRequest
	if err := h.decode(r, "requisition", &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.once(w, r, "requisitions", func(ctx context.Context) (any, error) {
		created, err := h.service.CreateRequisition(ctx, procurement.NewRequisition{
			RequesterID: shared.ActorFromContext(ctx),
			Description: req.Description,
			Lines:       procurementLines(req.Lines),
		})
		if err != nil {
			return nil, err
		}
		return toRequisitionResponse(created), nil
	})
}

func (h *Handler) listRequisitions(w http.ResponseWriter, r *http.Request) {
	page, err := queryPage(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter := procurement.RequisitionFilter{
		Status: procurement.RequisitionStatus(strings.ToUpper(r.URL.Query().Get("status"))),
		Page:   page,
	}
	list, err := h.service.ListRequisitions(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]requisitionResponse, 0, len(list))
	for _, req := range list {
		out = append(out, toRequisitionResponse(req))
	}
	httpx.JSON(w, http.StatusOK, out)
}

// requisitionAction parses the route id and writes the requisition produced
// by fn.
func (h *Handler) requisitionAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id int64) (procurement.Requisition, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	req, err := fn(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRequisitionResponse(req))
}

func (h *Handler) getRequisition(w http.ResponseWriter, r *http.Request) {
	h.requisitionAction(w, r, h.service.GetRequisition)
}

func (h *Handler) editRequisition(w http.ResponseWriter, r *http.Request) {
	var req requisitionHeaderRequest
	if err := h.decode(r, "requisition", &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.requisitionAction(w, r, func(ctx context.Context, id int64) (procurement.Requisition, error) {
		return h.service.EditRequisition(ctx, id, procurement.RequisitionHeader{Description: req.Description})
	})
}

func (h *Handler) deleteRequisition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.DeleteRequisition(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) approveRequisition(w http.ResponseWriter, r *http.Request) {
	h.requisitionAction(w, r, func(ctx context.Context, id int64) (procurement.Requisition, error) {
		return h.service.ApproveRequisition(ctx, id, shared.ActorFromContext(ctx))
	})
}

func (h *Handler) rejectRequisition(w http.ResponseWriter, r *http.Request) {
	h.requisitionAction(w, r, func(ctx context.Context, id int64) (procurement.Requisition, error) {
		return h.service.RejectRequisition(ctx, id, shared.ActorFromContext(ctx))
	})
}

func (h *Handler) addRequisitionLine(w http.ResponseWriter, r *http.Request) {
	var req lineRequest
	if err := h.decode(r, "requisition", &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.requisitionAction(w, r, func(ctx context.Context, id int64) (procurement.Requisition, error) {
		return h.service.AddRequisitionLine(ctx, id, procurement.LineInput{ProductID: req.ProductID, Qty: req.Qty})
	})
}

func (h *Handler) updateRequisitionLine(w http.ResponseWriter, r *http.Request) {
	lineID, err := pathID(r, "lineID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req lineQtyRequest
	if err := h.decode(r, "requisition", &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.requisitionAction(w, r, func(ctx context.Context, id int64) (procurement.Requisition, error) {
		return h.service.UpdateRequisitionLine(ctx, id, lineID, req.Qty)
	})
}

func (h *Handler) removeRequisitionLine(w http.ResponseWriter, r *http.Request) {
	lineID, err := pathID(r, "lineID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.requisitionAction(w, r, func(ctx context.Context, id int64) (procurement.Requisition, error) {
		return h.service.RemoveRequisitionLine(ctx, id, lineID)
	})
}

func (h *Handler) generatePurchase(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req generatePurchaseRequest
	if err := h.decode(r, "purchase", &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.once(w, r, "purchases", func(ctx context.Context) (any, error) {
		p, err := h.service.GeneratePurchaseFromRequisition(ctx, id, req.SupplierID, req.PurchaseDate.Time, req.TotalAmount)
		if err != nil {
			return nil, err
		}
		return toPurchaseResponse(p), nil
	})
}

func (h *Handler) createPurchase(w http.ResponseWriter, r *http.Request) {
	var req createPurchaseRequest
	if err := h.decode(r, "purchase", &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.once(w, r, "purchases", func(ctx context.Context) (any, error) {
		p, err := h.service.CreatePurchase(ctx, procurement.NewPurchase{
			SupplierID:          req.SupplierID,
			RequesterID:         shared.ActorFromContext(ctx),
			PurchaseDate:        req.PurchaseDate.Time,
			TotalAmount:         req.TotalAmount,
			SourceRequisitionID: req.SourceRequisitionID,
			Lines:               procurementLines(req.Lines),
		})
		if err != nil {
			return nil, err
		}
		return toPurchaseResponse(p), nil
	})
}

func (h *Handler) listPurchases(w http.ResponseWriter, r *http.Request) {
	page, err := queryPage(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	supplierID, err := queryInt(r, "supplier_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter := procurement.PurchaseFilter{
		Status:     procurement.PurchaseStatus(strings.ToUpper(r.URL.Query().Get("status"))),
		SupplierID: supplierID,
		Page:       page,
	}
	list, err := h.service.ListPurchases(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]purchaseResponse, 0, len(list))
	for _, p := range list {
		out = append(out, toPurchaseResponse(p))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) purchaseAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id int64) (procurement.Purchase, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := fn(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPurchaseResponse(p))
}

func (h *Handler) getPurchase(w http.ResponseWriter, r *http.Request) {
	h.purchaseAction(w, r, h.service.GetPurchase)
}

func (h *Handler) editPurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseHeaderRequest
	if err := h.decode(r, "purchase", &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.purchaseAction(w, r, func(ctx context.Context, id int64) (procurement.Purchase, error) {
		return h.service.EditPurchase(ctx, id, procurement.PurchaseHeader{
			SupplierID:   req.SupplierID,
			PurchaseDate: req.PurchaseDate.Time,
			TotalAmount:  req.TotalAmount,
		})
	})
}

func (h *Handler) deletePurchase(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.DeletePurchase(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) completePurchase(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := h.decode(r, "purchase", &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.purchaseAction(w, r, func(ctx context.Context, id int64) (procurement.Purchase, error) {
		return h.service.CompletePurchase(ctx, id, req.WarehouseID)
	})
}

func (h *Handler) addPurchaseLine(w http.ResponseWriter, r *http.Request) {
	var req lineRequest
	if err := h.decode(r, "purchase", &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.purchaseAction(w, r, func(ctx context.Context, id int64) (procurement.Purchase, error) {
		return h.service.AddPurchaseLine(ctx, id, procurement.LineInput{ProductID: req.ProductID, Qty: req.Qty})
	})
}

func (h *Handler) updatePurchaseLine(w http.ResponseWriter, r *http.Request) {
	lineID, err := pathID(r, "lineID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req lineQtyRequest
	if err := h.decode(r, "purchase", &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.purchaseAction(w, r, func(ctx context.Context, id int64) (procurement.Purchase, error) {
		return h.service.UpdatePurchaseLine(ctx, id, lineID, req.Qty)
	})
}

func (h *Handler) removePurchaseLine(w http.ResponseWriter, r *http.Request) {
	lineID, err := pathID(r, "lineID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.purchaseAction(w, r, func(ctx context.Context, id int64) (procurement.Purchase, error) {
		return h.service.RemovePurchaseLine(ctx, id, lineID)
	})
}

func (h *Handler) createSale(w http.ResponseWriter, r *http.Request) {
	var req createSaleRequest
	if err := h.decode(r, "sale", &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.once(w, r, "sales", func(ctx context.Context) (any, error) {
		sale, err := h.service.CreateSale(ctx, sales.NewSale{
			ClientID:    req.ClientID,
			SellerID:    shared.ActorFromContext(ctx),
			SaleDate:    req.SaleDate.Time,
			TotalAmount: req.TotalAmount,
			Lines:       saleLines(req.Lines),
		})
		if err != nil {
			return nil, err
		}
		return toSaleResponse(sale), nil
	})
}

func (h *Handler) listSales(w http.ResponseWriter, r *http.Request) {
	page, err := queryPage(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	clientID, err := queryInt(r, "client_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter := sales.Filter{
		Status:   sales.Status(strings.ToUpper(r.URL.Query().Get("status"))),
		ClientID: clientID,
		Page:     page,
	}
	list, err := h.service.ListSales(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]saleResponse, 0, len(list))
	for _, sale := range list {
		out = append(out, toSaleResponse(sale))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) saleAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id int64) (sales.Sale, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sale, err := fn(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSaleResponse(sale))
}

func (h *Handler) getSale(w http.ResponseWriter, r *http.Request) {
	h.saleAction(w, r, h.service.GetSale)
}

func (h *Handler) editSale(w http.ResponseWriter, r *http.Request) {
	var req saleHeaderRequest
	if err := h.decode(r, "sale", &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.saleAction(w, r, func(ctx context.Context, id int64) (sales.Sale, error) {
		return h.service.EditSale(ctx, id, sales.Header{
			ClientID:    req.ClientID,
			SaleDate:    req.SaleDate.Time,
			TotalAmount: req.TotalAmount,
		})
	})
}

func (h *Handler) deleteSale(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.DeleteSale(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) completeSale(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := h.decode(r, "sale", &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.saleAction(w, r, func(ctx context.Context, id int64) (sales.Sale, error) {
		return h.service.CompleteSale(ctx, id, req.WarehouseID)
	})
}

func (h *Handler) addSaleLine(w http.ResponseWriter, r *http.Request) {
	var req lineRequest
	if err := h.decode(r, "sale", &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.saleAction(w, r, func(ctx context.Context, id int64) (sales.Sale, error) {
		return h.service.AddSaleLine(ctx, id, sales.LineInput{ProductID: req.ProductID, Qty: req.Qty})
	})
}

func (h *Handler) updateSaleLine(w http.ResponseWriter, r *http.Request) {
	lineID, err := pathID(r, "lineID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req lineQtyRequest
	if err := h.decode(r, "sale", &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.saleAction(w, r, func(ctx context.Context, id int64) (sales.Sale, error) {
		return h.service.UpdateSaleLine(ctx, id, lineID, req.Qty)
	})
}

func (h *Handler) removeSaleLine(w http.ResponseWriter, r *http.Request) {
	lineID, err := pathID(r, "lineID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.saleAction(w, r, func(ctx context.Context, id int64) (sales.Sale, error) {
		return h.service.RemoveSaleLine(ctx, id, lineID)
	})
}

func stockKey(r *http.Request) (int64, int64, error) {
	warehouseID, err := pathID(r, "warehouseID")
	if err != nil {
		return 0, 0, err
	}
	productID, err := pathID(r, "productID")
	if err != nil {
		return 0, 0, err
	}
	return warehouseID, productID, nil
}

func (h *Handler) getStock(w http.ResponseWriter, r *http.Request) {
	warehouseID, productID, err := stockKey(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	qty, err := h.service.GetStock(r.Context(), warehouseID, productID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stockResponse{WarehouseID: warehouseID, ProductID: productID, Qty: qty})
}

func (h *Handler) stockCard(w http.ResponseWriter, r *http.Request) {
	warehouseID, productID, err := stockKey(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	from, err := queryTime(r, "from")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page, err := queryPage(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	movements, err := h.service.StockCard(r.Context(), inventory.MovementFilter{
		WarehouseID: warehouseID,
		ProductID:   productID,
		From:        from,
		To:          to,
		Page:        page,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toMovementResponses(movements))
}

func (h *Handler) adjustStock(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := h.decode(r, "stock", &req); err != nil {
		h.fail(w, r, err)
		return
	}
	adjustments := make([]inventory.Adjustment, 0, len(req.Adjustments))
	for _, a := range req.Adjustments {
		adjustments = append(adjustments, inventory.Adjustment{WarehouseID: a.WarehouseID, ProductID: a.ProductID, Delta: a.Delta})
	}
	h.once(w, r, "stock", func(ctx context.Context) (any, error) {
		balances, err := h.service.AdjustStock(ctx, adjustments)
		if err != nil {
			return nil, err
		}
		return toStockResponses(balances), nil
	})
}
