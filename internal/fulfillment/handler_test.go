package fulfillment

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/platform/httpx"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

type apiFixture struct {
	*fixture
	server *httptest.Server
	redis  *miniredis.Miniredis
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := newFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	handler := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), f.svc, shared.NewIdempotencyStore(client, time.Hour))
	router := chi.NewRouter()
	router.Route("/api/v1", handler.MountRoutes)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &apiFixture{fixture: f, server: server, redis: mr}
}

func (a *apiFixture) do(t *testing.T, method, path, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, a.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ActorHeader, "7")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := a.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func pathf(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}

func decodeBody[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}

func TestHandlerPurchaseSaleFlow(t *testing.T) {
	a := newAPIFixture(t)

	resp, raw := a.do(t, http.MethodPost, "/api/v1/purchases", `{
		"supplier_id": 3,
		"purchase_date": "2026-03-02",
		"total_amount": "99.90",
		"lines": [{"product_id": 10, "qty": 15}]
	}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	purchase := decodeBody[purchaseResponse](t, raw)
	require.Equal(t, "PENDING", purchase.Status)
	require.EqualValues(t, 7, purchase.RequesterID)
	require.Equal(t, "99.9", purchase.TotalAmount.String())

	resp, raw = a.do(t, http.MethodPost, pathf("/api/v1/purchases/%d/complete", purchase.ID), `{"warehouse_id": 1}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	require.Equal(t, "COMPLETED", decodeBody[purchaseResponse](t, raw).Status)

	resp, raw = a.do(t, http.MethodGet, "/api/v1/stock/1/10", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 15, decodeBody[stockResponse](t, raw).Qty)

	resp, raw = a.do(t, http.MethodPost, "/api/v1/sales", `{
		"client_id": 4,
		"sale_date": "2026-03-03",
		"total_amount": 120,
		"lines": [{"product_id": 10, "qty": 20}]
	}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	sale := decodeBody[saleResponse](t, raw)

	resp, raw = a.do(t, http.MethodPost, pathf("/api/v1/sales/%d/complete", sale.ID), `{"warehouse_id": 1}`, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	problem := decodeBody[httpx.ProblemDetail](t, raw)
	require.Equal(t, "insufficient_stock", problem.Kind)
	require.Equal(t, "sale", problem.Entity)
	require.Equal(t, sale.ID, problem.EntityID)
	require.Equal(t, sale.Lines[0].ID, problem.LineID)
	require.False(t, problem.Retryable)

	resp, raw = a.do(t, http.MethodGet, "/api/v1/stock/1/10/movements", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decodeBody[[]movementResponse](t, raw), 1)

	resp, raw = a.do(t, http.MethodGet, "/api/v1/sales?status=pending", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decodeBody[[]saleResponse](t, raw), 1)
}

func TestHandlerRequisitionLifecycle(t *testing.T) {
	a := newAPIFixture(t)

	resp, raw := a.do(t, http.MethodPost, "/api/v1/requisitions", `{"description": "bins", "lines": [{"product_id": 11, "qty": 2}]}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	req := decodeBody[requisitionResponse](t, raw)

	resp, raw = a.do(t, http.MethodPost, pathf("/api/v1/requisitions/%d/lines", req.ID), `{"product_id": 10, "qty": 1}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	require.Len(t, decodeBody[requisitionResponse](t, raw).Lines, 2)

	resp, raw = a.do(t, http.MethodPost, pathf("/api/v1/requisitions/%d/approve", req.ID), "", map[string]string{ActorHeader: "9"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	approved := decodeBody[requisitionResponse](t, raw)
	require.Equal(t, "APPROVED", approved.Status)
	require.EqualValues(t, 9, approved.DecidedBy)

	resp, _ = a.do(t, http.MethodPost, pathf("/api/v1/requisitions/%d/reject", req.ID), "", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	body := `{"supplier_id": 3, "purchase_date": "2026-03-04", "total_amount": "10"}`
	resp, raw = a.do(t, http.MethodPost, pathf("/api/v1/requisitions/%d/purchase", req.ID), body, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	purchase := decodeBody[purchaseResponse](t, raw)
	require.Equal(t, req.ID, purchase.SourceRequisitionID)
	require.Len(t, purchase.Lines, 2)

	resp, raw = a.do(t, http.MethodPost, pathf("/api/v1/requisitions/%d/purchase", req.ID), body, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "already_linked", decodeBody[httpx.ProblemDetail](t, raw).Kind)
}

func TestHandlerIdempotentCreateReplays(t *testing.T) {
	a := newAPIFixture(t)
	body := `{"client_id": 4, "sale_date": "2026-03-03", "total_amount": "5", "lines": [{"product_id": 10, "qty": 1}]}`
	headers := map[string]string{IdempotencyHeader: "sale-123"}

	first, firstRaw := a.do(t, http.MethodPost, "/api/v1/sales", body, headers)
	require.Equal(t, http.StatusCreated, first.StatusCode, string(firstRaw))
	second, secondRaw := a.do(t, http.MethodPost, "/api/v1/sales", body, headers)
	require.Equal(t, http.StatusCreated, second.StatusCode)
	require.Equal(t, "true", second.Header.Get("Idempotent-Replayed"))
	require.JSONEq(t, string(firstRaw), string(secondRaw))

	resp, raw := a.do(t, http.MethodGet, "/api/v1/sales", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decodeBody[[]saleResponse](t, raw), 1)
}

func TestHandlerIdempotencyKeyIsScopedToRouteAndActor(t *testing.T) {
	a := newAPIFixture(t)
	approved := func(product int) requisitionResponse {
		resp, raw := a.do(t, http.MethodPost, "/api/v1/requisitions",
			fmt.Sprintf(`{"description": "bins", "lines": [{"product_id": %d, "qty": 2}]}`, product), nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
		req := decodeBody[requisitionResponse](t, raw)
		resp, raw = a.do(t, http.MethodPost, pathf("/api/v1/requisitions/%d/approve", req.ID), "", map[string]string{ActorHeader: "9"})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
		return req
	}
	first, second := approved(10), approved(11)
	headers := map[string]string{IdempotencyHeader: "gen-1"}
	body := `{"supplier_id": 3, "purchase_date": "2026-03-04", "total_amount": "10"}`

	resp, raw := a.do(t, http.MethodPost, pathf("/api/v1/requisitions/%d/purchase", first.ID), body, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	require.Equal(t, first.ID, decodeBody[purchaseResponse](t, raw).SourceRequisitionID)

	resp, raw = a.do(t, http.MethodPost, pathf("/api/v1/requisitions/%d/purchase", second.ID), body, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	require.Empty(t, resp.Header.Get("Idempotent-Replayed"))
	require.Equal(t, second.ID, decodeBody[purchaseResponse](t, raw).SourceRequisitionID)

	sale := `{"client_id": 4, "sale_date": "2026-03-03", "total_amount": "5", "lines": [{"product_id": 10, "qty": 1}]}`
	resp, raw = a.do(t, http.MethodPost, "/api/v1/sales", sale, map[string]string{IdempotencyHeader: "shared"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	resp, raw = a.do(t, http.MethodPost, "/api/v1/sales", sale, map[string]string{IdempotencyHeader: "shared", ActorHeader: "8"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	require.Empty(t, resp.Header.Get("Idempotent-Replayed"))

	resp, raw = a.do(t, http.MethodGet, "/api/v1/purchases", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decodeBody[[]purchaseResponse](t, raw), 2)
	resp, raw = a.do(t, http.MethodGet, "/api/v1/sales", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decodeBody[[]saleResponse](t, raw), 2)
}

func TestHandlerFailedCreateReleasesIdempotencyKey(t *testing.T) {
	a := newAPIFixture(t)
	headers := map[string]string{IdempotencyHeader: "sale-retry"}

	bad := `{"client_id": 4, "sale_date": "2026-03-03", "total_amount": "5", "lines": [{"product_id": 404, "qty": 1}]}`
	resp, raw := a.do(t, http.MethodPost, "/api/v1/sales", bad, headers)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(raw))
	require.Equal(t, "invalid_reference", decodeBody[httpx.ProblemDetail](t, raw).Kind)

	good := `{"client_id": 4, "sale_date": "2026-03-03", "total_amount": "5", "lines": [{"product_id": 10, "qty": 1}]}`
	resp, raw = a.do(t, http.MethodPost, "/api/v1/sales", good, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	require.Empty(t, resp.Header.Get("Idempotent-Replayed"))
}

func TestHandlerRejectsBadInput(t *testing.T) {
	a := newAPIFixture(t)

	resp, raw := a.do(t, http.MethodGet, "/api/v1/sales", "", map[string]string{ActorHeader: "abc"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "validation_error", decodeBody[httpx.ProblemDetail](t, raw).Kind)

	resp, _ = a.do(t, http.MethodPost, "/api/v1/sales", `{"client_id": `, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = a.do(t, http.MethodPost, "/api/v1/sales", `{"client_id": 4, "sale_date": "2026-03-03", "lines": [{"product_id": 10, "qty": 0}]}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = a.do(t, http.MethodGet, "/api/v1/sales/abc", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = a.do(t, http.MethodGet, "/api/v1/sales/999", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, raw = a.do(t, http.MethodGet, "/api/v1/stock/42/10", "", nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	problem := decodeBody[httpx.ProblemDetail](t, raw)
	require.Equal(t, "warehouse", problem.Entity)
	require.EqualValues(t, 42, problem.EntityID)
}

func TestHandlerStockAdjustment(t *testing.T) {
	a := newAPIFixture(t)

	resp, raw := a.do(t, http.MethodPost, "/api/v1/stock/adjustments", `{"adjustments": [{"warehouse_id": 2, "product_id": 11, "delta": 6}]}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	balances := decodeBody[[]stockResponse](t, raw)
	require.Len(t, balances, 1)
	require.EqualValues(t, 6, balances[0].Qty)

	resp, raw = a.do(t, http.MethodPost, "/api/v1/stock/adjustments", `{"adjustments": [{"warehouse_id": 2, "product_id": 11, "delta": -7}]}`, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "insufficient_stock", decodeBody[httpx.ProblemDetail](t, raw).Kind)

	resp, _ = a.do(t, http.MethodPost, "/api/v1/stock/adjustments", `{"adjustments": []}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
