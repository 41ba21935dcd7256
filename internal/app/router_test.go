package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment"
	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/observability"
	"github.com/odyssey-erp/fulfillment/internal/shared"
	"github.com/odyssey-erp/fulfillment/jobs"
)

func newTestRouter(t *testing.T, cfg *Config, ready func(context.Context) error) (http.Handler, *observability.Metrics) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := fulfillment.NewMemoryStore()
	store.Seed([]int64{1}, []int64{10})
	stock := inventory.NewService(store.InventoryRepository(), nil, logger)
	svc := fulfillment.NewService(store, stock, shared.NewSlogAuditor(logger), logger)
	metrics := observability.NewMetrics()
	svc.SetMetrics(metrics)

	return NewRouter(RouterParams{
		Logger:             logger,
		Config:             cfg,
		FulfillmentHandler: fulfillment.NewHandler(logger, svc, nil),
		JobHandler:         jobs.NewHandler(nil, logger),
		Metrics:            metrics,
		Ready:              ready,
	}), metrics
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.10:4000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouterServesAPIAndOps(t *testing.T) {
	router, _ := newTestRouter(t, &Config{}, nil)

	rec := serve(router, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = serve(router, http.MethodPost, "/api/v1/stock/adjustments", `{"adjustments":[{"warehouse_id":1,"product_id":10,"delta":3}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = serve(router, http.MethodGet, "/api/v1/stock/1/10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"warehouse_id":1,"product_id":10,"qty":3}`, rec.Body.String())

	rec = serve(router, http.MethodGet, "/jobs/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "odyssey_http_requests_total")

	rec = serve(router, http.MethodGet, "/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestRouterReadiness(t *testing.T) {
	router, _ := newTestRouter(t, &Config{}, func(context.Context) error { return errors.New("pool closed") })
	rec := serve(router, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	router, _ = newTestRouter(t, &Config{}, nil)
	rec = serve(router, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterRateLimits(t *testing.T) {
	router, _ := newTestRouter(t, &Config{RateLimitPerMinute: 2}, nil)
	require.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/healthz", "").Code)
	rec := serve(router, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}
