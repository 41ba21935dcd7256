package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/fulfillment/internal/jobs"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMetricsHandlerExposesJobMetrics(t *testing.T) {
	metrics := NewMetrics()
	jobs := jobmetrics.NewMetrics(metrics.Registerer())
	require.NoError(t, jobs.Track("inventory:reconcile").End(nil))

	body := scrape(t, metrics)
	require.Contains(t, body, `odyssey_jobs_total{job="inventory:reconcile",status="success"} 1`)
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTeapot, rr.Code)

	body := scrape(t, metrics)
	require.Contains(t, body, `odyssey_http_requests_total{code="418",route="/test"} 1`)
	require.Contains(t, body, `odyssey_http_request_duration_seconds_bucket{route="/test"`)
}

func TestObserveCompletion(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveCompletion("sale", "completed")
	metrics.ObserveCompletion("sale", "insufficient_stock")
	metrics.ObserveCompletion("sale", "insufficient_stock")

	body := scrape(t, metrics)
	require.Contains(t, body, `odyssey_fulfillment_completions_total{entity="sale",outcome="completed"} 1`)
	require.Contains(t, body, `odyssey_fulfillment_completions_total{entity="sale",outcome="insufficient_stock"} 2`)

	var nilMetrics *Metrics
	nilMetrics.ObserveCompletion("sale", "completed")
}
