package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment"
	"github.com/odyssey-erp/fulfillment/internal/inventory"
	jobmetrics "github.com/odyssey-erp/fulfillment/internal/jobs"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeReconciler struct {
	report inventory.ReconcileReport
	err    error
	calls  int
}

func (f *fakeReconciler) Reconcile(context.Context) (inventory.ReconcileReport, error) {
	f.calls++
	return f.report, f.err
}

func TestReconcileJobReportsDiscrepancies(t *testing.T) {
	stock := &fakeReconciler{report: inventory.ReconcileReport{
		Keys:          3,
		Discrepancies: []inventory.Discrepancy{{Key: inventory.Key{WarehouseID: 1, ProductID: 10}, Balance: 5, Journal: 4}},
	}}
	job := NewReconcileJob(stock, discardLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewReconcileTask(time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 1, stock.calls)
}

func TestReconcileJobPropagatesFailure(t *testing.T) {
	stock := &fakeReconciler{err: errors.New("connection reset")}
	job := NewReconcileJob(stock, discardLogger(), nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskInventoryReconcile, nil))
	require.EqualError(t, err, "connection reset")
}

func TestReconcileJobSkipsMalformedPayload(t *testing.T) {
	stock := &fakeReconciler{}
	job := NewReconcileJob(stock, discardLogger(), nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskInventoryReconcile, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Zero(t, stock.calls)
}

func TestReconcileJobRequiresStock(t *testing.T) {
	var job *ReconcileJob
	require.Error(t, job.Handle(context.Background(), asynq.NewTask(TaskInventoryReconcile, nil)))
}

func sampleCompletion() fulfillment.Completion {
	return fulfillment.Completion{
		Entity:      "sale",
		OrderID:     8,
		WarehouseID: 1,
		RefID:       "b9f3c1e2-1111-5222-8333-444455556666",
		Balances:    []inventory.Balance{{WarehouseID: 1, ProductID: 10, Qty: 3}},
		CompletedAt: time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC),
	}
}

func TestCompletionTaskCarriesBalances(t *testing.T) {
	task, err := NewCompletionTask(sampleCompletion())
	require.NoError(t, err)
	require.Equal(t, TaskFulfillmentCompleted, task.Type())

	var payload CompletionPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, "sale", payload.Entity)
	require.EqualValues(t, 8, payload.OrderID)
	require.Equal(t, []BalancePayload{{WarehouseID: 1, ProductID: 10, Qty: 3}}, payload.Balances)

	job := NewCompletionJob(discardLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, job.Handle(context.Background(), task))
}

func TestCompletionJobSkipsInvalidPayload(t *testing.T) {
	job := NewCompletionJob(nil, nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskFulfillmentCompleted, []byte("not json")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), asynq.NewTask(TaskFulfillmentCompleted, []byte(`{"entity":"sale"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	if f.err != nil {
		return nil, f.err
	}
	return &asynq.TaskInfo{Type: task.Type(), Queue: QueueDefault}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

func TestClientOrderCompletedIgnoresDuplicate(t *testing.T) {
	enq := &fakeEnqueuer{}
	client := &Client{client: enq}
	require.NoError(t, client.OrderCompleted(context.Background(), sampleCompletion()))
	require.Len(t, enq.tasks, 1)

	enq.err = asynq.ErrTaskIDConflict
	require.NoError(t, client.OrderCompleted(context.Background(), sampleCompletion()))

	enq.err = errors.New("redis down")
	require.EqualError(t, client.OrderCompleted(context.Background(), sampleCompletion()), "redis down")
}

type fakeInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (f fakeInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return f.info, f.err
}

func serveHealth(t *testing.T, h *Handler) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Route("/jobs", h.MountRoutes)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	return rec
}

func TestHealthWithoutBroker(t *testing.T) {
	rec := serveHealth(t, NewHandler(nil, discardLogger()))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"queue":"default","pending":0}`, rec.Body.String())
}

func TestHealthReportsPending(t *testing.T) {
	h := &Handler{inspector: fakeInspector{info: &asynq.QueueInfo{Queue: "default", Pending: 4}}, logger: discardLogger()}
	rec := serveHealth(t, h)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"queue":"default","pending":4}`, rec.Body.String())

	h.inspector = fakeInspector{err: errors.New("dial tcp")}
	rec = serveHealth(t, h)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
