package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// sample returns the counter or gauge value of the series matching labels.
func sample(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue series
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("series %s%v not found", name, labels)
	return 0
}

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Track("inventory:reconcile").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("inventory:reconcile").End(boom), boom)

	require.Equal(t, 1.0, sample(t, reg, "odyssey_jobs_total", map[string]string{"job": "inventory:reconcile", "status": "success"}))
	require.Equal(t, 1.0, sample(t, reg, "odyssey_jobs_total", map[string]string{"job": "inventory:reconcile", "status": "failure"}))
	require.Equal(t, 1.0, sample(t, reg, "odyssey_jobs_failures_total", map[string]string{"job": "inventory:reconcile"}))
}

func TestDiscrepancyGaugeAndNotifications(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.SetDiscrepancies(3)
	m.SetDiscrepancies(1)
	m.AddNotification("sale")
	m.AddNotification("")

	require.Equal(t, 1.0, sample(t, reg, "odyssey_stock_discrepancies", nil))
	require.Equal(t, 1.0, sample(t, reg, "odyssey_fulfillment_notifications_total", map[string]string{"entity": "sale"}))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	require.NoError(t, m.Track("x").End(nil))
	m.SetDiscrepancies(2)
	m.AddNotification("sale")
}
