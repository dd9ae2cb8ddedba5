package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestReconcileMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewReconcileMetrics(reg)

	m.ObserveTransition("stripe", "webhook", "completed")
	m.AddSettledItems("stripe", 3, 1)
	m.IncProviderError("nexi", "fetch_status")
	m.IncWebhook("satispay", "signature_invalid")
	m.IncWebhook("", "processed")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("stripe", "webhook", "completed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.settledItems.WithLabelValues("stripe")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.itemFailures.WithLabelValues("stripe")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.providerErrors.WithLabelValues("nexi", "fetch_status")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhooks.WithLabelValues("unknown", "processed")))
}

func TestReconcileMetricsDailyReportReplacesSeries(t *testing.T) {
	m := NewReconcileMetrics(prometheus.NewRegistry())

	m.SetDailyReport(map[string]int64{"completed": 4, "failed": 1, "processing": 2}, 2, 1250)
	m.SetDailyReport(map[string]int64{"completed": 4, "failed": 1}, 2, 1250)

	assert.Equal(t, 2, testutil.CollectAndCount(m.ordersByStatus))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ordersByStatus.WithLabelValues("completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.stuckOrders))
	assert.Equal(t, 1250.0, testutil.ToFloat64(m.settledCents))

	m.SetOutboxBacklog(7, 1)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.outboxPending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outboxDLQ))
}

func TestReconcileMetricsNilSafe(t *testing.T) {
	var m *ReconcileMetrics
	m.ObserveTransition("stripe", "poll", "failed")
	m.AddSettledItems("stripe", 1, 0)
	m.SetDailyReport(nil, 0, 0)
	m.SetOutboxBacklog(1, 1)

	NewReconcileMetrics(nil).IncWebhook("paypal", "processed")
}
