package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ReconcileMetrics tracks payment status transitions and provider health.
type ReconcileMetrics struct {
	transitions    *prometheus.CounterVec
	settledItems   *prometheus.CounterVec
	itemFailures   *prometheus.CounterVec
	providerErrors *prometheus.CounterVec
	webhooks       *prometheus.CounterVec
	ordersByStatus *prometheus.GaugeVec
	stuckOrders    prometheus.Gauge
	settledCents   prometheus.Gauge
	outboxPending  prometheus.Gauge
	outboxDLQ      prometheus.Gauge
}

// NewReconcileMetrics registers the reconciliation metrics on reg. A nil
// registerer yields a no-op recorder.
func NewReconcileMetrics(reg prometheus.Registerer) *ReconcileMetrics {
	if reg == nil {
		return &ReconcileMetrics{}
	}
	m := &ReconcileMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_transitions_total",
			Help:      "Payment order status transitions by provider, trigger and target status.",
		}, []string{"provider", "trigger", "status"}),
		settledItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_items_settled_total",
			Help:      "Service line items marked paid by settlement.",
		}, []string{"provider"}),
		itemFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_item_settle_failures_total",
			Help:      "Service line items that failed to update during settlement.",
		}, []string{"provider"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider calls that failed or returned an unusable status.",
		}, []string{"provider", "operation"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Inbound webhook deliveries by outcome.",
		}, []string{"provider", "result"}),
		ordersByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daily_orders",
			Help:      "Payment orders created in the last reporting window by status.",
		}, []string{"status"}),
		stuckOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stuck_orders",
			Help:      "Orders still processing past the grace period at the last report.",
		}),
		settledCents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daily_settled_cents",
			Help:      "Amount settled in the last reporting window, in cents.",
		}),
		outboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending_events",
			Help:      "Settlement notifications waiting to be published.",
		}),
		outboxDLQ: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_dead_lettered_events",
			Help:      "Settlement notifications dead-lettered in the last maintenance window.",
		}),
	}
	reg.MustRegister(m.transitions, m.settledItems, m.itemFailures, m.providerErrors, m.webhooks, m.ordersByStatus, m.stuckOrders, m.settledCents, m.outboxPending, m.outboxDLQ)
	return m
}

func (m *ReconcileMetrics) ObserveTransition(provider, trigger, status string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(provider), normalizeLabel(trigger), normalizeLabel(status)).Inc()
}

func (m *ReconcileMetrics) AddSettledItems(provider string, settled, failed int) {
	if m == nil || m.settledItems == nil {
		return
	}
	m.settledItems.WithLabelValues(normalizeLabel(provider)).Add(float64(settled))
	m.itemFailures.WithLabelValues(normalizeLabel(provider)).Add(float64(failed))
}

func (m *ReconcileMetrics) IncProviderError(provider, operation string) {
	if m == nil || m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(normalizeLabel(provider), normalizeLabel(operation)).Inc()
}

func (m *ReconcileMetrics) IncWebhook(provider, result string) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.WithLabelValues(normalizeLabel(provider), normalizeLabel(result)).Inc()
}

// SetDailyReport publishes the latest daily report figures.
func (m *ReconcileMetrics) SetDailyReport(byStatus map[string]int64, stuck int64, settledCents int64) {
	if m == nil || m.ordersByStatus == nil {
		return
	}
	m.ordersByStatus.Reset()
	for status, count := range byStatus {
		m.ordersByStatus.WithLabelValues(normalizeLabel(status)).Set(float64(count))
	}
	m.stuckOrders.Set(float64(stuck))
	m.settledCents.Set(float64(settledCents))
}

// SetOutboxBacklog publishes the outbox queue depth and recent dead letters.
func (m *ReconcileMetrics) SetOutboxBacklog(pending, deadLettered int64) {
	if m == nil || m.outboxPending == nil {
		return
	}
	m.outboxPending.Set(float64(pending))
	m.outboxDLQ.Set(float64(deadLettered))
}
