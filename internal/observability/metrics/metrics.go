package metrics

import "github.com/prometheus/client_golang/prometheus"

// IngestMetrics exposes counters/histograms for the chat webhook pipeline.
type IngestMetrics struct {
	deliveriesTotal    *prometheus.CounterVec
	messagesTotal      *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	webhookLatency     *prometheus.HistogramVec
}

func NewIngestMetrics(reg prometheus.Registerer) *IngestMetrics {
	m := &IngestMetrics{
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "propchat",
			Subsystem: "ingest",
			Name:      "deliveries_total",
			Help:      "Webhook deliveries by payload format and response status",
		}, []string{"format", "status"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "propchat",
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Normalized inbound messages by pipeline outcome",
		}, []string{"outcome"}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "propchat",
			Subsystem: "notify",
			Name:      "attempts_total",
			Help:      "Agent notification attempts by channel and result",
		}, []string{"channel", "result"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "propchat",
			Subsystem: "ingest",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of chat webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"format"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.deliveriesTotal, m.messagesTotal, m.notificationsTotal, m.webhookLatency)
	return m
}

func (m *IngestMetrics) ObserveDelivery(format, status string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(format, status).Inc()
}

func (m *IngestMetrics) ObserveMessage(outcome string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(outcome).Inc()
}

func (m *IngestMetrics) ObserveNotification(channel, result string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(channel, result).Inc()
}

func (m *IngestMetrics) ObserveWebhookLatency(format string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(format).Observe(seconds)
}
