// ABOUTME: Prometheus metrics for webhooks, sessions, correlation, and real-time fan-out
// ABOUTME: All Record methods are nil-safe so components work without metrics enabled

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	// Webhook metrics
	WebhooksTotal   *prometheus.CounterVec
	WebhookDuration prometheus.Histogram

	// Session metrics
	SessionsCreated *prometheus.CounterVec
	SessionsSwept   *prometheus.CounterVec
	SessionsByState *prometheus.GaugeVec

	// Correlator metrics
	EventsApplied *prometheus.CounterVec
	QueueDepth    prometheus.Gauge

	// Enrichment metrics
	EnrichmentDuration prometheus.Histogram
	EnrichmentErrors   prometheus.Counter

	// Real-time metrics
	ConnectionsActive prometheus.Gauge
	FramesSent        *prometheus.CounterVec
	FramesDropped     prometheus.Counter
}

// New creates a Metrics instance with every metric registered under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voice_gateway"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		WebhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_total",
				Help:      "Webhook deliveries by event type and outcome",
			},
			[]string{"type", "outcome"},
		),
		WebhookDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "webhook_duration_seconds",
				Help:      "Time from webhook receipt to acknowledgment",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
		SessionsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_created_total",
				Help:      "Sessions created by agent key",
			},
			[]string{"agent_key"},
		),
		SessionsSwept: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_swept_total",
				Help:      "Sessions changed by the inactivity sweep",
			},
			[]string{"action"},
		),
		SessionsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions",
				Help:      "Sessions currently registered, by state",
			},
			[]string{"state"},
		),
		EventsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_applied_total",
				Help:      "Webhook events applied by the correlator, by type and result",
			},
			[]string{"type", "result"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "correlator_queue_depth",
				Help:      "Events waiting in correlator queues",
			},
		),
		EnrichmentDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "enrichment_duration_seconds",
				Help:      "Time spent enriching completed sessions",
				Buckets:   prometheus.DefBuckets,
			},
		),
		EnrichmentErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enrichment_errors_total",
				Help:      "Enrichment runs that failed to persist",
			},
		),
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "realtime_connections",
				Help:      "Open real-time connections",
			},
		),
		FramesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "realtime_frames_total",
				Help:      "Frames queued to real-time connections, by event",
			},
			[]string{"event"},
		),
		FramesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "realtime_frames_dropped_total",
				Help:      "Frames dropped because a connection's send queue was full",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.WebhooksTotal,
		m.WebhookDuration,
		m.SessionsCreated,
		m.SessionsSwept,
		m.SessionsByState,
		m.EventsApplied,
		m.QueueDepth,
		m.EnrichmentDuration,
		m.EnrichmentErrors,
		m.ConnectionsActive,
		m.FramesSent,
		m.FramesDropped,
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordWebhook records one webhook delivery.
func (m *Metrics) RecordWebhook(eventType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.WebhooksTotal.WithLabelValues(eventType, outcome).Inc()
	m.WebhookDuration.Observe(duration.Seconds())
}

// RecordSessionCreated records a new session.
func (m *Metrics) RecordSessionCreated(agentKey string) {
	if m == nil {
		return
	}
	m.SessionsCreated.WithLabelValues(agentKey).Inc()
}

// RecordSweep records one swept session.
func (m *Metrics) RecordSweep(action string) {
	if m == nil {
		return
	}
	m.SessionsSwept.WithLabelValues(action).Inc()
}

// SetSessionCounts replaces the per-state session gauge.
func (m *Metrics) SetSessionCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.SessionsByState.Reset()
	for state, n := range counts {
		m.SessionsByState.WithLabelValues(state).Set(float64(n))
	}
}

// RecordEventApplied records the result of applying one event.
func (m *Metrics) RecordEventApplied(eventType, result string) {
	if m == nil {
		return
	}
	m.EventsApplied.WithLabelValues(eventType, result).Inc()
}

// QueueAdd adjusts the correlator queue depth gauge.
func (m *Metrics) QueueAdd(delta int) {
	if m == nil {
		return
	}
	m.QueueDepth.Add(float64(delta))
}

// RecordEnrichment records one enrichment run.
func (m *Metrics) RecordEnrichment(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.EnrichmentDuration.Observe(duration.Seconds())
	if err != nil {
		m.EnrichmentErrors.Inc()
	}
}

// ConnectionOpened increments the open connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

// RecordFrame records a frame queued for a connection, or dropped if it was not.
func (m *Metrics) RecordFrame(event string, queued bool) {
	if m == nil {
		return
	}
	if !queued {
		m.FramesDropped.Inc()
		return
	}
	m.FramesSent.WithLabelValues(event).Inc()
}
