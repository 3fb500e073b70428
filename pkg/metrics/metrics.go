// Package metrics exposes the pipeline's Prometheus collectors. One Metrics
// value is shared by the orchestrator, the rate limiter wiring, and the
// notification engine; the daemon serves the registry over promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pipeline collectors, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	EventsAnalyzed    *prometheus.CounterVec
	DetectionsTotal   *prometheus.CounterVec
	VerdictsTotal     *prometheus.CounterVec
	BlockedTotal      prometheus.Counter
	EngineFailures    *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	QueueDropped      prometheus.Counter
	NotificationsSent *prometheus.CounterVec
	NotificationsSuppressed prometheus.Counter
	EscalationsTotal  prometheus.Counter
	EmergencyMode     prometheus.Gauge
	FalsePositives    prometheus.Counter
	AnalyzeSeconds    prometheus.Histogram
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		EventsAnalyzed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatpipe_events_analyzed_total",
			Help: "Request events analyzed, by path (inline or batch).",
		}, []string{"path"}),
		DetectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatpipe_detections_total",
			Help: "Detection results produced, by engine and category.",
		}, []string{"engine", "category"}),
		VerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatpipe_verdicts_total",
			Help: "Verdicts produced, by risk level.",
		}, []string{"level"}),
		BlockedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threatpipe_blocked_total",
			Help: "Requests the pipeline recommended blocking.",
		}),
		EngineFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatpipe_engine_failures_total",
			Help: "Detection engine failures contained by the aggregator.",
		}, []string{"engine"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "threatpipe_queue_depth",
			Help: "Background analysis queue depth.",
		}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threatpipe_queue_dropped_total",
			Help: "Events dropped from the background queue on overflow.",
		}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatpipe_notifications_sent_total",
			Help: "Notifications delivered, by channel.",
		}, []string{"channel"}),
		NotificationsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threatpipe_notifications_suppressed_total",
			Help: "Notifications suppressed by per-rule rate caps.",
		}),
		EscalationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threatpipe_escalations_total",
			Help: "Threats re-emitted at escalated severity.",
		}),
		EmergencyMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "threatpipe_emergency_mode",
			Help: "1 while rate-limit emergency mode is active.",
		}),
		FalsePositives: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threatpipe_false_positives_total",
			Help: "Logged events resolved as false positives.",
		}),
		AnalyzeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "threatpipe_analyze_seconds",
			Help:    "Wall time of one full analysis fan-out.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
	reg.MustRegister(
		m.EventsAnalyzed, m.DetectionsTotal, m.VerdictsTotal, m.BlockedTotal,
		m.EngineFailures, m.QueueDepth, m.QueueDropped,
		m.NotificationsSent, m.NotificationsSuppressed, m.EscalationsTotal,
		m.EmergencyMode, m.FalsePositives, m.AnalyzeSeconds,
	)
	return m
}

// Handler returns the scrape handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
