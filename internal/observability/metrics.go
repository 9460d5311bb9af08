package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	PromptEvents      *prometheus.CounterVec
	Resolutions       *prometheus.CounterVec
	Snapshots         *prometheus.CounterVec
	ResolutionLatency prometheus.Histogram

	report *resolutionTracker
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active prompt sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		PromptEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompt_events_total",
			Help:      "Prompt lifecycle events (shown, hidden, suppressed echo, unchanged, dismissed, marked).",
		}, []string{"event"}),
		Resolutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Prompt resolutions by outcome.",
		}, []string{"outcome"}),
		Snapshots: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Snapshot loads by result.",
		}, []string{"result"}),
		ResolutionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prompt_resolution_latency_ms",
			Help:      "Time from prompt shown to resolution in milliseconds.",
			Buckets:   []float64{500, 1000, 2000, 5000, 10000, 30000, 60000, 300000},
		}),
		report: newResolutionTracker(256),
	}
}

func (m *Metrics) ObservePrompt(event string) {
	if m == nil {
		return
	}
	m.PromptEvents.WithLabelValues(event).Inc()
	m.report.prompt(event)
}

func (m *Metrics) ObserveSnapshot(result string) {
	if m == nil {
		return
	}
	m.Snapshots.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

// SetActiveSessions is nil-safe so components can run without metrics.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ObserveMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// ObserveResolution records one resolution attempt. shownFor is the time the
// prompt was on screen; zero when unknown (HTTP callers).
func (m *Metrics) ObserveResolution(outcome string, shownFor time.Duration) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(outcome).Inc()
	m.report.resolution(outcome, shownFor)
	if shownFor > 0 {
		m.ResolutionLatency.Observe(float64(shownFor.Milliseconds()))
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.report.stage(stage, d)
}

// ResolutionReport returns the in-process view served at /v1/perf/resolution.
func (m *Metrics) ResolutionReport() ResolutionReport {
	if m == nil {
		return ResolutionReport{GeneratedAt: time.Now().UTC(), Outcomes: []OutcomeWindow{}, Stages: []StageLatency{}}
	}
	return m.report.report()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
