// Package metrics exposes Prometheus instrumentation for the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mediation"

// Metrics holds the service's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessionsCreated  *prometheus.CounterVec
	messages         *prometheus.CounterVec
	stageTransitions *prometheus.CounterVec
	stageRejections  prometheus.Counter
	inviteJoins      *prometheus.CounterVec
	safetyAlerts     *prometheus.CounterVec
	mediationTime    *prometheus.HistogramVec
	httpDuration     *prometheus.HistogramVec
	janitorSweeps    *prometheus.CounterVec
	transcriptDrops  prometheus.Counter
}

// New creates the collectors and registers them, with Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_created_total",
			Help: "Sessions created, by mode.",
		}, []string{"mode"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_total",
			Help: "Messages appended, by role.",
		}, []string{"role"}),
		stageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stage_transitions_total",
			Help: "Applied stage transitions.",
		}, []string{"from", "to"}),
		stageRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stage_rejections_total",
			Help: "Stage proposals rejected as unknown or illegal.",
		}),
		inviteJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "invite_joins_total",
			Help: "Join-by-code attempts, by result.",
		}, []string{"result"}),
		safetyAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "safety_alerts_total",
			Help: "Safety alerts raised by the mediator, by kind.",
		}, []string{"kind"}),
		mediationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "mediation_duration_seconds",
			Help:    "Time spent waiting for mediator replies.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency, by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		janitorSweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "janitor_rows_total",
			Help: "Rows changed by the janitor, by task.",
		}, []string{"task"}),
		transcriptDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transcript_dropped_total",
			Help: "Transcript events dropped because the queue was full.",
		}),
	}

	reg.MustRegister(
		m.sessionsCreated, m.messages, m.stageTransitions, m.stageRejections,
		m.inviteJoins, m.safetyAlerts, m.mediationTime, m.httpDuration,
		m.janitorSweeps, m.transcriptDrops,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.InstrumentMetricHandler(m.registry, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionCreated(mode string) {
	if m == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(mode).Inc()
}

func (m *Metrics) MessageAppended(role string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(role).Inc()
}

func (m *Metrics) StageTransition(from, to string) {
	if m == nil {
		return
	}
	m.stageTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) StageRejected() {
	if m == nil {
		return
	}
	m.stageRejections.Inc()
}

func (m *Metrics) InviteJoin(result string) {
	if m == nil {
		return
	}
	m.inviteJoins.WithLabelValues(result).Inc()
}

// SafetyAlert counts an alert. Unknown kinds share one label value.
func (m *Metrics) SafetyAlert(kind string) {
	if m == nil {
		return
	}
	switch kind {
	case "crisis", "escalation", "abuse":
	default:
		kind = "other"
	}
	m.safetyAlerts.WithLabelValues(kind).Inc()
}

// ObserveMediation records how long a mediator call took.
func (m *Metrics) ObserveMediation(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.mediationTime.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

func (m *Metrics) JanitorRows(task string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.janitorSweeps.WithLabelValues(task).Add(float64(n))
}

func (m *Metrics) TranscriptDropped() {
	if m == nil {
		return
	}
	m.transcriptDrops.Inc()
}
