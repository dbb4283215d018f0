package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions       prometheus.Gauge
	Routes               *prometheus.CounterVec
	TriageOutcomes       *prometheus.CounterVec
	EscalationEvents     *prometheus.CounterVec
	NotificationFailures prometheus.Counter
	Appointments         *prometheus.CounterVec
	UpstreamCalls        *prometheus.CounterVec
	UpstreamLatency      *prometheus.HistogramVec
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently held by the session store.",
		}),
		Routes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routed_messages_total",
			Help:      "Messages routed by handler and degraded flag.",
		}, []string{"handler", "degraded"}),
		TriageOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triage_outcomes_total",
			Help:      "Triage evaluations by urgency and terminal state.",
		}, []string{"urgency", "state"}),
		EscalationEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_events_total",
			Help:      "Escalation lifecycle actions.",
		}, []string{"action"}),
		NotificationFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_notification_failures_total",
			Help:      "Escalations whose alert delivery gave up after all retries.",
		}),
		Appointments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appointment_requests_total",
			Help:      "Appointment requests by status and priority.",
		}, []string{"status", "priority"}),
		UpstreamCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_total",
			Help:      "Collaborator call attempts by service, operation and outcome.",
		}, []string{"service", "op", "outcome"}),
		UpstreamLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_ms",
			Help:      "Collaborator call latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"service"}),
	}
}

func (m *Metrics) ObserveUpstream(service, op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamCalls.WithLabelValues(service, op, outcome).Inc()
	m.UpstreamLatency.WithLabelValues(service).Observe(float64(elapsed.Milliseconds()))
}

func (m *Metrics) RouteCompleted(handler string, degraded bool) {
	if m == nil {
		return
	}
	m.Routes.WithLabelValues(handler, strconv.FormatBool(degraded)).Inc()
}

func (m *Metrics) TriageEvaluated(urgency, state string) {
	if m == nil {
		return
	}
	m.TriageOutcomes.WithLabelValues(urgency, state).Inc()
}

func (m *Metrics) Escalation(action string) {
	if m == nil {
		return
	}
	m.EscalationEvents.WithLabelValues(action).Inc()
}

func (m *Metrics) NotificationFailed() {
	if m == nil {
		return
	}
	m.NotificationFailures.Inc()
}

func (m *Metrics) AppointmentRecorded(status, priority string) {
	if m == nil {
		return
	}
	m.Appointments.WithLabelValues(status, priority).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
