// Package metrics defines the Prometheus metrics of the complaint service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "civic"

type Metrics struct {
	StageDuration   *prometheus.HistogramVec
	ComplaintStatus *prometheus.CounterVec
	SafetyDecisions *prometheus.CounterVec
	Classifications *prometheus.CounterVec
	Submissions     *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	RetryQueueDepth prometheus.Gauge
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// New registers every metric on reg (the default registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"stage"}),
		ComplaintStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "complaints_total",
			Help:      "Complaints reaching each lifecycle status",
		}, []string{"status"}),
		SafetyDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "safety",
			Name:      "decisions_total",
			Help:      "Safety gate decisions",
		}, []string{"decision"}),
		Classifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "classifier",
			Name:      "classifications_total",
			Help:      "Primary problem types assigned",
		}, []string{"problem_type", "fallback"}),
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "submitter",
			Name:      "attempts_total",
			Help:      "Municipal submission attempts by outcome",
		}, []string{"outcome"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "submitter",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"endpoint"}),
		RetryQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "submitter",
			Name:      "retry_queue_depth",
			Help:      "Complaints waiting in the municipal retry queue",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"method", "route", "code"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) ObserveStage(stage string, started time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

func (m *Metrics) Status(status string) {
	if m == nil {
		return
	}
	m.ComplaintStatus.WithLabelValues(status).Inc()
}

func (m *Metrics) SafetyDecision(decision string) {
	if m == nil {
		return
	}
	m.SafetyDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) Classified(problemType string, fallback bool) {
	if m == nil {
		return
	}
	fb := "false"
	if fallback {
		fb = "true"
	}
	m.Classifications.WithLabelValues(problemType, fb).Inc()
}

func (m *Metrics) Submission(outcome string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Breaker(endpoint string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(endpoint).Set(float64(state))
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.RetryQueueDepth.Set(float64(n))
}

func (m *Metrics) HTTP(method, route, code string, started time.Time) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, code).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(time.Since(started).Seconds())
}
