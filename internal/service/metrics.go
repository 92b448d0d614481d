package service

import (
	"github.com/odvcencio/assetsync/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	gobreaker "github.com/sony/gobreaker/v2"
)

const metricsNamespace = "assetsync"

// Metrics are the engine counters. A nil *Metrics records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	batches       *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	apiCalls      *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	enqueued      *prometheus.CounterVec
	webhooks      *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "batch",
			Name:      "requests_total",
			Help:      "Queued requests executed, by outcome.",
		}, []string{"platform", "outcome"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "batch",
			Name:      "executions_total",
			Help:      "Batches executed.",
		}, []string{"platform", "batch_type"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "batch",
			Name:      "duration_seconds",
			Help:      "Batch execution latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"platform"}),
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "batch",
			Name:      "api_calls_total",
			Help:      "Network calls made to platform APIs.",
		}, []string{"platform"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "batch",
			Name:      "circuit_breaker_state",
			Help:      "Platform circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"platform"}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Enqueue calls, split by whether a new row was created.",
		}, []string{"platform", "created"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Webhook events by resulting status.",
		}, []string{"platform", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.batches, m.batchDuration, m.apiCalls, m.breakerState, m.enqueued, m.webhooks)
	}
	return m
}

func (m *Metrics) observeBatch(log *models.BatchExecutionLog) {
	if m == nil || log == nil {
		return
	}
	platform := string(log.Platform)
	m.batches.WithLabelValues(platform, log.BatchType).Inc()
	m.batchDuration.WithLabelValues(platform).Observe(float64(log.DurationMS) / 1000)
	m.apiCalls.WithLabelValues(platform).Add(float64(log.APICallsMade))
	m.requests.WithLabelValues(platform, "success").Add(float64(log.SuccessCount))
	m.requests.WithLabelValues(platform, "failure").Add(float64(log.FailureCount))
	m.requests.WithLabelValues(platform, "skipped").Add(float64(log.SkippedCount))
}

func (m *Metrics) observeEnqueue(platform models.Platform, created bool) {
	if m == nil {
		return
	}
	label := "false"
	if created {
		label = "true"
	}
	m.enqueued.WithLabelValues(string(platform), label).Inc()
}

func (m *Metrics) observeWebhook(platform models.Platform, status models.WebhookStatus) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(string(platform), string(status)).Inc()
}

func (m *Metrics) setBreakerState(platform string, state gobreaker.State) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(platform).Set(breakerStateValue(state))
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
