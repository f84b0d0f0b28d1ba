package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/upb/llm-governance-gateway/models"
	"github.com/upb/llm-governance-gateway/services/audit"
	"github.com/upb/llm-governance-gateway/services/policy"
)

const namespace = "governance"

// Metrics holds the gateway's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	policyEvaluations     *prometheus.CounterVec
	policyModuleDuration  *prometheus.HistogramVec
	policyModuleFailures  *prometheus.CounterVec
	checkpointEvaluations *prometheus.CounterVec
	checkpointDuration    *prometheus.HistogramVec

	reviewsCreated *prometheus.CounterVec
	reviewsDecided *prometheus.CounterVec
	bypassChecks   *prometheus.CounterVec
	reviewsExpired prometheus.Counter

	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec

	dispositions        *prometheus.CounterVec
	dispositionDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors. A nil registry gets a
// fresh one with the Go and process collectors attached.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		registry: registry,
		policyEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "module_evaluations_total",
				Help:      "Policy module evaluations by module and outcome",
			},
			[]string{"policy", "outcome"},
		),
		policyModuleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "module_duration_seconds",
				Help:      "Policy module evaluation latency",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2},
			},
			[]string{"policy"},
		),
		policyModuleFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "module_failures_total",
				Help:      "Policy module crashes and timeouts",
			},
			[]string{"policy"},
		),
		checkpointEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "checkpoint_evaluations_total",
				Help:      "Aggregated checkpoint evaluations by checkpoint and final outcome",
			},
			[]string{"checkpoint", "outcome"},
		),
		checkpointDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "checkpoint_duration_seconds",
				Help:      "Time to evaluate all modules at a checkpoint",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"checkpoint"},
		),
		reviewsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "review",
				Name:      "created_total",
				Help:      "Reviews filed by checkpoint",
			},
			[]string{"checkpoint"},
		),
		reviewsDecided: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "review",
				Name:      "transitions_total",
				Help:      "Review status transitions by resulting status",
			},
			[]string{"status"},
		),
		bypassChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "review",
				Name:      "bypass_checks_total",
				Help:      "Bypass lookups by result",
			},
			[]string{"hit"},
		),
		reviewsExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "review",
				Name:      "expired_total",
				Help:      "Reviews moved to expired by maintenance",
			},
		),
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "calls_total",
				Help:      "Provider attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "call_duration_seconds",
				Help:      "Provider attempt latency",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		dispositions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Processed requests by disposition and deciding checkpoint",
			},
			[]string{"disposition", "checkpoint"},
		),
		dispositionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "End to end request latency by disposition",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"disposition"},
		),
	}

	registry.MustRegister(
		m.policyEvaluations,
		m.policyModuleDuration,
		m.policyModuleFailures,
		m.checkpointEvaluations,
		m.checkpointDuration,
		m.reviewsCreated,
		m.reviewsDecided,
		m.bypassChecks,
		m.reviewsExpired,
		m.providerCalls,
		m.providerDuration,
		m.dispositions,
		m.dispositionDuration,
	)

	return m
}

// RecordModule records one module evaluation
func (m *Metrics) RecordModule(policyName string, outcome policy.Outcome, duration time.Duration, failed bool) {
	m.policyEvaluations.WithLabelValues(policyName, outcome.String()).Inc()
	m.policyModuleDuration.WithLabelValues(policyName).Observe(duration.Seconds())
	if failed {
		m.policyModuleFailures.WithLabelValues(policyName).Inc()
	}
}

// RecordEvaluation records an aggregated checkpoint result
func (m *Metrics) RecordEvaluation(checkpoint policy.Checkpoint, outcome policy.Outcome, duration time.Duration) {
	m.checkpointEvaluations.WithLabelValues(string(checkpoint), outcome.String()).Inc()
	m.checkpointDuration.WithLabelValues(string(checkpoint)).Observe(duration.Seconds())
}

// ReviewCreated counts a filed review
func (m *Metrics) ReviewCreated(checkpoint string) {
	m.reviewsCreated.WithLabelValues(checkpoint).Inc()
}

// ReviewDecided counts a status transition
func (m *Metrics) ReviewDecided(status models.ReviewStatus) {
	m.reviewsDecided.WithLabelValues(string(status)).Inc()
}

// BypassChecked counts a bypass lookup
func (m *Metrics) BypassChecked(hit bool) {
	m.bypassChecks.WithLabelValues(strconv.FormatBool(hit)).Inc()
}

// ReviewsExpired adds expired reviews
func (m *Metrics) ReviewsExpired(count int64) {
	if count > 0 {
		m.reviewsExpired.Add(float64(count))
	}
}

// RecordProviderCall records one provider attempt
func (m *Metrics) RecordProviderCall(provider, outcome string, duration time.Duration) {
	m.providerCalls.WithLabelValues(provider, outcome).Inc()
	m.providerDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordDisposition records a finished request
func (m *Metrics) RecordDisposition(kind, checkpoint string, duration time.Duration) {
	m.dispositions.WithLabelValues(kind, checkpoint).Inc()
	m.dispositionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// AuditStats is satisfied by *audit.AuditService
type AuditStats interface {
	GetStats() audit.Stats
}

// RegisterAudit exposes the audit writer's counters as gauges read at scrape time.
func (m *Metrics) RegisterAudit(svc AuditStats) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "events_written",
				Help:      "Audit events persisted since start",
			},
			func() float64 { return float64(svc.GetStats().Written) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "events_dropped",
				Help:      "Audit events dropped because the buffer was full",
			},
			func() float64 { return float64(svc.GetStats().Dropped) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "events_pending",
				Help:      "Audit events waiting in the buffer",
			},
			func() float64 { return float64(svc.GetStats().PendingEvents) },
		),
	)
}

// Registry returns the backing registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
