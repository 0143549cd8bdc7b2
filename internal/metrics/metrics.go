// Package metrics exposes Prometheus instrumentation for Kestrel.
package metrics

import (
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kestrel"

// Metrics holds every collector on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	analyses   *prometheus.CounterVec
	indicators *prometheus.CounterVec
	errors     *prometheus.CounterVec
	cacheHits  prometheus.Counter
	purged     prometheus.Counter
	duration   prometheus.Histogram
	score      prometheus.Histogram
}

// New registers the Kestrel collectors along with Go runtime and process metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Statement analyses by verdict.",
		}, []string{"status"}),
		indicators: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indicators_total",
			Help:      "Fraud indicators raised.",
		}, []string{"indicator"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failed submissions by pipeline stage.",
		}, []string{"stage"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_cache_hits_total",
			Help:      "Submissions answered from the result cache.",
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_purged_total",
			Help:      "Analyses removed by the retention job.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "End-to-end submission latency.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		score: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "accuracy_score",
			Help:      "Distribution of accuracy scores.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.analyses,
		m.indicators,
		m.errors,
		m.cacheHits,
		m.purged,
		m.duration,
		m.score,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveAnalysis records a completed submission.
func (m *Metrics) ObserveAnalysis(a *domain.Analysis, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.analyses.WithLabelValues(a.Status).Inc()
	m.score.Observe(float64(a.Result.Metadata.AccuracyScore))
	m.duration.Observe(elapsed.Seconds())
	for _, indicator := range a.Result.Metadata.FraudIndicators {
		m.indicators.WithLabelValues(indicator).Inc()
	}
	if a.Metadata.Cached {
		m.cacheHits.Inc()
	}
}

// Error counts a failure at stage.
func (m *Metrics) Error(stage string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(stage).Inc()
}

// Purged counts analyses removed by retention.
func (m *Metrics) Purged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}
