// Package metrics holds the prometheus collectors shared by the analysis
// packages. Collectors register on a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	ProviderCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmdoc",
		Name:      "provider_calls_total",
		Help:      "Provider dispatches by provider and outcome.",
	}, []string{"provider", "outcome"})

	ProviderRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmdoc",
		Name:      "provider_retries_total",
		Help:      "Rate-limit retries by provider.",
	}, []string{"provider"})

	ProviderLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "qmdoc",
		Name:      "provider_call_seconds",
		Help:      "Provider call latency.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
	}, []string{"provider"})

	ParserLayer = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmdoc",
		Name:      "parser_layer_total",
		Help:      "Responses resolved per recovery layer.",
	}, []string{"layer"})

	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "qmdoc",
		Name:      "stage_duration_seconds",
		Help:      "Pipeline stage duration.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 3, 10),
	}, []string{"stage", "outcome"})

	PipelineRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmdoc",
		Name:      "pipeline_runs_total",
		Help:      "Pipeline runs by result (success, degraded, failed).",
	}, []string{"result"})

	Coverage = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "qmdoc",
		Name:      "coverage_percentage",
		Help:      "Verifier coverage percentage.",
		Buckets:   []float64{10, 30, 50, 60, 70, 80, 90, 95, 100},
	})

	RenderCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmdoc",
		Name:      "render_cache_total",
		Help:      "Render cache lookups by result (hit, miss).",
	}, []string{"result"})

	StageCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmdoc",
		Name:      "stage_cache_total",
		Help:      "Stage result cache lookups by result (hit, miss).",
	}, []string{"result"})

	Jobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmdoc",
		Name:      "jobs_total",
		Help:      "Queued document jobs by final status.",
	}, []string{"status"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ProviderCalls,
		ProviderRetries,
		ProviderLatency,
		ParserLayer,
		StageDuration,
		PipelineRuns,
		Coverage,
		RenderCache,
		StageCache,
		Jobs,
	)
}

// Handler serves the registry in the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
