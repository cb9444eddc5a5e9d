// Package metrics defines the Prometheus metric collectors used across the
// service. server.go exposes them for scraping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	AsksTotal            *prometheus.CounterVec
	AskLatency           *prometheus.HistogramVec
	CacheLookupsTotal    *prometheus.CounterVec
	CacheEntries         prometheus.Gauge
	SourceFetchesTotal   *prometheus.CounterVec
	SourceFetchDuration  *prometheus.HistogramVec
	MissingSourcesTotal  *prometheus.CounterVec
	CorpusDocuments      prometheus.Gauge
	CorpusRebuildsTotal  *prometheus.CounterVec
	CorpusQueryLatency   prometheus.Histogram
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all metrics and registers them on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		AsksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ara_asks_total",
				Help: "Answered requests by intent and result status.",
			},
			[]string{"intent", "status"},
		),
		AskLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ara_ask_latency_seconds",
				Help:    "End-to-end latency of answered requests in seconds.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
			},
			[]string{"intent"},
		),
		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ara_cache_lookups_total",
				Help: "Freshness cache lookups by source and outcome (hit, miss, coalesced, stale, unavailable, abandoned).",
			},
			[]string{"source", "outcome"},
		),
		CacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ara_cache_entries",
				Help: "Number of keys currently held by the freshness cache.",
			},
		),
		SourceFetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ara_source_fetches_total",
				Help: "Upstream fetches by source and classified outcome.",
			},
			[]string{"source", "outcome"},
		),
		SourceFetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ara_source_fetch_duration_seconds",
				Help:    "Upstream fetch latency in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3},
			},
			[]string{"source"},
		),
		MissingSourcesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ara_aggregator_missing_sources_total",
				Help: "Sources left out of a merged answer, by source and reason.",
			},
			[]string{"source", "reason"},
		),
		CorpusDocuments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ara_corpus_documents",
				Help: "Documents in the published corpus snapshot.",
			},
		),
		CorpusRebuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ara_corpus_rebuilds_total",
				Help: "Corpus rebuilds by status.",
			},
			[]string{"status"},
		),
		CorpusQueryLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ara_corpus_query_latency_seconds",
				Help:    "Corpus similarity query latency in seconds.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.AsksTotal,
		m.AskLatency,
		m.CacheLookupsTotal,
		m.CacheEntries,
		m.SourceFetchesTotal,
		m.SourceFetchDuration,
		m.MissingSourcesTotal,
		m.CorpusDocuments,
		m.CorpusRebuildsTotal,
		m.CorpusQueryLatency,
		m.CircuitBreakerState,
	)

	return m
}
