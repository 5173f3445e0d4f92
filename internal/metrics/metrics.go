// Package metrics holds the Prometheus collectors exported by Kestrel.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RecordsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_records_ingested_total",
			Help: "Total number of ingested records by outcome (count)",
		},
		[]string{"status"},
	)

	IngestChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_ingest_chunks_total",
			Help: "Total number of ingest chunks by outcome (count)",
		},
		[]string{"status"},
	)

	StageRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_stage_runs_total",
			Help: "Total number of workflow stage runs (count)",
		},
		[]string{"stage", "status"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_stage_duration_ms",
			Help:    "Workflow stage duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"stage"},
	)

	RuleMatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_rule_matches_total",
			Help: "Total number of rule matches by rule type (count)",
		},
		[]string{"rule_type"},
	)

	ScorerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_scorer_requests_total",
			Help: "Total number of anomaly scorer calls by outcome (count)",
		},
		[]string{"status"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kestrel_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_cache_requests_total",
			Help: "Total number of cache lookups by tier and result (count)",
		},
		[]string{"tier", "result"},
	)

	BusMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_bus_messages_total",
			Help: "Total number of event bus messages by topic and outcome (count)",
		},
		[]string{"topic", "outcome"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_http_requests_total",
			Help: "Total number of API requests by route and status code (count)",
		},
		[]string{"method", "route", "code"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_http_request_duration_ms",
			Help:    "API request duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
		},
		[]string{"method", "route"},
	)

	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_rate_limited_requests_total",
			Help: "Total number of API requests rejected by the rate limiter (count)",
		},
	)
)

// collectors lists every collector owned by this package.
func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		RecordsIngestedTotal,
		IngestChunksTotal,
		StageRunsTotal,
		StageDuration,
		RuleMatchesTotal,
		ScorerRequestsTotal,
		CircuitBreakerState,
		CacheRequestsTotal,
		BusMessagesTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RateLimitedTotal,
	}
}

// Register registers all collectors with reg. Collectors that are already
// registered are skipped.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
