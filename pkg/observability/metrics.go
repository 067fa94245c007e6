package observability

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Hierarchy metrics
	HierarchyMutationsTotal  *prometheus.CounterVec
	HierarchyMutationSeconds *prometheus.HistogramVec
	HierarchyNodesTotal      prometheus.Gauge

	// Grant metrics
	GrantMutationsTotal *prometheus.CounterVec
	GrantsActiveTotal   prometheus.Gauge

	// Evaluation metrics
	EvaluationsTotal   *prometheus.CounterVec
	EvaluationSeconds  prometheus.Histogram
	EvaluationFailures prometheus.Counter

	// Cache metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// Audit metrics
	AuditEventsTotal  *prometheus.CounterVec
	AuditWriteFailures prometheus.Counter

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archon_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archon_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		HierarchyMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archon_hierarchy_mutations_total",
				Help: "Total number of hierarchy mutations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		HierarchyMutationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archon_hierarchy_mutation_duration_seconds",
				Help:    "Hierarchy mutation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		HierarchyNodesTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "archon_hierarchy_nodes_total",
				Help: "Current number of resource nodes",
			},
		),

		GrantMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archon_grant_mutations_total",
				Help: "Total number of permission grant mutations by operation",
			},
			[]string{"operation"},
		),
		GrantsActiveTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "archon_grants_active_total",
				Help: "Current number of active permission grants",
			},
		),

		EvaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archon_evaluations_total",
				Help: "Total number of access evaluations by outcome",
			},
			[]string{"outcome"},
		),
		EvaluationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "archon_evaluation_duration_seconds",
				Help:    "Access evaluation duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
		),
		EvaluationFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "archon_evaluation_failures_total",
				Help: "Total number of evaluations that failed closed",
			},
		),

		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "archon_evaluation_cache_hits_total",
				Help: "Total number of evaluation cache hits",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "archon_evaluation_cache_misses_total",
				Help: "Total number of evaluation cache misses",
			},
		),

		AuditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archon_audit_events_total",
				Help: "Total number of audit events by type",
			},
			[]string{"event_type"},
		),
		AuditWriteFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "archon_audit_write_failures_total",
				Help: "Total number of audit events that could not be persisted",
			},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "archon_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "archon_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HierarchyMutationsTotal,
		m.HierarchyMutationSeconds,
		m.HierarchyNodesTotal,
		m.GrantMutationsTotal,
		m.GrantsActiveTotal,
		m.EvaluationsTotal,
		m.EvaluationSeconds,
		m.EvaluationFailures,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.AuditEventsTotal,
		m.AuditWriteFailures,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// InitMetrics creates metrics with a fresh registry and returns both
func InitMetrics() (*Metrics, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	return NewMetrics(registry), registry
}

// Handler returns an HTTP handler serving the metrics registry
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// CollectDBStats copies sql.DB pool statistics into the gauges
func (m *Metrics) CollectDBStats(db *sql.DB) {
	stats := db.Stats()
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// StartDBStatsCollector periodically samples pool statistics until the channel closes
func (m *Metrics) StartDBStatsCollector(db *sql.DB, interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CollectDBStats(db)
			case <-stop:
				return
			}
		}
	}()
}
