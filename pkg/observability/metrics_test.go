package observability

import (
	"database/sql"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMetricsRegisters(t *testing.T) {
	metrics, registry := InitMetrics()

	metrics.EvaluationsTotal.WithLabelValues("granted").Inc()
	metrics.EvaluationsTotal.WithLabelValues("denied").Add(2)
	metrics.CacheHitsTotal.Inc()
	metrics.HierarchyNodesTotal.Set(12)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.EvaluationsTotal.WithLabelValues("granted")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.EvaluationsTotal.WithLabelValues("denied")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheHitsTotal))
	assert.Equal(t, float64(12), testutil.ToFloat64(metrics.HierarchyNodesTotal))

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["archon_evaluations_total"])
	assert.True(t, names["archon_evaluation_cache_hits_total"])
	assert.True(t, names["archon_hierarchy_nodes_total"])
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	metrics, registry := InitMetrics()
	metrics.EvaluationFailures.Inc()

	rec := httptest.NewRecorder()
	Handler(registry).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "archon_evaluation_failures_total 1")
}

func TestCollectDBStats(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Ping())

	metrics, _ := InitMetrics()
	metrics.CollectDBStats(db)

	// Ping leaves one idle connection in the pool.
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.DBConnectionsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DBConnectionsIdle))
}

func TestStartDBStatsCollectorStops(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	metrics, _ := InitMetrics()
	stop := make(chan struct{})
	metrics.StartDBStatsCollector(db, 5*time.Millisecond, stop)

	time.Sleep(20 * time.Millisecond)
	close(stop)
}
