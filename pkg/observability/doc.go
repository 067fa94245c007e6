// Package observability provides structured logging, Prometheus metrics, and health checks.
//
// # Structured Logging
//
// Create logger:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("node_id", id).Info("node created")
//
// # Prometheus Metrics
//
// Initialize metrics:
//
//	metrics, registry := observability.InitMetrics()
//	metrics.EvaluationsTotal.WithLabelValues("granted").Inc()
//
// # Health Checks
//
// Configure health checker:
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	http.HandleFunc("/healthz", checker.Liveness)
//	http.HandleFunc("/readyz", checker.Readiness)
package observability
