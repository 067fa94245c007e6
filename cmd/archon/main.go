package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/archonhq/archon/pkg/audit"
	"github.com/archonhq/archon/pkg/authz"
	"github.com/archonhq/archon/pkg/config"
	"github.com/archonhq/archon/pkg/grants"
	"github.com/archonhq/archon/pkg/hierarchy"
	"github.com/archonhq/archon/pkg/middleware"
	"github.com/archonhq/archon/pkg/observability"
	"github.com/archonhq/archon/pkg/storage"
	"github.com/archonhq/archon/pkg/storage/postgres"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (optional, env vars otherwise)")
	flag.Parse()

	boot := logrus.New()
	boot.SetFormatter(&logrus.JSONFormatter{})

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadConfigFile(*configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		boot.WithError(err).Fatal("failed to load configuration")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithField("port", cfg.Server.Port).Info("starting archon")

	metrics, registry := observability.InitMetrics()

	// Database
	connMgr, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:  cfg.Database.PrimaryURL,
		ReplicaURLs: postgres.ParseReplicaURLs(cfg.Database.ReplicaURLs),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
		MaxLifetime: cfg.Database.MaxLifetime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		boot.WithError(err).Fatal("failed to connect to database")
	}
	db := connMgr.Primary()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), time.Minute)
	defer cancelMigrate()
	if err := hierarchy.Migrate(migrateCtx, db, storage.DialectPostgres); err != nil {
		boot.WithError(err).Fatal("hierarchy migrations failed")
	}
	if err := grants.Migrate(migrateCtx, db, storage.DialectPostgres); err != nil {
		boot.WithError(err).Fatal("grant migrations failed")
	}

	// Audit sinks: database always, NDJSON file when configured
	dbAudit, err := audit.NewDBLogger(db, storage.DialectPostgres)
	if err != nil {
		boot.WithError(err).Fatal("failed to initialize audit store")
	}
	sinks := []audit.Logger{dbAudit}
	if cfg.Audit.FilePath != "" {
		fileAudit, err := audit.NewFileLogger(cfg.Audit.FilePath)
		if err != nil {
			boot.WithError(err).Fatal("failed to open audit file")
		}
		sinks = append(sinks, fileAudit)
	}
	auditLogger := audit.NewMultiLogger(sinks...)

	// Evaluation cache
	var cache authz.Cache
	var redisClient *redis.Client
	if cfg.Cache.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			boot.WithError(err).Fatal("failed to connect to redis")
		}
		cache = authz.NewRedisCache(redisClient, cfg.Cache.TTL, logger)
		logger.WithField("addr", cfg.Cache.RedisAddr).Info("using redis evaluation cache")
	} else {
		cache = authz.NewMemoryCache(cfg.Cache.MaxEntries, cfg.Cache.TTL)
		logger.Info("using in-memory evaluation cache")
	}

	// Stores and evaluator
	hierarchyStore := hierarchy.NewStore(db, storage.DialectPostgres, auditLogger, logger, metrics)
	grantStore := grants.NewStore(db, storage.DialectPostgres, auditLogger, logger, metrics)
	evaluator := authz.NewEvaluator(hierarchyStore, grantStore, cache, auditLogger, logger, metrics)

	invalidator := authz.NewInvalidator(hierarchyStore, cache, logger)
	hierarchyStore.SetChangeListener(invalidator)
	grantStore.SetChangeListener(invalidator)

	// Audit retention
	retention := audit.NewRetentionScheduler(dbAudit, audit.RetentionPolicy{
		RetentionDays: cfg.Audit.RetentionDays,
		PurgeSchedule: cfg.Audit.PurgeSchedule,
	}, logger)
	if err := retention.Start(); err != nil {
		boot.WithError(err).Fatal("failed to start audit retention scheduler")
	}

	// API server
	router := mux.NewRouter()
	// Registered on the router so the route template is available for
	// the path label.
	router.Use(middleware.Metrics(metrics))
	hierarchy.NewHandlers(hierarchyStore).RegisterRoutes(router)
	grants.NewHandlers(grantStore).RegisterRoutes(router)
	authz.NewHandlers(evaluator).RegisterRoutes(router)
	audit.NewHandlers(dbAudit).RegisterRoutes(router)

	var limiter middleware.Limiter
	if redisClient != nil {
		limiter = middleware.NewRedisLimiter(redisClient, nil, "")
	} else {
		limiter = middleware.NewMemoryLimiter(nil)
	}
	handler := middleware.Chain(router,
		middleware.Recovery(logger),
		middleware.RequestID,
		middleware.Subject,
		middleware.Logging(logger),
		middleware.RateLimit(limiter, logger),
	)

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate port for probes
	health := observability.NewHealthChecker(db, redisClient)
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", health.Liveness)
	healthMux.HandleFunc("/readyz", health.Readiness)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", observability.Handler(registry))
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	stopStats := make(chan struct{})
	metrics.StartDBStatsCollector(db, 15*time.Second, stopStats)

	shutdown := observability.NewShutdownManager(logger, apiServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		close(stopStats)
		retention.Stop()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return auditLogger.Close()
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		if err := cache.Close(); err != nil {
			return err
		}
		return connMgr.Close()
	})

	var group errgroup.Group
	group.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("api server listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(shutdown.WaitForShutdown)

	if err := group.Wait(); err != nil {
		boot.WithError(err).Fatal("server exited with error")
	}
	logger.Info("archon stopped")
}
