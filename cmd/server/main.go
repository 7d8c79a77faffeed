// Package main is the entry point for the audit service binary.
// It dispatches four subcommands (serve, migrate, keygen and version) via a
// switch on os.Args so the binary's full CLI surface is readable in one place.
// The serve command runs migrations on startup so freshly deployed containers
// never need a separate migration step.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/audittrail/audittrail/internal/api"
	"github.com/audittrail/audittrail/internal/audit"
	"github.com/audittrail/audittrail/internal/audit/queue"
	"github.com/audittrail/audittrail/internal/auth"
	"github.com/audittrail/audittrail/internal/cache"
	"github.com/audittrail/audittrail/internal/config"
	"github.com/audittrail/audittrail/internal/db"
	"github.com/audittrail/audittrail/internal/db/repositories"
	"github.com/audittrail/audittrail/internal/jobs"
	"github.com/audittrail/audittrail/internal/middleware"
	"github.com/audittrail/audittrail/internal/safego"
	"github.com/audittrail/audittrail/internal/storage"
	"github.com/audittrail/audittrail/internal/telemetry"

	// Archive storage backends register themselves by name.
	_ "github.com/audittrail/audittrail/internal/storage/azure"
	_ "github.com/audittrail/audittrail/internal/storage/gcs"
	_ "github.com/audittrail/audittrail/internal/storage/local"
	_ "github.com/audittrail/audittrail/internal/storage/s3"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	// keygen and version need no configuration.
	switch command {
	case "version":
		fmt.Printf("audittrail v%s\n", api.Version)
		return nil
	case "keygen":
		return keygen(os.Args[2:])
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg, configPath)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, keygen, version", command)
	}
}

func serve(cfg *config.Config, configPath string) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level, cfg.Telemetry.ServiceName)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	jwtManager, err := auth.NewJWTManager(cfg.Security.JWTSecret, !cfg.IsProduction())
	if err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}
	keys := make([]auth.ServiceKey, 0, len(cfg.Security.APIKeys))
	for _, k := range cfg.Security.APIKeys {
		keys = append(keys, auth.ServiceKey{Name: k.Name, Prefix: k.Prefix, Hash: k.Hash, Scopes: k.Scopes})
	}
	keyRing, err := auth.NewKeyRing(keys)
	if err != nil {
		return fmt.Errorf("invalid api key configuration: %w", err)
	}

	slog.Info("connecting to database",
		"host", cfg.Database.Host, "port", cfg.Database.Port,
		"name", cfg.Database.Name, "ssl_mode", cfg.Database.SSLMode)
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	telemetry.StartDBStatsCollector(database.DB)

	if err := db.RunMigrations(database.DB, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if v, dirty, err := db.GetMigrationVersion(database.DB); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", v, "dirty", dirty)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer rdb.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis not reachable at startup, continuing", "addr", cfg.Redis.Addr, "error", err)
		}
		cancel()
	}

	archive, err := storage.NewStorage(cfg)
	switch {
	case errors.Is(err, storage.ErrNoBackend):
		archive = nil
	case err != nil:
		return fmt.Errorf("failed to initialize storage backend: %w", err)
	default:
		slog.Info("archive storage ready", "backend", cfg.Storage.DefaultBackend)
	}

	// Services
	repo := repositories.NewAuditRepository(database)
	policy := audit.NewRetentionPolicy(
		cfg.Audit.Retention.DefaultDays,
		cfg.Audit.Retention.SeverityDays,
		cfg.Audit.Retention.ComplianceDays,
		cfg.Audit.Retention.ArchiveGraceDays,
	)
	batchSvc := audit.NewBatchService(repo, policy, cfg.Audit.Batch.Size, cfg.Audit.Batch.MaxParallel)

	queryOpts := []audit.QueryOption{}
	if cfg.Audit.Cache.Enabled {
		var backend cache.Backend = cache.NewMemoryBackend()
		if rdb != nil {
			backend = cache.NewRedisBackend(rdb)
		}
		c := cache.New(backend, cfg.Audit.Cache.Namespace, cfg.Audit.Cache.TTL)
		queryOpts = append(queryOpts, audit.WithCache(c, cfg.Audit.Cache.TTL))
		batchSvc.SetCache(c)
	}
	if archive != nil && cfg.Audit.Archive.ExportOnArchive {
		queryOpts = append(queryOpts, audit.WithArchiveStorage(archive, cfg.Audit.Archive.Prefix))
	}
	querySvc := audit.NewQueryService(repo, queryOpts...)

	// Queue, dispatcher and worker
	var q queue.Queue
	if cfg.Audit.Queue.Enabled {
		if rdb != nil {
			q = queue.NewRedisQueue(rdb, cfg.Audit.Queue.Name)
		} else {
			slog.Warn("redis not configured, audit queue is in-process and lost on restart")
			q = queue.NewMemoryQueue()
		}
	}
	dispatcher := queue.NewDispatcher(q, batchSvc, queue.Options{
		MaxAttempts: cfg.Audit.Queue.MaxAttempts,
		SingleDelay: cfg.Audit.Queue.SingleDelay,
		BatchDelay:  cfg.Audit.Queue.BatchDelay,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var worker *queue.Worker
	if q != nil {
		worker = queue.NewWorker(q, batchSvc, cfg.Audit.Queue.Concurrency, cfg.Audit.Queue.PollTimeout)
		safego.Go(func() { worker.Start(ctx) })
	}

	// Scheduler
	var locker jobs.Locker
	if rdb != nil {
		locker = jobs.NewRedisLocker(rdb)
	}
	scheduler := jobs.NewScheduler(cfg.Audit.Scheduler, locker)
	scheduler.Add(jobs.NewRetentionJob(batchSvc), cfg.Audit.Scheduler.RetentionInterval)
	scheduler.Add(jobs.NewStatisticsJob(querySvc, batchSvc, cfg.Audit.Scheduler.AggregateInterval),
		cfg.Audit.Scheduler.StatisticsInterval)
	scheduler.Start(ctx)

	// Metrics on a dedicated port so the scrape path stays off the public ingress.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		safego.Go(func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	deps := api.Deps{
		Config:        cfg,
		DB:            database,
		Storage:       archive,
		Authenticator: middleware.NewAuthenticator(jwtManager, keyRing),
		Query:         querySvc,
		Batch:         batchSvc,
		Dispatcher:    dispatcher,
	}
	if q != nil {
		deps.Queue = q
	}
	if rdb != nil {
		deps.Redis = rdb
		if cfg.Security.RateLimiting.Enabled {
			deps.Limiter = api.NewRedisLimiter(rdb, cfg)
		}
	}

	router, bgServices, err := api.NewRouter(deps)
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	watcher := config.NewWatcher(configPath, func(next *config.Config) {
		if err := bgServices.Reconfigure(next); err != nil {
			slog.Error("rejected audit capture config", "error", err)
		}
	})
	if err := watcher.Start(); err != nil {
		slog.Warn("config hot reload disabled", "error", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"queue", q != nil,
			"redis", rdb != nil,
			"archive_backend", cfg.Storage.DefaultBackend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Pending captures are dispatched before the worker goes away.
	bgServices.Shutdown()
	scheduler.Stop()
	if worker != nil {
		worker.Stop()
	}
	cancel()
	if q != nil {
		if err := q.Close(); err != nil {
			slog.Warn("failed to close audit queue", "error", err)
		}
	}

	slog.Info("server stopped gracefully")
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	log.Printf("Running migrations: %s", direction)
	if err := db.RunMigrations(database.DB, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", version, dirty)
	return nil
}

// keygen prints a new service key and the config entry that admits it. Only
// the bcrypt hash belongs in configuration; the key itself is shown once.
//
//	audittrail keygen <name> [scope ...]
func keygen(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s keygen <name> [scope ...]", os.Args[0])
	}
	name, scopes := args[0], args[1:]
	if len(scopes) == 0 {
		scopes = []string{string(auth.ScopeAuditWrite)}
	}
	if err := auth.ValidateScopes(scopes); err != nil {
		return err
	}

	key, hash, prefix, err := auth.GenerateAPIKey("")
	if err != nil {
		return err
	}
	fmt.Printf("Key (shown once): %s\n\n", key)
	fmt.Println("security:")
	fmt.Println("  api_keys:")
	fmt.Printf("    - name: %s\n", name)
	fmt.Printf("      prefix: %q\n", prefix)
	fmt.Printf("      hash: %q\n", hash)
	fmt.Printf("      scopes: [%s]\n", strings.Join(scopes, ", "))
	return nil
}
