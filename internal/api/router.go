// Package api wires together all HTTP routes of the audit service.
//
// Route grouping:
//   - /health, /ready and /version are unauthenticated so that orchestrators can
//     check the process without credentials.
//   - Everything under /api/v1/audit-logs requires a JWT or service key and the
//     matching audit scope. Ingestion (audit:write) is separate from reading
//     (audit:read) so producer services never see stored records.
//
// Requests to the audit API are themselves captured by the audit interceptor,
// except for the two ingestion routes which would otherwise audit every audit
// write.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/audittrail/audittrail/internal/api/auditlogs"
	"github.com/audittrail/audittrail/internal/audit"
	"github.com/audittrail/audittrail/internal/auth"
	"github.com/audittrail/audittrail/internal/config"
	"github.com/audittrail/audittrail/internal/middleware"
	"github.com/audittrail/audittrail/internal/storage"
)

// Version is reported by /version. cmd/server overrides it at link time.
var Version = "0.1.0"

const auditLogsPath = "/api/v1/audit-logs"

// Pinger is satisfied by *sqlx.DB and *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the collaborators the router needs. Redis, Storage, Queue and
// Limiter may be nil; the corresponding features are then disabled.
type Deps struct {
	Config        *config.Config
	DB            Pinger
	Redis         redis.UniversalClient
	Storage       storage.Storage
	Authenticator *middleware.Authenticator
	Query         auditlogs.Querier
	Batch         auditlogs.Batcher
	Dispatcher    middleware.Dispatcher
	Queue         auditlogs.QueueAdmin
	Limiter       middleware.Limiter
}

// BackgroundServices holds what the router started and the caller must stop
// during graceful shutdown, plus the live audit interceptor so that config
// reloads can swap it.
type BackgroundServices struct {
	capture      atomic.Pointer[middleware.AuditCapture]
	rateLimiters []*middleware.RateLimiter
}

// Capture returns the active audit interceptor.
func (bg *BackgroundServices) Capture() *middleware.AuditCapture {
	return bg.capture.Load()
}

// Reconfigure replaces the capture policy. In-flight requests finish with the
// interceptor they started with.
func (bg *BackgroundServices) Reconfigure(cfg *config.Config) error {
	next, err := bg.capture.Load().Reconfigure(middleware.NewCaptureConfig(cfg))
	if err != nil {
		return err
	}
	bg.capture.Store(next)
	slog.Info("audit capture reconfigured",
		"enabled", cfg.Audit.Capture.Enabled,
		"read_operations", cfg.Audit.Capture.ReadOperations)
	return nil
}

// Shutdown stops rate limiter janitors and waits for pending audit dispatches.
// It should be called after the HTTP server has been shut down so that
// in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if c := bg.capture.Load(); c != nil {
		c.Close()
	}
	slog.Info("all background services stopped")
}

// captureMiddleware delegates to whichever interceptor is current.
func (bg *BackgroundServices) captureMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		bg.capture.Load().Handler()(c)
	}
}

// AuditRoutes returns the per-route capture registry for the audit API.
func AuditRoutes() *middleware.AuditRoutes {
	r := middleware.NewAuditRoutes()
	r.Skip(http.MethodPost, auditLogsPath)
	r.Skip(http.MethodPost, auditLogsPath+"/batch")

	admin := func(action string, t audit.ActionType, sev audit.Severity) middleware.RouteAudit {
		return middleware.RouteAudit{
			Action:     action,
			ActionType: t,
			Severity:   sev,
			Resource:   "audit-log",
			Compliance: []string{"AUDIT"},
		}
	}
	r.Register(http.MethodGet, auditLogsPath+"/export", admin("export-audit-logs", audit.ActionExport, audit.SeverityMedium))
	r.Register(http.MethodDelete, auditLogsPath+"/:id", admin("delete-audit-log", audit.ActionDelete, audit.SeverityHigh))
	r.Register(http.MethodPost, auditLogsPath+"/bulk-delete", admin("bulk-delete-audit-logs", audit.ActionBulkOperation, audit.SeverityCritical))
	r.Register(http.MethodPost, auditLogsPath+"/archive", admin("archive-audit-logs", audit.ActionBulkOperation, audit.SeverityHigh))
	r.Register(http.MethodPost, auditLogsPath+"/retention/apply", admin("apply-retention-policy", audit.ActionBulkOperation, audit.SeverityHigh))
	r.Register(http.MethodPatch, auditLogsPath+"/:id/review", admin("review-audit-log", audit.ActionApprove, audit.SeverityMedium))
	r.Register(http.MethodDelete, auditLogsPath+"/queue", admin("empty-audit-queue", audit.ActionSystemConfig, audit.SeverityHigh))
	return r
}

// NewRouter creates and configures the Gin router.
func NewRouter(deps Deps) (*gin.Engine, *BackgroundServices, error) {
	cfg := deps.Config
	bg := &BackgroundServices{}

	capture, err := middleware.NewAuditCapture(middleware.NewCaptureConfig(cfg), AuditRoutes(), deps.Dispatcher)
	if err != nil {
		return nil, nil, err
	}
	bg.capture.Store(capture)

	limiter := deps.Limiter
	if limiter == nil && cfg.Security.RateLimiting.Enabled {
		rl := middleware.NewRateLimiter(rateLimitConfig(cfg))
		bg.rateLimiters = append(bg.rateLimiters, rl)
		limiter = rl
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS.AllowedOrigins))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	router.GET("/health", healthCheckHandler(deps.DB))
	router.GET("/ready", readinessHandler(deps.DB, deps.Redis, deps.Storage))
	router.GET("/version", versionHandler())

	h := auditlogs.NewHandlers(deps.Query, deps.Batch, deps.Dispatcher, deps.Queue, cfg.Audit.Batch.MaxRequest)

	logs := router.Group(auditLogsPath)
	logs.Use(middleware.AuthMiddleware(deps.Authenticator))
	if limiter != nil {
		logs.Use(middleware.RateLimitMiddleware(limiter))
	}
	logs.Use(bg.captureMiddleware())
	{
		write := middleware.RequireScope(auth.ScopeAuditWrite)
		read := middleware.RequireScope(auth.ScopeAuditRead)
		admin := middleware.RequireScope(auth.ScopeAuditAdmin)

		logs.POST("", write, h.Create)
		logs.POST("/batch", write, h.CreateBatch)

		logs.GET("", read, h.List)
		logs.GET("/statistics", read, h.Statistics)
		logs.GET("/aggregate", read, h.Aggregate)
		logs.GET("/export", read, h.Export)

		logs.POST("/bulk-delete", admin, h.BulkDelete)
		logs.POST("/archive", admin, h.Archive)
		logs.POST("/retention/apply", admin, h.ApplyRetention)
		logs.GET("/queue", admin, h.QueueStatus)
		logs.DELETE("/queue", admin, h.EmptyQueue)

		logs.GET("/:id", read, h.Get)
		logs.GET("/:id/verify", middleware.RequireAnyScope(auth.ScopeAuditRead, auth.ScopeAuditWrite), h.Verify)
		logs.PATCH("/:id/review", admin, h.Review)
		logs.DELETE("/:id", admin, h.Delete)
	}

	return router, bg, nil
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if n := cfg.Security.RateLimiting.RequestsPerMinute; n > 0 {
		rl.RequestsPerMinute = n
	}
	if n := cfg.Security.RateLimiting.Burst; n > 0 {
		rl.BurstSize = n
	}
	return rl
}

// NewRedisLimiter builds the shared limiter used when Redis is configured.
func NewRedisLimiter(client *redis.Client, cfg *config.Config) middleware.Limiter {
	return middleware.NewRedisLimiter(client, rateLimitConfig(cfg))
}

// @Summary      Health check
// @Description  Liveness check. Returns 503 when the database cannot be reached.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if db == nil || db.PingContext(ctx) != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler reports whether the service can take traffic. The database
// is required; Redis and the archive store are checked only when configured.
func readinessHandler(db Pinger, rdb redis.UniversalClient, st storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		checks := gin.H{}
		var failed []string
		check := func(name string, fn func() error) {
			if err := fn(); err != nil {
				slog.Warn("readiness check failed", "check", name, "error", err)
				checks[name] = "unhealthy"
				failed = append(failed, name)
				return
			}
			checks[name] = "healthy"
		}

		check("database", func() error {
			if db == nil {
				return errors.New("not configured")
			}
			return db.PingContext(ctx)
		})
		if rdb != nil {
			check("redis", func() error { return rdb.Ping(ctx).Err() })
		}
		if st != nil {
			// Exists on a sentinel path exercises credentials and network
			// without creating state.
			check("storage", func() error {
				_, err := st.Exists(ctx, ".readiness-check")
				return err
			})
		}

		if len(failed) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  failed[0] + " not ready",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the build version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}
