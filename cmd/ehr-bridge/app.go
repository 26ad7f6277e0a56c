package main

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/bridge/internal/config"
	"github.com/ehr/bridge/internal/domain/access"
	"github.com/ehr/bridge/internal/domain/federation"
	"github.com/ehr/bridge/internal/domain/reconcile"
	"github.com/ehr/bridge/internal/domain/transfer"
	"github.com/ehr/bridge/internal/platform/apperr"
	"github.com/ehr/bridge/internal/platform/audit"
	"github.com/ehr/bridge/internal/platform/db"
	"github.com/ehr/bridge/internal/platform/metrics"
	"github.com/ehr/bridge/internal/platform/middleware"
	"github.com/ehr/bridge/internal/platform/store"
	"github.com/ehr/bridge/internal/platform/tenant"
)

// app holds the wired bridge components shared by every command.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	registry  *tenant.Registry
	gate      *access.Gate
	router    *federation.Router
	transfers *transfer.Service
	reconcile *reconcile.Service
	audit     audit.Recorder
	auditPool *pgxpool.Pool
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// newApp connects the tenant stores and, when configured, the audit
// database. Tenants that fail to connect are logged and kept in the
// registry in state error.
func newApp(ctx context.Context, cfg *config.Config, open store.Opener, logger zerolog.Logger) (*app, error) {
	for _, err := range cfg.SkippedTenants {
		logger.Warn().Err(err).Msg("tenant configuration skipped")
	}

	a := &app{cfg: cfg, logger: logger}

	recorders := []audit.Recorder{audit.NewLogRecorder(logger)}
	if cfg.AuditDatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.AuditDatabaseURL, cfg.AuditDBMaxConns, cfg.AuditDBMinConns, cfg.TenantConnectTimeout)
		if err != nil {
			return nil, err
		}
		a.auditPool = pool
		recorders = append(recorders, audit.NewPGRecorder(pool))
		logger.Info().Msg("connected to audit database")
	}
	a.audit = audit.Multi(recorders...)

	a.registry = tenant.NewRegistry(cfg.Tenants, open, logger, tenant.Options{ConnectTimeout: cfg.TenantConnectTimeout})
	if err := a.registry.Initialize(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}

	a.gate = access.NewGate(a.registry, a.audit, logger)
	a.router = federation.NewRouter(a.registry, a.gate, a.audit, logger, federation.Options{
		Concurrency:   cfg.FanOutConcurrency,
		TenantTimeout: cfg.TenantTimeout,
	})
	a.transfers = transfer.NewService(a.registry, a.gate, transfer.NewPrimitives(a.registry, logger),
		a.router, a.audit, logger, transfer.Options{
			BulkConcurrency: cfg.BulkTransferConcurrency,
			TenantTimeout:   cfg.TenantTimeout,
		})
	a.reconcile = reconcile.NewService(a.registry, a.gate, a.audit, logger, reconcile.Options{
		TenantTimeout: cfg.TenantTimeout,
	})
	return a, nil
}

func (a *app) close(ctx context.Context) {
	if a.registry != nil {
		if err := a.registry.Shutdown(ctx); err != nil {
			a.logger.Error().Err(err).Msg("tenant shutdown failed")
		}
	}
	if a.auditPool != nil {
		a.auditPool.Close()
	}
}

const (
	bulkTransferPath = "/api/v1/transfers/bulk"
	syncPath         = "/api/v1/sync"
)

func (a *app) newServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, middleware.RequesterHeader, middleware.OperatorTokenHeader, middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit, a.cfg.BulkBodyLimit, bulkTransferPath, syncPath))

	e.GET("/health", a.health)
	e.GET("/metrics", metrics.Handler())

	api := e.Group("/api/v1",
		middleware.Sanitize(a.logger),
		middleware.Requester(a.registry.Exists, a.cfg.OperatorToken),
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: a.cfg.RateLimitRPS,
			BurstSize:         a.cfg.RateLimitBurst,
		}),
		middleware.RequestTimeout(a.cfg.RequestTimeout, bulkTransferPath, syncPath),
	)

	access.NewHandler(a.gate).RegisterRoutes(api)
	federation.NewHandler(a.router).RegisterRoutes(api)
	transfer.NewHandler(a.transfers).RegisterRoutes(api)
	reconcile.NewHandler(a.reconcile).RegisterRoutes(api)
	api.POST("/tenants/:tenant/reconnect", a.reconnect)

	return e
}

// reconnect retries a tenant connection. Operator only.
func (a *app) reconnect(c echo.Context) error {
	tenantID := c.Param("tenant")
	if requester := middleware.RequesterFrom(c); requester != "" {
		return apperr.HTTPError(apperr.PermissionDenied("tenant.reconnect", requester, tenantID, "reconnect"))
	}
	if err := a.registry.Reconnect(c.Request().Context(), tenantID); err != nil {
		return apperr.HTTPError(err)
	}
	h, err := a.registry.Handle(tenantID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"tenantId": tenantID, "state": h.State()})
}

type healthReport struct {
	Status  string                         `json:"status"`
	Tenants map[string]tenant.HealthStatus `json:"tenants"`
	Audit   db.Report                      `json:"audit"`
}

// health answers 503 only when no tenant is reachable.
func (a *app) health(c echo.Context) error {
	ctx := c.Request().Context()
	report := healthReport{
		Status:  "ok",
		Tenants: a.registry.HealthCheck(ctx),
		Audit:   db.Check(ctx, a.auditPool, 5*time.Second),
	}

	connected := 0
	for _, t := range report.Tenants {
		if t.Connected {
			connected++
		}
	}
	switch {
	case connected == 0:
		report.Status = "unavailable"
		return c.JSON(http.StatusServiceUnavailable, report)
	case connected < len(report.Tenants) || !report.Audit.Healthy:
		report.Status = "degraded"
	}
	return c.JSON(http.StatusOK, report)
}
