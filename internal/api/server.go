// Package api wires site-cache's handlers into the HTTP server.
package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jonesrussell/site-cache/internal/backgroundsync"
	"github.com/jonesrussell/site-cache/internal/config"
	"github.com/jonesrussell/site-cache/internal/handler"
	"github.com/jonesrussell/site-cache/internal/logger"
	"github.com/jonesrussell/site-cache/internal/manager"
	"github.com/jonesrussell/site-cache/internal/metrics"
	"github.com/jonesrussell/site-cache/internal/server"
)

const (
	defaultReadTimeout = 30 * time.Second
	defaultIdleTimeout = 120 * time.Second
)

// Deps are the components the HTTP surface serves.
type Deps struct {
	Manager  *manager.Manager
	Syncer   *backgroundsync.Syncer
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	// Checks are extra /health checks, e.g. redis or postgres pings.
	Checks map[string]server.HealthChecker
}

// NewServer creates the site-cache HTTP server.
func NewServer(cfg *config.Config, deps Deps, log logger.Logger) *server.Server {
	admin := handler.NewAdminHandler(deps.Manager, deps.Syncer, log)
	fetch := handler.NewFetchHandler(deps.Manager, deps.Syncer, deps.Metrics, cfg.Sync.FormPaths, log)
	cors := server.CORSConfig{Enabled: true}

	b := server.NewBuilder(cfg.Service.Name, cfg.Service.Port).
		WithLogger(log).
		WithDebug(cfg.Service.Debug).
		WithVersion(cfg.Service.Version).
		WithCORS(cors).
		WithTimeouts(defaultReadTimeout, 0, defaultIdleTimeout).
		WithHealthCheck("storage", server.PingChecker("storage", server.HealthStatusUnhealthy, func(ctx context.Context) error {
			_, err := deps.Manager.Storage().Keys(ctx)
			return err
		}))

	if deps.Syncer != nil {
		b.WithHealthCheck("queue", server.PingChecker("queue", server.HealthStatusDegraded, func(ctx context.Context) error {
			_, err := deps.Syncer.Queue().Len(ctx, backgroundsync.TagFormSubmission)
			return err
		}))
	}
	for name, check := range deps.Checks {
		b.WithHealthCheck(name, check)
	}

	return b.WithRoutes(func(router *gin.Engine) {
		SetupRoutes(router, admin, fetch, deps.Gatherer, cfg.Auth.JWTSecret, cors)
	}).Build()
}
