package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthStatus represents the status of a health check.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// healthCheckTimeout bounds each individual check.
const healthCheckTimeout = 3 * time.Second

// HealthResponse is the /health body.
type HealthResponse struct {
	Status  HealthStatus           `json:"status"`
	Service string                 `json:"service"`
	Version string                 `json:"version"`
	Uptime  string                 `json:"uptime,omitempty"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one named check.
type CheckResult struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
	Latency string       `json:"latency,omitempty"`
}

// HealthChecker performs one health check.
type HealthChecker func(ctx context.Context) CheckResult

// PingChecker builds a checker from a ping function. A failing ping reports
// failStatus; use HealthStatusDegraded for dependencies the site can serve
// without.
func PingChecker(component string, failStatus HealthStatus, ping func(ctx context.Context) error) HealthChecker {
	return func(ctx context.Context) CheckResult {
		start := time.Now()
		err := ping(ctx)
		latency := time.Since(start).String()

		if err != nil {
			return CheckResult{
				Status:  failStatus,
				Message: component + " check failed: " + err.Error(),
				Latency: latency,
			}
		}
		return CheckResult{
			Status:  HealthStatusHealthy,
			Message: component + " OK",
			Latency: latency,
		}
	}
}

// RegisterHealthRoutes adds GET and HEAD /health.
func RegisterHealthRoutes(router *gin.Engine, service, version string, started time.Time, checks map[string]HealthChecker) {
	router.GET("/health", healthHandler(service, version, started, checks))
	router.HEAD("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
}

func healthHandler(service, version string, started time.Time, checks map[string]HealthChecker) gin.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c *gin.Context) {
		response := HealthResponse{
			Status:  HealthStatusHealthy,
			Service: service,
			Version: version,
			Uptime:  time.Since(started).Round(time.Second).String(),
		}

		if len(names) > 0 {
			response.Checks = make(map[string]CheckResult, len(names))
		}
		for _, name := range names {
			ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
			result := checks[name](ctx)
			cancel()

			response.Checks[name] = result
			switch {
			case result.Status == HealthStatusUnhealthy:
				response.Status = HealthStatusUnhealthy
			case result.Status == HealthStatusDegraded && response.Status == HealthStatusHealthy:
				response.Status = HealthStatusDegraded
			}
		}

		statusCode := http.StatusOK
		if response.Status == HealthStatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, response)
	}
}
