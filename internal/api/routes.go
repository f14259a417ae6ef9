package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonesrussell/site-cache/internal/handler"
	"github.com/jonesrussell/site-cache/internal/server"
)

// reservedPrefixes are served by site-cache itself and never intercepted.
var reservedPrefixes = []string{"/admin/", "/health/"}

// SetupRoutes configures the admin API, metrics and the fetch interceptor.
// Health routes are registered by the server builder.
func SetupRoutes(
	router *gin.Engine,
	admin *handler.AdminHandler,
	fetch *handler.FetchHandler,
	gatherer prometheus.Gatherer,
	jwtSecret string,
	cors server.CORSConfig,
) {
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	adminGroup := server.ProtectedGroup(router, "/admin", jwtSecret, cors)
	adminGroup.GET("/status", admin.Status)
	adminGroup.POST("/install", admin.Install)
	adminGroup.POST("/activate", admin.Activate)
	adminGroup.GET("/caches", admin.ListCaches)
	adminGroup.GET("/caches/:name", admin.GetCache)
	adminGroup.DELETE("/caches/:name", admin.DeleteCache)
	adminGroup.POST("/sync/:tag", admin.Sync)
	adminGroup.GET("/queue", admin.Queue)

	router.NoRoute(func(c *gin.Context) {
		p := c.Request.URL.Path
		for _, prefix := range reservedPrefixes {
			if strings.HasPrefix(p, prefix) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
		}
		fetch.Handle(c)
	})
}
