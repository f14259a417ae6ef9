package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/site-cache/internal/auth"
	"github.com/jonesrussell/site-cache/internal/logger"
)

// Builder assembles a Server.
type Builder struct {
	config       *Config
	logger       logger.Logger
	setupRoutes  func(*gin.Engine)
	healthChecks map[string]HealthChecker
}

// NewBuilder starts a builder for serviceName listening on port.
func NewBuilder(serviceName string, port int) *Builder {
	return &Builder{
		config:       NewConfig(serviceName, port),
		healthChecks: make(map[string]HealthChecker),
	}
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(log logger.Logger) *Builder {
	b.logger = log
	return b
}

// WithDebug toggles gin debug mode.
func (b *Builder) WithDebug(debug bool) *Builder {
	b.config.Debug = debug
	return b
}

// WithVersion sets the version reported by /health.
func (b *Builder) WithVersion(version string) *Builder {
	b.config.ServiceVersion = version
	return b
}

// WithCORS configures CORS for admin routes.
func (b *Builder) WithCORS(cfg CORSConfig) *Builder {
	b.config.CORS = cfg
	return b
}

// WithTimeouts sets the server's read, write and idle timeouts.
func (b *Builder) WithTimeouts(read, write, idle time.Duration) *Builder {
	b.config.ReadTimeout = read
	b.config.WriteTimeout = write
	b.config.IdleTimeout = idle
	return b
}

// WithHealthCheck adds a named check to /health.
func (b *Builder) WithHealthCheck(name string, checker HealthChecker) *Builder {
	b.healthChecks[name] = checker
	return b
}

// WithRoutes sets the service route setup.
func (b *Builder) WithRoutes(setupRoutes func(*gin.Engine)) *Builder {
	b.setupRoutes = setupRoutes
	return b
}

// Build creates the server.
func (b *Builder) Build() *Server {
	if b.logger == nil {
		b.logger = logger.NewNop()
	}
	started := time.Now()

	setup := func(router *gin.Engine) {
		RegisterHealthRoutes(router, b.config.ServiceName, b.config.ServiceVersion, started, b.healthChecks)
		if b.setupRoutes != nil {
			b.setupRoutes(router)
		}
	}
	return NewServer(b.config, b.logger, setup)
}

// ProtectedGroup creates a router group with CORS and, when jwtSecret is
// set, JWT authentication.
func ProtectedGroup(router *gin.Engine, path, jwtSecret string, cors CORSConfig) *gin.RouterGroup {
	group := router.Group(path)
	group.Use(CORSMiddleware(cors))
	if jwtSecret != "" {
		group.Use(auth.Middleware(jwtSecret))
	}
	return group
}
