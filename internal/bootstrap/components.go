package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/site-cache/internal/backgroundsync"
	"github.com/jonesrussell/site-cache/internal/cachestore"
	"github.com/jonesrussell/site-cache/internal/config"
	"github.com/jonesrussell/site-cache/internal/httpclient"
	"github.com/jonesrussell/site-cache/internal/logger"
	"github.com/jonesrussell/site-cache/internal/manager"
	"github.com/jonesrussell/site-cache/internal/manifest"
	"github.com/jonesrussell/site-cache/internal/metrics"
	"github.com/jonesrussell/site-cache/internal/retry"
	"github.com/jonesrussell/site-cache/internal/server"
	"github.com/jonesrussell/site-cache/internal/store"
	"github.com/jonesrussell/site-cache/internal/syncqueue"
)

// Components are the wired site-cache services.
type Components struct {
	Config   *config.Config
	Log      logger.Logger
	Client   *http.Client
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Storage  cachestore.Storage
	Queue    syncqueue.Queue
	Loader   *manifest.Loader
	Manager  *manager.Manager
	Syncer   *backgroundsync.Syncer
	// Checks ping the external stores backing Storage and Queue.
	Checks map[string]server.HealthChecker

	redis   *redis.Client
	closers []func() error
}

// NewComponents connects the configured backends and builds the manager
// from the manifest on disk. Callers must Close the result.
func NewComponents(ctx context.Context, cfg *config.Config, log logger.Logger) (_ *Components, err error) {
	c := &Components{
		Config: cfg,
		Log:    log,
		Checks: make(map[string]server.HealthChecker),
	}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	origin, err := url.Parse(cfg.Origin.URL)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}

	c.Client = httpclient.New(httpclient.Config{
		Timeout:   cfg.Origin.Timeout,
		UserAgent: cfg.Service.Name + "/" + cfg.Service.Version,
	})

	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.Metrics = metrics.New(c.Registry)

	if err = c.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err = c.setupQueue(ctx); err != nil {
		return nil, err
	}

	c.Loader = &manifest.Loader{
		Origin:         origin,
		Client:         c.Client,
		DiscoverAssets: cfg.Manifest.DiscoverAssets,
	}
	mcfg, err := c.Loader.Load(ctx, cfg.Manifest.Path)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}

	c.Manager, err = manager.New(c.Storage, c.Client, mcfg, log, manager.WithMetrics(c.Metrics))
	if err != nil {
		return nil, fmt.Errorf("create manager: %w", err)
	}

	c.Syncer = backgroundsync.New(c.Queue, c.Client, log,
		backgroundsync.WithMetrics(c.Metrics),
		backgroundsync.WithRate(cfg.Sync.ReplayRate, cfg.Sync.ReplayBurst),
	)

	log.Info("Components initialized",
		logger.String("origin", origin.String()),
		logger.String("cache_version", mcfg.Version),
		logger.String("storage", cfg.Storage.Driver),
		logger.String("queue", cfg.Queue.Driver),
		logger.Int("manifest_urls", len(mcfg.Manifest)),
	)
	return c, nil
}

func (c *Components) setupStorage(ctx context.Context) error {
	cfg := c.Config
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		c.Storage = cachestore.NewMemoryStorage()
	case config.DriverRedis:
		client, err := c.redisClient(ctx)
		if err != nil {
			return err
		}
		c.Storage = cachestore.NewRedisStorage(client, cfg.Storage.KeyPrefix)
	default:
		fs, err := cachestore.NewFileStorage(cfg.Storage.Dir)
		if err != nil {
			return fmt.Errorf("create file storage: %w", err)
		}
		c.Storage = fs
	}
	return nil
}

func (c *Components) setupQueue(ctx context.Context) error {
	cfg := c.Config
	switch cfg.Queue.Driver {
	case config.DriverRedis:
		client, err := c.redisClient(ctx)
		if err != nil {
			return err
		}
		c.Queue = syncqueue.NewRedisQueue(client, cfg.Storage.KeyPrefix)
	case config.DriverPostgres:
		db, err := store.NewPostgres(ctx, cfg.Database, retry.DefaultConfig())
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		c.closers = append(c.closers, db.Close)
		c.Checks["postgres"] = server.PingChecker("postgres", server.HealthStatusDegraded, db.PingContext)
		c.Queue = syncqueue.NewPostgresQueue(db)
	default:
		c.Queue = syncqueue.NewMemoryQueue()
	}
	return nil
}

// redisClient connects once and is shared by storage and queue.
func (c *Components) redisClient(ctx context.Context) (*redis.Client, error) {
	if c.redis != nil {
		return c.redis, nil
	}
	client, err := store.NewRedisClient(ctx, c.Config.Redis, retry.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	c.redis = client
	c.closers = append(c.closers, client.Close)
	c.Checks["redis"] = server.PingChecker("redis", server.HealthStatusUnhealthy, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	return client, nil
}

// Close waits for pending cache writes and releases every backend
// connection.
func (c *Components) Close() error {
	if c.Manager != nil {
		c.Manager.Wait()
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
