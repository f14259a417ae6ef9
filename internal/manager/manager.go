// Package manager implements the offline cache lifecycle: install a manifest
// into a versioned cache, activate it by evicting every other version, and
// answer requests cache-first with a network fallback.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonesrussell/site-cache/internal/cachestore"
	"github.com/jonesrussell/site-cache/internal/logger"
	"github.com/jonesrussell/site-cache/internal/metrics"
)

// installConcurrency bounds parallel manifest fetches.
const installConcurrency = 8

var (
	// ErrInstall wraps every install failure.
	ErrInstall = errors.New("install failed")
	// ErrNetwork wraps network failures surfaced to callers.
	ErrNetwork = errors.New("network request failed")
	// ErrNoOfflinePage is returned when a navigation fails and the offline
	// page is not cached.
	ErrNoOfflinePage = errors.New("offline page not cached")
	// ErrInvalidConfig is returned by New and Deploy for unusable configs.
	ErrInvalidConfig = errors.New("invalid manager config")
)

// Config is the per-deploy worker configuration.
type Config struct {
	// Version names the cache. Exactly one version is current.
	Version string
	// Origin is the site being cached. Same-origin responses are cacheable.
	Origin *url.URL
	// Manifest lists URLs to precache, absolute or origin-relative.
	Manifest []string
	// OfflinePage is served for failed navigations. It is always precached.
	OfflinePage string
}

func (c Config) validate() error {
	if err := cachestore.ValidateName(c.Version); err != nil {
		return fmt.Errorf("%w: version %q: %w", ErrInvalidConfig, c.Version, err)
	}
	if c.Origin == nil || !c.Origin.IsAbs() || c.Origin.Host == "" {
		return fmt.Errorf("%w: origin must be an absolute URL", ErrInvalidConfig)
	}
	if c.OfflinePage == "" {
		return fmt.Errorf("%w: offline page is required", ErrInvalidConfig)
	}
	return nil
}

// resolve turns a manifest entry into an absolute URL on the origin.
func (c Config) resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", ref, err)
	}
	return c.Origin.ResolveReference(u), nil
}

// precacheURLs returns the manifest plus the offline page, resolved and
// de-duplicated by cache key, in manifest order.
func (c Config) precacheURLs() ([]*url.URL, error) {
	refs := append([]string{}, c.Manifest...)
	refs = append(refs, c.OfflinePage)

	seen := make(map[string]bool, len(refs))
	urls := make([]*url.URL, 0, len(refs))
	for _, ref := range refs {
		u, err := c.resolve(ref)
		if err != nil {
			return nil, err
		}
		key := cachestore.KeyForURL(u)
		if seen[key] {
			continue
		}
		seen[key] = true
		urls = append(urls, u)
	}
	return urls, nil
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager owns the current cache version.
type Manager struct {
	storage cachestore.Storage
	client  Doer
	log     logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu  sync.RWMutex
	cfg Config

	writes sync.WaitGroup
}

// Option customizes a Manager.
type Option func(*Manager)

// WithMetrics records lifecycle and fetch metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithClock overrides time.Now for stored snapshots.
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

// New returns a Manager for cfg.
func New(storage cachestore.Storage, client Doer, cfg Config, log logger.Logger, opts ...Option) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		storage: storage,
		client:  client,
		log:     log.With(logger.Component("manager")),
		now:     time.Now,
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the current configuration.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Version returns the current cache version.
func (m *Manager) Version() string {
	return m.Config().Version
}

// Storage exposes the backing cache storage.
func (m *Manager) Storage() cachestore.Storage {
	return m.storage
}

// Install precaches the current configuration's manifest.
func (m *Manager) Install(ctx context.Context) error {
	return m.install(ctx, m.Config())
}

// Deploy installs cfg and, only if that succeeds, makes it current and
// activates it. A failed install leaves the previous version serving.
func (m *Manager) Deploy(ctx context.Context, cfg Config) ([]string, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := m.install(ctx, cfg); err != nil {
		return nil, err
	}

	// Taking the write lock waits out background writes still holding the
	// previous version; later ones see the new version and are dropped.
	m.mu.Lock()
	previous := m.cfg.Version
	m.cfg = cfg
	m.mu.Unlock()

	m.log.Info("Deployed cache version",
		logger.String("version", cfg.Version),
		logger.String("previous", previous),
	)
	return m.Activate(ctx)
}

// install fetches every manifest URL and stores them under cfg.Version. It
// is all-or-nothing: nothing is written unless every fetch returned a 2xx.
func (m *Manager) install(ctx context.Context, cfg Config) (err error) {
	defer func() { m.metrics.Install(err) }()

	urls, err := cfg.precacheURLs()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstall, err)
	}

	snapshots := make([]*cachestore.Response, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			resp, fetchErr := m.fetchForInstall(gctx, cfg, u)
			if fetchErr != nil {
				return fetchErr
			}
			snapshots[i] = resp
			return nil
		})
	}
	if waitErr := g.Wait(); waitErr != nil {
		m.log.Warn("Install aborted",
			logger.String("version", cfg.Version),
			logger.Error(waitErr),
		)
		return fmt.Errorf("%w: %w", ErrInstall, waitErr)
	}

	existed, err := m.storage.Has(ctx, cfg.Version)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstall, err)
	}

	cache, err := m.storage.Open(ctx, cfg.Version)
	if err != nil {
		return fmt.Errorf("%w: open cache: %w", ErrInstall, err)
	}

	for i, u := range urls {
		if putErr := cache.Put(ctx, cachestore.KeyForURL(u), snapshots[i]); putErr != nil {
			if !existed {
				if _, delErr := m.storage.Delete(context.WithoutCancel(ctx), cfg.Version); delErr != nil {
					m.log.Error("Failed to roll back partial install",
						logger.String("version", cfg.Version),
						logger.Error(delErr),
					)
				}
			}
			return fmt.Errorf("%w: store %s: %w", ErrInstall, u, putErr)
		}
	}

	m.log.Info("Installed cache version",
		logger.String("version", cfg.Version),
		logger.Int("entries", len(urls)),
	)
	return nil
}

func (m *Manager) fetchForInstall(ctx context.Context, cfg Config, u *url.URL) (*cachestore.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", u, err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch %s: unexpected status %d", u, resp.StatusCode)
	}

	return m.snapshot(cfg, resp)
}

// Activate deletes every cache whose name is not the current version and
// returns the names it removed.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	current := m.Version()

	names, err := m.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}

	deleted := make([]string, 0, len(names))
	for _, name := range names {
		if name == current {
			continue
		}
		if _, delErr := m.storage.Delete(ctx, name); delErr != nil {
			return deleted, fmt.Errorf("delete cache %s: %w", name, delErr)
		}
		deleted = append(deleted, name)
		m.log.Info("Deleted stale cache", logger.String("cache", name))
	}

	m.metrics.Activated(len(deleted))
	return deleted, nil
}

// Wait blocks until every background cache write has finished.
func (m *Manager) Wait() {
	m.writes.Wait()
}
