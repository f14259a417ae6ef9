package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonesrussell/site-cache/internal/cachestore"
	"github.com/jonesrussell/site-cache/internal/logger"
)

// Source says which path answered a fetch.
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
	SourceOffline Source = "offline"
)

// Result is the answer to an intercepted request.
type Result struct {
	Response *cachestore.Response
	Source   Source
}

// hopHeaders are connection-scoped and never forwarded or stored.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// IsNavigation reports whether r loads a full HTML document.
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// TargetURL maps an intercepted request onto the origin. Absolute-form
// requests for another host keep their own URL and are cross-origin.
func (c Config) TargetURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() && r.URL.Host != "" && !sameOrigin(r.URL, c.Origin) {
		u := *r.URL
		u.Fragment = ""
		return &u
	}
	return c.Origin.ResolveReference(&url.URL{
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	})
}

// Fetch answers r cache-first. On a miss it goes to the network and, for a
// same-origin 200, stores a copy in the background. When the network fails a
// navigation gets the cached offline page; anything else gets the error.
func (m *Manager) Fetch(ctx context.Context, r *http.Request) (*Result, error) {
	start := time.Now()
	res, err := m.fetch(ctx, r)
	if err == nil {
		m.metrics.ObserveFetch(string(res.Source), time.Since(start).Seconds())
	}
	return res, err
}

func (m *Manager) fetch(ctx context.Context, r *http.Request) (*Result, error) {
	cfg := m.Config()
	target := cfg.TargetURL(r)
	key := cachestore.KeyForURL(target)
	log := m.logFor(ctx)

	cache, err := m.storage.Open(ctx, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", cfg.Version, err)
	}

	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		cached, ok, matchErr := cache.Match(ctx, key)
		switch {
		case matchErr != nil:
			log.Warn("Cache lookup failed, falling back to network",
				logger.String("key", key),
				logger.Error(matchErr),
			)
		case ok:
			return &Result{Response: cached, Source: SourceCache}, nil
		}
	}

	resp, netErr := m.network(ctx, cfg, r, target)
	if netErr == nil {
		if r.Method == http.MethodGet && resp.Cacheable() {
			m.storeAsync(ctx, cache, key, resp.Clone())
		}
		return &Result{Response: resp, Source: SourceNetwork}, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	if !IsNavigation(r) {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, netErr)
	}

	offline, err := m.offlinePage(ctx, cache, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", err, netErr)
	}

	log.Info("Serving offline page",
		logger.String("url", target.String()),
		logger.NamedError("network_error", netErr),
	)
	return &Result{Response: offline, Source: SourceOffline}, nil
}

func (m *Manager) offlinePage(ctx context.Context, cache cachestore.Cache, cfg Config) (*cachestore.Response, error) {
	u, err := cfg.resolve(cfg.OfflinePage)
	if err != nil {
		return nil, err
	}
	resp, ok, err := cache.Match(ctx, cachestore.KeyForURL(u))
	if err != nil {
		return nil, fmt.Errorf("match offline page: %w", err)
	}
	if !ok {
		return nil, ErrNoOfflinePage
	}
	return resp, nil
}

// network sends a copy of r to target. The original body is left readable.
func (m *Manager) network(ctx context.Context, cfg Config, r *http.Request, target *url.URL) (*cachestore.Response, error) {
	body, err := copyBody(r)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}

	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	out.Header = r.Header.Clone()
	stripHopHeaders(out.Header)
	// Let the transport negotiate and decode compression so stored bodies are
	// always identity-encoded.
	out.Header.Del("Accept-Encoding")

	resp, err := m.client.Do(out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return m.snapshot(cfg, resp)
}

// copyBody drains r.Body and replaces it with an identical reader.
func copyBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, err
}

// snapshot reads resp fully and classifies it against the origin.
func (m *Manager) snapshot(cfg Config, resp *http.Response) (*cachestore.Response, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	final := resp.Request.URL
	typ := cachestore.TypeCORS
	if sameOrigin(final, cfg.Origin) {
		typ = cachestore.TypeBasic
	}

	header := resp.Header.Clone()
	stripHopHeaders(header)

	return &cachestore.Response{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		URL:      final.String(),
		Type:     typ,
		StoredAt: m.now().UTC(),
	}, nil
}

// storeAsync writes resp after the caller has been answered. Writes are not
// cancelled with the request; Wait drains them. A write whose cache stopped
// being current while the response was in flight is dropped, so a deploy
// never sees an evicted version come back.
func (m *Manager) storeAsync(ctx context.Context, cache cachestore.Cache, key string, resp *cachestore.Response) {
	writeCtx := context.WithoutCancel(ctx)
	log := m.logFor(ctx)

	m.writes.Add(1)
	go func() {
		defer m.writes.Done()

		// Deploy swaps versions under the write lock, so the version cannot
		// change between this check and the Put.
		m.mu.RLock()
		defer m.mu.RUnlock()

		if current := m.cfg.Version; current != cache.Name() {
			log.Debug("Dropped cache write for superseded version",
				logger.String("cache", cache.Name()),
				logger.String("current", current),
				logger.String("key", key),
			)
			return
		}

		err := cache.Put(writeCtx, key, resp)
		if errors.Is(err, cachestore.ErrCacheDeleted) {
			log.Debug("Dropped cache write for deleted cache",
				logger.String("cache", cache.Name()),
				logger.String("key", key),
			)
			return
		}
		m.metrics.CacheWrite(err)
		if err != nil {
			log.Error("Background cache write failed",
				logger.String("cache", cache.Name()),
				logger.String("key", key),
				logger.Error(err),
			)
		}
	}()
}

// logFor prefers the request-scoped logger carried by ctx.
func (m *Manager) logFor(ctx context.Context) logger.Logger {
	if l, ok := logger.Lookup(ctx); ok {
		return l
	}
	return m.log
}

func stripHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(hostPort(a), hostPort(b))
}

// hostPort returns host:port with the scheme's default port made explicit.
func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return strings.ToLower(u.Hostname()) + ":" + port
}

// IsNetworkError reports whether err came from the network fallback path.
func IsNetworkError(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrNoOfflinePage)
}
