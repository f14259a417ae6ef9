package manager_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jonesrussell/site-cache/internal/cachestore"
	"github.com/jonesrussell/site-cache/internal/logger"
	"github.com/jonesrussell/site-cache/internal/manager"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// origin is a test site that counts hits per path.
type origin struct {
	*httptest.Server

	mu   sync.Mutex
	hits map[string]int

	// slowArrived is signalled when /slow.json is requested; the response
	// is held until slowRelease is closed.
	slowArrived chan struct{}
	slowRelease chan struct{}
}

func newOrigin(t *testing.T) *origin {
	t.Helper()

	o := &origin{
		hits:        make(map[string]int),
		slowArrived: make(chan struct{}, 1),
		slowRelease: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		o.hit(r.URL.Path)
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<h1>home</h1>"))
	})
	mux.HandleFunc("/offline.html", func(w http.ResponseWriter, r *http.Request) {
		o.hit(r.URL.Path)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<h1>offline</h1>"))
	})
	mux.HandleFunc("/styles.css", func(w http.ResponseWriter, r *http.Request) {
		o.hit(r.URL.Path)
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte("body{}"))
	})
	mux.HandleFunc("/not-in-manifest.json", func(w http.ResponseWriter, r *http.Request) {
		o.hit(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/slow.json", func(w http.ResponseWriter, r *http.Request) {
		o.hit(r.URL.Path)
		select {
		case o.slowArrived <- struct{}{}:
		default:
		}
		<-o.slowRelease
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"slow":true}`))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		o.hit(r.URL.Path)
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/form", func(w http.ResponseWriter, r *http.Request) {
		o.hit(r.URL.Path)
		w.WriteHeader(http.StatusCreated)
	})

	o.Server = httptest.NewServer(mux)
	t.Cleanup(o.Close)
	return o
}

func (o *origin) hit(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hits[path]++
}

func (o *origin) count(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *origin) baseURL(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse(o.URL)
	require.NoError(t, err)
	return u
}

func newManager(t *testing.T, o *origin, storage cachestore.Storage, version string, manifest ...string) *manager.Manager {
	t.Helper()

	m, err := manager.New(storage, o.Client(), manager.Config{
		Version:     version,
		Origin:      o.baseURL(t),
		Manifest:    manifest,
		OfflinePage: "/offline.html",
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(m.Wait)
	return m
}

func get(t *testing.T, m *manager.Manager, path string) *manager.Result {
	t.Helper()
	res, err := m.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)
	return res
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	origin, _ := url.Parse("https://example.com")
	tests := []struct {
		name string
		cfg  manager.Config
	}{
		{"bad version", manager.Config{Version: "../x", Origin: origin, OfflinePage: "/offline.html"}},
		{"relative origin", manager.Config{Version: "v1", Origin: &url.URL{Path: "/"}, OfflinePage: "/offline.html"}},
		{"nil origin", manager.Config{Version: "v1", OfflinePage: "/offline.html"}},
		{"no offline page", manager.Config{Version: "v1", Origin: origin}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := manager.New(cachestore.NewMemoryStorage(), http.DefaultClient, tt.cfg, logger.NewNop())
			require.ErrorIs(t, err, manager.ErrInvalidConfig)
		})
	}
}

func TestInstall_StoresManifestAndOfflinePage(t *testing.T) {
	t.Parallel()

	o := newOrigin(t)
	storage := cachestore.NewMemoryStorage()
	m := newManager(t, o, storage, "v1", "/", "/styles.css", "/")

	require.NoError(t, m.Install(context.Background()))

	cache, err := storage.Open(context.Background(), "v1")
	require.NoError(t, err)

	for _, path := range []string{"/", "/styles.css", "/offline.html"} {
		key, keyErr := cachestore.KeyFromURL(o.URL + path)
		require.NoError(t, keyErr)

		resp, ok, matchErr := cache.Match(context.Background(), key)
		require.NoError(t, matchErr)
		require.True(t, ok, "missing %s", path)
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, cachestore.TypeBasic, resp.Type)
	}

	keys, err := cache.Keys(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 3)
	assert.Equal(t, 1, o.count("/"), "duplicate manifest entries fetch once")
}

func TestInstall_FailureLeavesNoCache(t *testing.T) {
	t.Parallel()

	o := newOrigin(t)
	storage := cachestore.NewMemoryStorage()
	m := newManager(t, o, storage, "v1", "/", "/missing.js")

	err := m.Install(context.Background())
	require.ErrorIs(t, err, manager.ErrInstall)

	ok, err := storage.Has(context.Background(), "v1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestActivate_DeletesOtherVersions(t *testing.T) {
	t.Parallel()

	o := newOrigin(t)
	storage := cachestore.NewMemoryStorage()
	ctx := context.Background()
	for _, name := range []string{"v1", "v2", "other"} {
		_, err := storage.Open(ctx, name)
		require.NoError(t, err)
	}

	m := newManager(t, o, storage, "v3", "/")
	require.NoError(t, m.Install(ctx))

	deleted, err := m.Activate(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"v1", "v2", "other"}, deleted)

	names, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v3"}, names)
}

func TestFetch_CacheFirstThenNetwork(t *testing.T) {
	t.Parallel()

	o := newOrigin(t)
	m := newManager(t, o, cachestore.NewMemoryStorage(), "v1", "/")
	require.NoError(t, m.Install(context.Background()))

	home := get(t, m, "/")
	assert.Equal(t, manager.SourceCache, home.Source)
	assert.Equal(t, "<h1>home</h1>", string(home.Response.Body))
	assert.Equal(t, 1, o.count("/"), "cached URL must not hit the network")

	first := get(t, m, "/not-in-manifest.json")
	assert.Equal(t, manager.SourceNetwork, first.Source)
	m.Wait()

	second := get(t, m, "/not-in-manifest.json")
	assert.Equal(t, manager.SourceCache, second.Source)
	assert.JSONEq(t, `{"ok":true}`, string(second.Response.Body))
	assert.Equal(t, 1, o.count("/not-in-manifest.json"))
}

func TestFetch_NonCacheableResponses(t *testing.T) {
	t.Parallel()

	o := newOrigin(t)
	other := newOrigin(t)
	storage := cachestore.NewMemoryStorage()
	m := newManager(t, o, storage, "v1")

	tests := []struct {
		name   string
		target string
		status int
		typ    cachestore.ResponseType
	}{
		{"non-200", "/broken", http.StatusInternalServerError, cachestore.TypeBasic},
		{"not found", "/nothing-here", http.StatusNotFound, cachestore.TypeBasic},
		{"cross-origin", other.URL + "/styles.css", http.StatusOK, cachestore.TypeCORS},
	}

	for _, tt := range tests {
		res := get(t, m, tt.target)
		assert.Equal(t, manager.SourceNetwork, res.Source, tt.name)
		assert.Equal(t, tt.status, res.Response.Status, tt.name)
		assert.Equal(t, tt.typ, res.Response.Type, tt.name)
	}
	m.Wait()

	cache, err := storage.Open(context.Background(), "v1")
	require.NoError(t, err)
	keys, err := cache.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFetch_PostIsNeverCached(t *testing.T) {
	t.Parallel()

	o := newOrigin(t)
	storage := cachestore.NewMemoryStorage()
	m := newManager(t, o, storage, "v1")

	for range 2 {
		res, err := m.Fetch(context.Background(), httptest.NewRequest(http.MethodPost, "/not-in-manifest.json", nil))
		require.NoError(t, err)
		assert.Equal(t, manager.SourceNetwork, res.Source)
	}
	m.Wait()
	assert.Equal(t, 2, o.count("/not-in-manifest.json"))
}

func TestFetch_OfflineNavigation(t *testing.T) {
	t.Parallel()

	o := newOrigin(t)
	m := newManager(t, o, cachestore.NewMemoryStorage(), "v1", "/")
	require.NoError(t, m.Install(context.Background()))
	o.Close()

	nav := httptest.NewRequest(http.MethodGet, "/about", nil)
	nav.Header.Set("Sec-Fetch-Mode", "navigate")

	res, err := m.Fetch(context.Background(), nav)
	require.NoError(t, err)
	assert.Equal(t, manager.SourceOffline, res.Source)
	assert.Equal(t, "<h1>offline</h1>", string(res.Response.Body))

	cached := get(t, m, "/")
	assert.Equal(t, manager.SourceCache, cached.Source)

	_, err = m.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/data.json", nil))
	require.ErrorIs(t, err, manager.ErrNetwork)
	assert.True(t, manager.IsNetworkError(err))
}

func TestFetch_OfflinePageMissing(t *testing.T) {
	t.Parallel()

	o := newOrigin(t)
	m := newManager(t, o, cachestore.NewMemoryStorage(), "v1")
	o.Close()

	nav := httptest.NewRequest(http.MethodGet, "/", nil)
	nav.Header.Set("Accept", "text/html,application/xhtml+xml")

	_, err := m.Fetch(context.Background(), nav)
	require.ErrorIs(t, err, manager.ErrNoOfflinePage)
}

func TestFetch_RequestBodyStaysReadable(t *testing.T) {
	t.Parallel()

	o := newOrigin(t)
	m := newManager(t, o, cachestore.NewMemoryStorage(), "v1")

	req := httptest.NewRequest(http.MethodPost, "/form", stringsReader("name=ada"))
	res, err := m.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.Response.Status)

	buf := make([]byte, 16)
	n, _ := req.Body.Read(buf)
	assert.Equal(t, "name=ada", string(buf[:n]))
}

func TestDeploy(t *testing.T) {
	t.Parallel()

	o := newOrigin(t)
	storage := cachestore.NewMemoryStorage()
	m := newManager(t, o, storage, "v1", "/")
	ctx := context.Background()
	require.NoError(t, m.Install(ctx))

	t.Run("failed install keeps the current version", func(t *testing.T) {
		next := m.Config()
		next.Version = "v2"
		next.Manifest = []string{"/missing"}

		_, err := m.Deploy(ctx, next)
		require.Error(t, err)
		assert.Equal(t, "v1", m.Version())
	})

	t.Run("successful install activates the new version", func(t *testing.T) {
		next := m.Config()
		next.Version = "v2"
		next.Manifest = []string{"/", "/styles.css"}

		deleted, err := m.Deploy(ctx, next)
		require.NoError(t, err)
		assert.Equal(t, []string{"v1"}, deleted)
		assert.Equal(t, "v2", m.Version())
	})
}

func TestDeploy_InFlightWriteDoesNotRestoreOldVersion(t *testing.T) {
	t.Parallel()

	backends := map[string]func(t *testing.T) cachestore.Storage{
		"memory": func(*testing.T) cachestore.Storage { return cachestore.NewMemoryStorage() },
		"file": func(t *testing.T) cachestore.Storage {
			s, err := cachestore.NewFileStorage(t.TempDir())
			require.NoError(t, err)
			return s
		},
	}

	for name, newStorage := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			o := newOrigin(t)
			storage := newStorage(t)
			m := newManager(t, o, storage, "v1", "/")
			require.NoError(t, m.Install(ctx))

			var release sync.Once
			unblock := func() { release.Do(func() { close(o.slowRelease) }) }
			t.Cleanup(unblock)

			type outcome struct {
				res *manager.Result
				err error
			}
			done := make(chan outcome, 1)
			go func() {
				res, err := m.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/slow.json", nil))
				done <- outcome{res, err}
			}()
			<-o.slowArrived

			deleted, err := m.Deploy(ctx, manager.Config{
				Version:     "v2",
				Origin:      o.baseURL(t),
				Manifest:    []string{"/"},
				OfflinePage: "/offline.html",
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"v1"}, deleted)

			unblock()
			got := <-done
			require.NoError(t, got.err)
			assert.Equal(t, manager.SourceNetwork, got.res.Source)
			m.Wait()

			names, err := storage.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"v2"}, names)

			cache, err := storage.Open(ctx, "v2")
			require.NoError(t, err)
			key, err := cachestore.KeyFromURL(o.URL + "/slow.json")
			require.NoError(t, err)
			_, ok, err := cache.Match(ctx, key)
			require.NoError(t, err)
			assert.False(t, ok, "a response fetched for v1 must not land in v2")
		})
	}
}

func TestFetch_CanceledContext(t *testing.T) {
	t.Parallel()

	o := newOrigin(t)
	m := newManager(t, o, cachestore.NewMemoryStorage(), "v1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")

	_, err := m.Fetch(ctx, req.WithContext(ctx))
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestIsNavigation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method string
		header map[string]string
		want   bool
	}{
		{"fetch mode navigate", http.MethodGet, map[string]string{"Sec-Fetch-Mode": "navigate"}, true},
		{"fetch mode cors", http.MethodGet, map[string]string{"Sec-Fetch-Mode": "cors", "Accept": "text/html"}, false},
		{"html accept", http.MethodGet, map[string]string{"Accept": "text/html,*/*"}, true},
		{"json accept", http.MethodGet, map[string]string{"Accept": "application/json"}, false},
		{"post html", http.MethodPost, map[string]string{"Accept": "text/html"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(tt.method, "/", nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, manager.IsNavigation(r))
		})
	}
}

func stringsReader(s string) *strings.Reader { return strings.NewReader(s) }
