package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/site-cache/internal/api"
	"github.com/jonesrussell/site-cache/internal/auth"
	"github.com/jonesrussell/site-cache/internal/backgroundsync"
	"github.com/jonesrussell/site-cache/internal/cachestore"
	"github.com/jonesrussell/site-cache/internal/config"
	"github.com/jonesrussell/site-cache/internal/logger"
	"github.com/jonesrussell/site-cache/internal/manager"
	"github.com/jonesrussell/site-cache/internal/metrics"
	"github.com/jonesrussell/site-cache/internal/syncqueue"
)

const jwtSecret = "admin-secret"

type fixture struct {
	origin  *httptest.Server
	handler http.Handler
	manager *manager.Manager
	queue   *syncqueue.MemoryQueue
	syncer  *backgroundsync.Syncer
	token   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<h1>home</h1>"))
	})
	mux.HandleFunc("/offline.html", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<h1>offline</h1>"))
	})
	mux.HandleFunc("/data.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"n":1}`))
	})
	mux.HandleFunc("/contact", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	origin := httptest.NewServer(mux)
	t.Cleanup(origin.Close)

	originURL, err := url.Parse(origin.URL)
	require.NoError(t, err)

	log := logger.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	mgr, err := manager.New(cachestore.NewMemoryStorage(), origin.Client(), manager.Config{
		Version:     "v1",
		Origin:      originURL,
		Manifest:    []string{"/"},
		OfflinePage: "/offline.html",
	}, log, manager.WithMetrics(m))
	require.NoError(t, err)
	t.Cleanup(mgr.Wait)
	require.NoError(t, mgr.Install(context.Background()))

	queue := syncqueue.NewMemoryQueue()
	syncer := backgroundsync.New(queue, origin.Client(), log,
		backgroundsync.WithMetrics(m), backgroundsync.WithRate(1000, 10))

	cfg := &config.Config{
		Service: config.ServiceConfig{Name: "site-cache", Version: "test"},
		Sync:    config.SyncConfig{FormPaths: []string{"/contact", "/newsletter/*"}},
		Auth:    config.AuthConfig{JWTSecret: jwtSecret},
	}
	srv := api.NewServer(cfg, api.Deps{
		Manager:  mgr,
		Syncer:   syncer,
		Metrics:  m,
		Gatherer: reg,
	}, log)

	token, err := auth.IssueToken(jwtSecret, "test", time.Hour)
	require.NoError(t, err)

	return &fixture{
		origin:  origin,
		handler: srv.Handler(),
		manager: mgr,
		queue:   queue,
		syncer:  syncer,
		token:   token,
	}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func (f *fixture) admin(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, http.NoBody)
	req.Header.Set("Authorization", "Bearer "+f.token)
	return f.do(req)
}

func TestIntercept_CacheFirst(t *testing.T) {
	f := newFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cache", w.Header().Get("X-Cache-Source"))
	assert.Equal(t, "<h1>home</h1>", w.Body.String())

	w = f.do(httptest.NewRequest(http.MethodGet, "/data.json", http.NoBody))
	assert.Equal(t, "network", w.Header().Get("X-Cache-Source"))
	assert.JSONEq(t, `{"n":1}`, w.Body.String())
	f.manager.Wait()

	w = f.do(httptest.NewRequest(http.MethodGet, "/data.json", http.NoBody))
	assert.Equal(t, "cache", w.Header().Get("X-Cache-Source"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestIntercept_OriginDown(t *testing.T) {
	f := newFixture(t)
	f.origin.Close()

	nav := httptest.NewRequest(http.MethodGet, "/about", http.NoBody)
	nav.Header.Set("Accept", "text/html")
	w := f.do(nav)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "offline", w.Header().Get("X-Cache-Source"))
	assert.Equal(t, "<h1>offline</h1>", w.Body.String())

	w = f.do(httptest.NewRequest(http.MethodGet, "/data.json", http.NoBody))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestIntercept_NotFoundPassesThrough(t *testing.T) {
	f := newFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/missing", http.NoBody))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "network", w.Header().Get("X-Cache-Source"))
}

func TestFormCapture(t *testing.T) {
	f := newFixture(t)

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/contact", strings.NewReader("name=ada"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Cookie", "session=abc")
		return f.do(req)
	}

	w := post()
	assert.Equal(t, http.StatusCreated, w.Code, "reachable origin answers directly")

	f.origin.Close()
	w = post()
	require.Equal(t, http.StatusAccepted, w.Code)

	var body struct {
		Queued bool   `json:"queued"`
		ID     string `json:"id"`
		Tag    string `json:"tag"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Queued)
	assert.Equal(t, backgroundsync.TagFormSubmission, body.Tag)

	items, err := f.queue.List(context.Background(), backgroundsync.TagFormSubmission)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, body.ID, items[0].ID.String())
	assert.Equal(t, "name=ada", string(items[0].Body))
	assert.Equal(t, "session=abc", items[0].Header.Get("Cookie"))
	assert.Equal(t, f.origin.URL+"/contact", items[0].URL)
	assert.Equal(t, []string{backgroundsync.TagFormSubmission}, f.syncer.Pending())
}

func TestAdmin_RequiresToken(t *testing.T) {
	f := newFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/admin/status", http.NoBody))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.admin(http.MethodGet, "/admin/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_Caches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Storage().Open(ctx, "v0")
	require.NoError(t, err)

	w := f.admin(http.MethodGet, "/admin/status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"v1"`)

	w = f.admin(http.MethodGet, "/admin/caches")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Caches []struct {
			Name    string `json:"name"`
			Entries int    `json:"entries"`
			Current bool   `json:"current"`
		} `json:"caches"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Caches, 2)
	for _, c := range list.Caches {
		switch c.Name {
		case "v1":
			assert.Equal(t, 2, c.Entries)
			assert.True(t, c.Current)
		case "v0":
			assert.Zero(t, c.Entries)
			assert.False(t, c.Current)
		default:
			t.Errorf("unexpected cache %q", c.Name)
		}
	}

	w = f.admin(http.MethodGet, "/admin/caches/v1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/offline.html")

	assert.Equal(t, http.StatusConflict, f.admin(http.MethodDelete, "/admin/caches/v1").Code)
	assert.Equal(t, http.StatusNotFound, f.admin(http.MethodGet, "/admin/caches/v9").Code)
	assert.Equal(t, http.StatusBadRequest, f.admin(http.MethodGet, "/admin/caches/..").Code)

	w = f.admin(http.MethodPost, "/admin/activate")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"deleted":["v0"]`)
}

func TestAdmin_SyncAndQueue(t *testing.T) {
	f := newFixture(t)
	sub := syncqueue.NewSubmission(backgroundsync.TagFormSubmission, http.MethodPost, f.origin.URL+"/contact", nil, []byte("x=1"))
	require.NoError(t, f.queue.Enqueue(context.Background(), sub))

	w := f.admin(http.MethodGet, "/admin/queue")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), sub.ID.String())

	w = f.admin(http.MethodPost, "/admin/sync/"+backgroundsync.TagFormSubmission)
	require.Equal(t, http.StatusOK, w.Code)
	var report backgroundsync.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 0, report.Remaining)
}

func TestMetricsAndHealth(t *testing.T) {
	f := newFixture(t)
	f.do(httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	w := f.do(httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `site_cache_fetch_requests_total{source="cache"} 1`)

	w = f.do(httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"storage"`)
	assert.Contains(t, w.Body.String(), `"queue"`)
}
