package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/site-cache/internal/backgroundsync"
	"github.com/jonesrussell/site-cache/internal/cachestore"
	"github.com/jonesrussell/site-cache/internal/logger"
	"github.com/jonesrussell/site-cache/internal/manager"
)

// AdminHandler exposes cache lifecycle and sync operations.
type AdminHandler struct {
	manager *manager.Manager
	syncer  *backgroundsync.Syncer
	logger  logger.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(mgr *manager.Manager, syncer *backgroundsync.Syncer, log logger.Logger) *AdminHandler {
	return &AdminHandler{manager: mgr, syncer: syncer, logger: log}
}

// CacheSummary describes one cache version.
type CacheSummary struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

// EntrySummary describes one cached response.
type EntrySummary struct {
	Key         string `json:"key"`
	Status      int    `json:"status"`
	Type        string `json:"type"`
	ContentType string `json:"content_type,omitempty"`
	Size        int    `json:"size"`
	StoredAt    string `json:"stored_at"`
}

// Status reports the live version, caches and sync state.
func (h *AdminHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	cfg := h.manager.Config()

	names, err := h.manager.Storage().Keys(ctx)
	if err != nil {
		h.internalError(c, "list caches", err)
		return
	}

	resp := gin.H{
		"version":      cfg.Version,
		"origin":       cfg.Origin.String(),
		"offline_page": cfg.OfflinePage,
		"manifest":     len(cfg.Manifest),
		"caches":       names,
	}

	if h.syncer != nil {
		depth := make(map[string]int)
		tags, tagErr := h.syncer.Queue().Tags(ctx)
		if tagErr != nil {
			h.internalError(c, "list queue tags", tagErr)
			return
		}
		for _, tag := range tags {
			n, lenErr := h.syncer.Queue().Len(ctx, tag)
			if lenErr != nil {
				h.internalError(c, "count queue", lenErr)
				return
			}
			depth[tag] = n
		}
		resp["pending_syncs"] = h.syncer.Pending()
		resp["queue"] = depth
	}

	c.JSON(http.StatusOK, resp)
}

// Install precaches the current manifest.
func (h *AdminHandler) Install(c *gin.Context) {
	if err := h.manager.Install(c.Request.Context()); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"installed": h.manager.Version()})
}

// Activate evicts every non-current cache.
func (h *AdminHandler) Activate(c *gin.Context) {
	deleted, err := h.manager.Activate(c.Request.Context())
	if err != nil {
		h.internalError(c, "activate", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": h.manager.Version(), "deleted": deleted})
}

// ListCaches lists caches with their entry counts.
func (h *AdminHandler) ListCaches(c *gin.Context) {
	ctx := c.Request.Context()
	storage := h.manager.Storage()
	current := h.manager.Version()

	names, err := storage.Keys(ctx)
	if err != nil {
		h.internalError(c, "list caches", err)
		return
	}

	caches := make([]CacheSummary, 0, len(names))
	for _, name := range names {
		cache, openErr := storage.Open(ctx, name)
		if openErr != nil {
			h.internalError(c, "open cache", openErr)
			return
		}
		keys, keysErr := cache.Keys(ctx)
		if keysErr != nil {
			h.internalError(c, "list entries", keysErr)
			return
		}
		caches = append(caches, CacheSummary{Name: name, Entries: len(keys), Current: name == current})
	}
	c.JSON(http.StatusOK, gin.H{"caches": caches})
}

// GetCache lists the entries of one cache.
func (h *AdminHandler) GetCache(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")
	if !h.cacheExists(c, name) {
		return
	}

	cache, err := h.manager.Storage().Open(ctx, name)
	if err != nil {
		h.internalError(c, "open cache", err)
		return
	}
	keys, err := cache.Keys(ctx)
	if err != nil {
		h.internalError(c, "list entries", err)
		return
	}

	entries := make([]EntrySummary, 0, len(keys))
	for _, key := range keys {
		resp, ok, matchErr := cache.Match(ctx, key)
		if matchErr != nil {
			h.internalError(c, "read entry", matchErr)
			return
		}
		if !ok {
			continue
		}
		entries = append(entries, EntrySummary{
			Key:         key,
			Status:      resp.Status,
			Type:        string(resp.Type),
			ContentType: resp.Header.Get("Content-Type"),
			Size:        len(resp.Body),
			StoredAt:    resp.StoredAt.Format(http.TimeFormat),
		})
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "current": name == h.manager.Version(), "entries": entries})
}

// DeleteCache removes a non-current cache.
func (h *AdminHandler) DeleteCache(c *gin.Context) {
	name := c.Param("name")
	if name == h.manager.Version() {
		c.JSON(http.StatusConflict, gin.H{"error": "cannot delete the current cache version"})
		return
	}
	if !h.cacheExists(c, name) {
		return
	}

	if _, err := h.manager.Storage().Delete(c.Request.Context(), name); err != nil {
		h.internalError(c, "delete cache", err)
		return
	}
	h.logger.Info("Deleted cache via admin API", logger.String("cache", name))
	c.Status(http.StatusNoContent)
}

// cacheExists writes a 400 or 404 and returns false when name is unusable.
func (h *AdminHandler) cacheExists(c *gin.Context, name string) bool {
	if err := cachestore.ValidateName(name); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}

	ok, err := h.manager.Storage().Has(c.Request.Context(), name)
	switch {
	case err != nil:
		h.internalError(c, "look up cache", err)
		return false
	case !ok:
		c.JSON(http.StatusNotFound, gin.H{"error": "cache not found"})
		return false
	}
	return true
}

// Sync replays a tag now.
func (h *AdminHandler) Sync(c *gin.Context) {
	if h.syncer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "background sync disabled"})
		return
	}
	report, err := h.syncer.Sync(c.Request.Context(), c.Param("tag"))
	if err != nil {
		h.internalError(c, "sync", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Queue lists queued submissions for ?tag= (default form-submission).
// Bodies are omitted.
func (h *AdminHandler) Queue(c *gin.Context) {
	if h.syncer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "background sync disabled"})
		return
	}
	tag := c.DefaultQuery("tag", backgroundsync.TagFormSubmission)

	items, err := h.syncer.Queue().List(c.Request.Context(), tag)
	if err != nil {
		h.internalError(c, "list queue", err)
		return
	}

	out := make([]gin.H, 0, len(items))
	for _, s := range items {
		out = append(out, gin.H{
			"id":         s.ID.String(),
			"method":     s.Method,
			"url":        s.URL,
			"size":       len(s.Body),
			"attempts":   s.Attempts,
			"last_error": s.LastError,
			"created_at": s.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tag": tag, "count": len(out), "items": out})
}

func (h *AdminHandler) internalError(c *gin.Context, op string, err error) {
	h.logger.Error("Admin request failed", logger.String("operation", op), logger.Error(err))
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
}
