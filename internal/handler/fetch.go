package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/site-cache/internal/backgroundsync"
	"github.com/jonesrussell/site-cache/internal/logger"
	"github.com/jonesrussell/site-cache/internal/manager"
	"github.com/jonesrussell/site-cache/internal/metrics"
	"github.com/jonesrussell/site-cache/internal/server"
	"github.com/jonesrussell/site-cache/internal/syncqueue"
)

// maxFormBody caps captured form submissions.
const maxFormBody = 1 << 20

// statusClientClosed is logged when the client goes away mid-fetch.
const statusClientClosed = 499

// capturedHeaders are dropped from queued submissions; the replaying
// transport sets its own.
var capturedHeaders = []string{"Connection", "Content-Length", "Accept-Encoding", "Keep-Alive", "Transfer-Encoding", "Te", "Upgrade"}

// FetchHandler intercepts every site request.
type FetchHandler struct {
	manager   *manager.Manager
	syncer    *backgroundsync.Syncer
	metrics   *metrics.Metrics
	formPaths []string
	logger    logger.Logger
}

// NewFetchHandler creates a FetchHandler. POSTs to formPaths (path.Match
// patterns) are queued for background sync when the origin is unreachable.
func NewFetchHandler(
	mgr *manager.Manager,
	syncer *backgroundsync.Syncer,
	m *metrics.Metrics,
	formPaths []string,
	log logger.Logger,
) *FetchHandler {
	return &FetchHandler{
		manager:   mgr,
		syncer:    syncer,
		metrics:   m,
		formPaths: formPaths,
		logger:    log,
	}
}

// Handle answers the request cache-first.
func (h *FetchHandler) Handle(c *gin.Context) {
	if c.Request.Method == http.MethodPost && h.isFormPath(c.Request.URL.Path) {
		h.handleForm(c)
		return
	}

	res, err := h.manager.Fetch(c.Request.Context(), c.Request)
	if err != nil {
		h.fetchFailed(c, err)
		return
	}
	writeResponse(c, res)
}

func (h *FetchHandler) isFormPath(p string) bool {
	if h.syncer == nil {
		return false
	}
	for _, pattern := range h.formPaths {
		if ok, _ := path.Match(pattern, p); ok {
			return true
		}
	}
	return false
}

// handleForm forwards a form post and queues it when the origin cannot be
// reached.
func (h *FetchHandler) handleForm(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFormBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read request body"})
		return
	}
	if len(body) > maxFormBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "form submission too large"})
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	res, err := h.manager.Fetch(c.Request.Context(), c.Request)
	switch {
	case err == nil && res.Source != manager.SourceOffline:
		writeResponse(c, res)
		return
	case err != nil && !manager.IsNetworkError(err):
		h.fetchFailed(c, err)
		return
	}

	header := c.Request.Header.Clone()
	for _, name := range capturedHeaders {
		header.Del(name)
	}
	target := h.manager.Config().TargetURL(c.Request).String()
	sub := syncqueue.NewSubmission(backgroundsync.TagFormSubmission, c.Request.Method, target, header, body)

	ctx := context.WithoutCancel(c.Request.Context())
	if qErr := h.syncer.Queue().Enqueue(ctx, sub); qErr != nil {
		h.logger.Error("Failed to queue form submission",
			logger.String("url", target),
			logger.Error(qErr),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": "origin unreachable and submission could not be queued"})
		return
	}
	h.syncer.Register(backgroundsync.TagFormSubmission)
	h.metrics.Queued()

	h.logger.Info("Queued form submission for background sync",
		logger.String("id", sub.ID.String()),
		logger.String("url", target),
	)
	c.Header(server.CacheSourceHeader, "queued")
	c.JSON(http.StatusAccepted, gin.H{
		"queued": true,
		"id":     sub.ID.String(),
		"tag":    sub.Tag,
	})
}

func (h *FetchHandler) fetchFailed(c *gin.Context, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		c.AbortWithStatus(statusClientClosed)
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "origin timed out"})
	case manager.IsNetworkError(err):
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "origin unreachable"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch failed"})
	}
}

// writeResponse copies a snapshot to the client.
func writeResponse(c *gin.Context, res *manager.Result) {
	resp := res.Response
	h := c.Writer.Header()
	for k, values := range resp.Header {
		for _, v := range values {
			h.Add(k, v)
		}
	}
	// Bodies are stored decoded.
	h.Del("Content-Encoding")
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	h.Set(server.CacheSourceHeader, string(res.Source))

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	c.Status(status)
	if c.Request.Method == http.MethodHead || !bodyAllowed(status) {
		c.Writer.WriteHeaderNow()
		return
	}
	_, _ = c.Writer.Write(resp.Body)
}

func bodyAllowed(status int) bool {
	return status >= http.StatusOK && status != http.StatusNoContent && status != http.StatusNotModified
}
