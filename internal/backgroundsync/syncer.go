// Package backgroundsync replays queued form submissions once the origin is
// reachable again.
package backgroundsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/jonesrussell/site-cache/internal/logger"
	"github.com/jonesrussell/site-cache/internal/metrics"
	"github.com/jonesrussell/site-cache/internal/syncqueue"
)

// TagFormSubmission is the sync tag for queued form posts.
const TagFormSubmission = "form-submission"

const (
	defaultReplayRate  = 5
	defaultReplayBurst = 1
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Report summarizes one sync run.
type Report struct {
	Tag       string `json:"tag"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
	Remaining int    `json:"remaining"`
}

// Syncer tracks pending sync tags and replays their queued submissions.
type Syncer struct {
	queue   syncqueue.Queue
	client  Doer
	limiter *rate.Limiter
	log     logger.Logger
	metrics *metrics.Metrics
	tags    map[string]bool

	mu      sync.Mutex
	pending map[string]bool
	// registrations counts Register calls per tag so RunPending can tell
	// whether a tag was re-registered while it was syncing.
	registrations map[string]uint64
	running       map[string]*sync.Mutex
}

// Option customizes a Syncer.
type Option func(*Syncer)

// WithMetrics records replay outcomes and queue depth.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Syncer) { s.metrics = m }
}

// WithRate paces replays to rps requests per second with the given burst.
func WithRate(rps float64, burst int) Option {
	return func(s *Syncer) {
		if rps <= 0 {
			rps = defaultReplayRate
		}
		if burst <= 0 {
			burst = defaultReplayBurst
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithTags adds tags, beyond form-submission, whose queued items are replayed.
func WithTags(tags ...string) Option {
	return func(s *Syncer) {
		for _, tag := range tags {
			s.tags[tag] = true
		}
	}
}

// New returns a Syncer draining queue through client.
func New(queue syncqueue.Queue, client Doer, log logger.Logger, opts ...Option) *Syncer {
	s := &Syncer{
		queue:   queue,
		client:  client,
		limiter: rate.NewLimiter(defaultReplayRate, defaultReplayBurst),
		log:     log.With(logger.Component("background-sync")),
		tags:    map[string]bool{TagFormSubmission: true},
		pending:       make(map[string]bool),
		registrations: make(map[string]uint64),
		running:       make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Queue returns the submission queue.
func (s *Syncer) Queue() syncqueue.Queue {
	return s.queue
}

// Register marks tag as needing a sync.
func (s *Syncer) Register(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pending[tag] {
		s.log.Debug("Registered sync", logger.String("tag", tag))
	}
	s.pending[tag] = true
	s.registrations[tag]++
}

// Pending lists registered tags in name order.
func (s *Syncer) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags := make([]string, 0, len(s.pending))
	for tag := range s.pending {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func (s *Syncer) registration(tag string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registrations[tag]
}

// clear unregisters tag unless it was registered again after seen was read.
func (s *Syncer) clear(tag string, seen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registrations[tag] != seen {
		return false
	}
	delete(s.pending, tag)
	return true
}

// tagLock serializes runs of the same tag so an item is never replayed twice
// concurrently.
func (s *Syncer) tagLock(tag string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.running[tag]
	if !ok {
		l = &sync.Mutex{}
		s.running[tag] = l
	}
	return l
}

// Restore registers every tag that still has queued submissions, so a restart
// resumes syncing.
func (s *Syncer) Restore(ctx context.Context) error {
	tags, err := s.queue.Tags(ctx)
	if err != nil {
		return fmt.Errorf("restore sync tags: %w", err)
	}
	for _, tag := range tags {
		s.Register(tag)
	}
	if len(tags) > 0 {
		s.log.Info("Restored pending syncs", logger.Strings("tags", tags))
	}
	return nil
}

// Sync replays every submission queued under tag. Delivered items are
// removed; failures are recorded and stay queued. Individual failures never
// abort the run. Unknown tags are ignored.
func (s *Syncer) Sync(ctx context.Context, tag string) (Report, error) {
	report := Report{Tag: tag}

	if !s.tags[tag] {
		s.log.Warn("Ignoring sync for unknown tag", logger.String("tag", tag))
		return report, nil
	}

	lock := s.tagLock(tag)
	lock.Lock()
	defer lock.Unlock()

	items, err := s.queue.List(ctx, tag)
	if err != nil {
		return report, fmt.Errorf("list %s: %w", tag, err)
	}

	for _, item := range items {
		if waitErr := s.limiter.Wait(ctx); waitErr != nil {
			return report, waitErr
		}

		replayErr := s.replay(ctx, item)
		s.metrics.Replay(tag, replayErr)

		if replayErr == nil {
			if rmErr := s.queue.Remove(ctx, item.ID); rmErr != nil && !errors.Is(rmErr, syncqueue.ErrNotFound) {
				s.log.Error("Delivered submission could not be dequeued",
					logger.String("id", item.ID.String()),
					logger.Error(rmErr),
				)
			}
			report.Delivered++
			continue
		}

		report.Failed++
		s.log.Warn("Submission replay failed",
			logger.String("tag", tag),
			logger.String("id", item.ID.String()),
			logger.String("url", item.URL),
			logger.Int("attempts", item.Attempts+1),
			logger.Error(replayErr),
		)
		if markErr := s.queue.MarkFailed(ctx, item.ID, replayErr.Error()); markErr != nil {
			s.log.Error("Failed to record replay failure",
				logger.String("id", item.ID.String()),
				logger.Error(markErr),
			)
		}

		if ctx.Err() != nil {
			return report, ctx.Err()
		}
	}

	remaining, err := s.queue.Len(ctx, tag)
	if err != nil {
		return report, fmt.Errorf("count %s: %w", tag, err)
	}
	report.Remaining = remaining
	s.metrics.SetQueueDepth(tag, remaining)

	s.log.Info("Sync finished",
		logger.String("tag", tag),
		logger.Int("delivered", report.Delivered),
		logger.Int("failed", report.Failed),
		logger.Int("remaining", report.Remaining),
	)
	return report, nil
}

// RunPending syncs every registered tag and unregisters those whose queue
// drained. A tag registered again during its run stays pending, since the
// submission behind that registration may have missed the count.
func (s *Syncer) RunPending(ctx context.Context) []Report {
	tags := s.Pending()
	reports := make([]Report, 0, len(tags))

	for _, tag := range tags {
		seen := s.registration(tag)
		report, err := s.Sync(ctx, tag)
		if err != nil {
			s.log.Error("Sync run failed", logger.String("tag", tag), logger.Error(err))
			continue
		}
		reports = append(reports, report)
		if report.Remaining == 0 || !s.tags[tag] {
			if !s.clear(tag, seen) {
				s.log.Debug("Tag re-registered during sync, keeping it pending",
					logger.String("tag", tag))
			}
		}
	}
	return reports
}

// replay sends item with its original headers, cookies and credentials
// included. Only a 2xx counts as delivered.
func (s *Syncer) replay(ctx context.Context, item *syncqueue.Submission) error {
	var body io.Reader = http.NoBody
	if len(item.Body) > 0 {
		body = bytes.NewReader(item.Body)
	}

	req, err := http.NewRequestWithContext(ctx, item.Method, item.URL, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header = item.Header.Clone()
	if req.Header == nil {
		req.Header = http.Header{}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
