package backgroundsync_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jonesrussell/site-cache/internal/backgroundsync"
	"github.com/jonesrussell/site-cache/internal/logger"
	"github.com/jonesrussell/site-cache/internal/syncqueue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder is an origin that accepts /ok and rejects /fail.
type recorder struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
}

func (rec *recorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	rec.mu.Lock()
	rec.requests = append(rec.requests, r)
	rec.bodies = append(rec.bodies, string(body))
	rec.mu.Unlock()

	if r.URL.Path == "/fail" {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rec *recorder) count() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.requests)
}

func (rec *recorder) snapshot() ([]*http.Request, []string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]*http.Request(nil), rec.requests...), append([]string(nil), rec.bodies...)
}

func newOrigin(t *testing.T) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	return srv, rec
}

func enqueue(t *testing.T, q syncqueue.Queue, target, body string) *syncqueue.Submission {
	t.Helper()

	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	header.Set("Cookie", "session=abc")
	header.Set("Authorization", "Bearer token")

	s := syncqueue.NewSubmission(backgroundsync.TagFormSubmission, http.MethodPost, target, header, []byte(body))
	require.NoError(t, q.Enqueue(context.Background(), s))
	return s
}

func newSyncer(srv *httptest.Server, q syncqueue.Queue) *backgroundsync.Syncer {
	return backgroundsync.New(q, srv.Client(), logger.NewNop(), backgroundsync.WithRate(1000, 10))
}

func TestSync_RemovesOnlyDelivered(t *testing.T) {
	t.Parallel()

	srv, rec := newOrigin(t)
	q := syncqueue.NewMemoryQueue()
	delivered := enqueue(t, q, srv.URL+"/ok", "name=ada")
	failed := enqueue(t, q, srv.URL+"/fail", "name=grace")

	s := newSyncer(srv, q)
	report, err := s.Sync(context.Background(), backgroundsync.TagFormSubmission)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Remaining)

	items, err := q.List(context.Background(), backgroundsync.TagFormSubmission)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, failed.ID, items[0].ID)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Contains(t, items[0].LastError, "503")
	assert.NotEqual(t, delivered.ID, items[0].ID)

	requests, bodies := rec.snapshot()
	require.Len(t, requests, 2)
	first := requests[0]
	assert.Equal(t, http.MethodPost, first.Method)
	assert.Equal(t, "session=abc", first.Header.Get("Cookie"))
	assert.Equal(t, "Bearer token", first.Header.Get("Authorization"))
	assert.Equal(t, "name=ada", bodies[0])
}

func TestSync_NetworkFailureKeepsEverything(t *testing.T) {
	t.Parallel()

	srv, _ := newOrigin(t)
	q := syncqueue.NewMemoryQueue()
	enqueue(t, q, srv.URL+"/ok", "a")
	enqueue(t, q, srv.URL+"/ok", "b")
	s := newSyncer(srv, q)
	srv.Close()

	report, err := s.Sync(context.Background(), backgroundsync.TagFormSubmission)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Delivered)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 2, report.Remaining)
}

func TestSync_UnknownTagIgnored(t *testing.T) {
	t.Parallel()

	srv, rec := newOrigin(t)
	q := syncqueue.NewMemoryQueue()
	s := syncqueue.NewSubmission("newsletter", http.MethodPost, srv.URL+"/ok", nil, nil)
	require.NoError(t, q.Enqueue(context.Background(), s))

	report, err := newSyncer(srv, q).Sync(context.Background(), "newsletter")
	require.NoError(t, err)
	assert.Equal(t, backgroundsync.Report{Tag: "newsletter"}, report)
	assert.Equal(t, 0, rec.count())
}

func TestRunPending_ClearsDrainedTags(t *testing.T) {
	t.Parallel()

	srv, _ := newOrigin(t)
	q := syncqueue.NewMemoryQueue()
	enqueue(t, q, srv.URL+"/ok", "a")

	s := newSyncer(srv, q)
	require.NoError(t, s.Restore(context.Background()))
	assert.Equal(t, []string{backgroundsync.TagFormSubmission}, s.Pending())

	reports := s.RunPending(context.Background())
	require.Len(t, reports, 1)
	assert.Equal(t, 1, reports[0].Delivered)
	assert.Empty(t, s.Pending())
}

func TestRunPending_KeepsTagWhileItemsRemain(t *testing.T) {
	t.Parallel()

	srv, _ := newOrigin(t)
	q := syncqueue.NewMemoryQueue()
	enqueue(t, q, srv.URL+"/fail", "a")

	s := newSyncer(srv, q)
	s.Register(backgroundsync.TagFormSubmission)
	s.RunPending(context.Background())

	assert.Equal(t, []string{backgroundsync.TagFormSubmission}, s.Pending())
}

// lateQueue enqueues a submission and re-registers the tag right after the
// first count, as a form post arriving at the end of a sync run would.
type lateQueue struct {
	*syncqueue.MemoryQueue

	once   sync.Once
	late   *syncqueue.Submission
	syncer *backgroundsync.Syncer
}

func (q *lateQueue) Len(ctx context.Context, tag string) (int, error) {
	n, err := q.MemoryQueue.Len(ctx, tag)
	q.once.Do(func() {
		if enqErr := q.MemoryQueue.Enqueue(ctx, q.late); enqErr != nil {
			panic(enqErr)
		}
		q.syncer.Register(tag)
	})
	return n, err
}

func TestRunPending_KeepsTagRegisteredDuringRun(t *testing.T) {
	t.Parallel()

	srv, _ := newOrigin(t)
	q := &lateQueue{
		MemoryQueue: syncqueue.NewMemoryQueue(),
		late: syncqueue.NewSubmission(backgroundsync.TagFormSubmission, http.MethodPost,
			srv.URL+"/ok", http.Header{}, []byte("name=late")),
	}
	s := newSyncer(srv, q)
	q.syncer = s

	enqueue(t, q, srv.URL+"/ok", "name=early")
	s.Register(backgroundsync.TagFormSubmission)

	reports := s.RunPending(context.Background())
	require.Len(t, reports, 1)
	assert.Equal(t, 1, reports[0].Delivered)
	assert.Equal(t, 0, reports[0].Remaining)

	n, err := q.MemoryQueue.Len(context.Background(), backgroundsync.TagFormSubmission)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{backgroundsync.TagFormSubmission}, s.Pending())

	// The next run delivers the late submission and only then clears the tag.
	reports = s.RunPending(context.Background())
	require.Len(t, reports, 1)
	assert.Equal(t, 1, reports[0].Delivered)
	assert.Empty(t, s.Pending())
}

func TestSync_ContextCanceled(t *testing.T) {
	t.Parallel()

	srv, rec := newOrigin(t)
	q := syncqueue.NewMemoryQueue()
	enqueue(t, q, srv.URL+"/ok", "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newSyncer(srv, q).Sync(ctx, backgroundsync.TagFormSubmission)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, rec.count())

	n, err := q.Len(context.Background(), backgroundsync.TagFormSubmission)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestScheduler_ReplaysPendingTags(t *testing.T) {
	t.Parallel()

	srv, rec := newOrigin(t)
	q := syncqueue.NewMemoryQueue()
	enqueue(t, q, srv.URL+"/ok", "a")

	s := newSyncer(srv, q)
	sched, err := backgroundsync.NewScheduler(s, "@every 1s", logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })

	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool { return len(s.Pending()) == 0 }, 5*time.Second, 50*time.Millisecond)
}

func TestNewScheduler_InvalidSchedule(t *testing.T) {
	t.Parallel()

	_, err := backgroundsync.NewScheduler(nil, "every now and then", logger.NewNop())
	require.Error(t, err)
}
