// Package metrics holds the Prometheus collectors for site-cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "site_cache"

// Metrics is the set of site-cache collectors. A nil *Metrics is valid and
// records nothing, so components can be built without a registry.
type Metrics struct {
	FetchTotal        *prometheus.CounterVec
	FetchDuration     *prometheus.HistogramVec
	CacheWritesTotal  *prometheus.CounterVec
	InstallTotal      *prometheus.CounterVec
	CachesDeleted     prometheus.Counter
	SyncReplaysTotal  *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	SubmissionsQueued prometheus.Counter
}

// New creates and registers every collector on reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		FetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "requests_total",
			Help:      "Intercepted requests by the source that answered them.",
		}, []string{"source"}),
		FetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Time to answer an intercepted request.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"source"}),
		CacheWritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "writes_total",
			Help:      "Background cache writes by result.",
		}, []string{"result"}),
		InstallTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "installs_total",
			Help:      "Install attempts by result.",
		}, []string{"result"}),
		CachesDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "caches_deleted_total",
			Help:      "Stale cache versions removed at activation.",
		}),
		SyncReplaysTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "replays_total",
			Help:      "Queued submission replays by tag and result.",
		}, []string{"tag", "result"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "queue_depth",
			Help:      "Queued submissions awaiting replay.",
		}, []string{"tag"}),
		SubmissionsQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "submissions_queued_total",
			Help:      "Form submissions queued after a network failure.",
		}),
	}
}

// ObserveFetch records one answered request.
func (m *Metrics) ObserveFetch(source string, seconds float64) {
	if m == nil {
		return
	}
	m.FetchTotal.WithLabelValues(source).Inc()
	m.FetchDuration.WithLabelValues(source).Observe(seconds)
}

// CacheWrite records a background cache write.
func (m *Metrics) CacheWrite(err error) {
	if m == nil {
		return
	}
	m.CacheWritesTotal.WithLabelValues(result(err)).Inc()
}

// Install records an install attempt.
func (m *Metrics) Install(err error) {
	if m == nil {
		return
	}
	m.InstallTotal.WithLabelValues(result(err)).Inc()
}

// Activated records how many stale caches an activation removed.
func (m *Metrics) Activated(deleted int) {
	if m == nil {
		return
	}
	m.CachesDeleted.Add(float64(deleted))
}

// Replay records one submission replay.
func (m *Metrics) Replay(tag string, err error) {
	if m == nil {
		return
	}
	m.SyncReplaysTotal.WithLabelValues(tag, result(err)).Inc()
}

// SetQueueDepth publishes the queue length for tag.
func (m *Metrics) SetQueueDepth(tag string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(tag).Set(float64(n))
}

// Queued records a submission captured for later replay.
func (m *Metrics) Queued() {
	if m == nil {
		return
	}
	m.SubmissionsQueued.Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
