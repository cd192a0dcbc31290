// Package metrics declares this node's prometheus collectors, following
// teacher pkg/metrics's package-global-vars-plus-init-MustRegister
// pattern, retargeted from cluster/service/container gauges onto the
// raft/changelog/blob/query surface spec.md's replication and query
// modules expose.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailcored_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailcored_raft_peers_total",
			Help: "Total number of Raft peers this node currently tracks",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailcored_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailcored_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailcored_raft_apply_duration_seconds",
			Help:    "Time taken to replicate a write batch through Raft",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Change-log metrics
	ChangeLogDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailcored_changelog_depth",
			Help: "Number of change-log entries retained, by collection",
		},
		[]string{"collection"},
	)

	ChangeLogAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcored_changelog_appends_total",
			Help: "Total number of change-log entries appended, by collection",
		},
		[]string{"collection"},
	)

	// Blob store metrics
	BlobStoreBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailcored_blob_store_bytes",
			Help: "Total bytes currently held by the blob store backend",
		},
	)

	BlobsPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailcored_blobs_purged_total",
			Help: "Total number of blobs removed by housekeeper.purgeBlobsOnce",
		},
	)

	// State manager metrics
	SubscribersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailcored_state_subscribers_total",
			Help: "Current number of live statemgr subscriptions",
		},
	)

	StateChangesPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailcored_state_changes_published_total",
			Help: "Total number of StateChange events published",
		},
	)

	// Query metrics
	QueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailcored_query_duration_seconds",
			Help:    "query.Run latency by collection",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcored_queries_total",
			Help: "Total number of queries run, by collection",
		},
		[]string{"collection"},
	)

	// Housekeeper metrics
	HousekeeperCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailcored_housekeeper_cycle_duration_seconds",
			Help:    "Duration of one housekeeper task cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	HousekeeperCycleErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcored_housekeeper_cycle_errors_total",
			Help: "Total number of housekeeper task cycles that returned an error",
		},
		[]string{"task"},
	)
)

func init() {
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(ChangeLogDepth)
	prometheus.MustRegister(ChangeLogAppendsTotal)
	prometheus.MustRegister(BlobStoreBytes)
	prometheus.MustRegister(BlobsPurgedTotal)
	prometheus.MustRegister(SubscribersTotal)
	prometheus.MustRegister(StateChangesPublishedTotal)
	prometheus.MustRegister(QueryLatency)
	prometheus.MustRegister(QueriesTotal)
	prometheus.MustRegister(HousekeeperCycleDuration)
	prometheus.MustRegister(HousekeeperCycleErrorsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
