// Package metrics registers the Prometheus collectors shared across
// subsystems, following the same flat package-level-vars-plus-init
// pattern as cuemby-warren/pkg/metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Shard pool metrics (§4.D)
	PoolCheckoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchd_pool_checkouts_total",
			Help: "Shard pool checkouts by writable flag and outcome",
		},
		[]string{"writable", "outcome"},
	)

	PoolCheckoutDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "searchd_pool_checkout_duration_seconds",
			Help:    "Time spent waiting for a shard handle checkout",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"writable"},
	)

	PoolOutstanding = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "searchd_pool_outstanding_handles",
			Help: "Currently checked-out shard handles per hash",
		},
		[]string{"hash", "writable"},
	)

	// WAL / committer metrics (§4.E)
	WALAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchd_wal_appends_total",
			Help: "WAL entries appended by entry type",
		},
		[]string{"type"},
	)

	WALCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchd_wal_commits_total",
			Help: "Autocommit invocations by outcome",
		},
		[]string{"outcome"},
	)

	// Gossip metrics (§4.G)
	GossipMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchd_gossip_messages_total",
			Help: "Gossip datagrams processed by kind and direction",
		},
		[]string{"kind", "direction"},
	)

	GossipNodesKnown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "searchd_gossip_nodes_known",
			Help: "Number of active nodes in the local node table",
		},
	)

	// Raft metrics (§4.H)
	RaftIsLeader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "searchd_raft_is_leader",
			Help: "Whether this node is the Raft leader for a region (1/0)",
		},
		[]string{"region"},
	)

	RaftTerm = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "searchd_raft_term",
			Help: "Current Raft term by region",
		},
		[]string{"region"},
	)

	// Resolver metrics (§4.I)
	ResolverWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "searchd_resolver_wait_duration_seconds",
			Help:    "Time spent waiting for endpoint resolution",
			Buckets: prometheus.DefBuckets,
		},
	)

	ResolverResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchd_resolver_results_total",
			Help: "Resolver outcomes by final state",
		},
		[]string{"state"},
	)

	// Replication metrics (§4.J)
	ReplicationTransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchd_replication_transfers_total",
			Help: "Replication transfers by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	// Reactor / binary protocol client metrics (§4.A, §4.B)
	ReactorClientsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "searchd_reactor_clients_active",
			Help: "Currently open reactor client connections",
		},
	)

	ReactorFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchd_reactor_frames_total",
			Help: "Binary protocol frames processed by mode and direction",
		},
		[]string{"mode", "direction"},
	)

	// HTTP metrics (§6)
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchd_http_requests_total",
			Help: "HTTP requests by method, route and status class",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "searchd_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(
		PoolCheckoutsTotal, PoolCheckoutDuration, PoolOutstanding,
		WALAppendsTotal, WALCommitsTotal,
		GossipMessagesTotal, GossipNodesKnown,
		RaftIsLeader, RaftTerm,
		ResolverWaitDuration, ResolverResultsTotal,
		ReplicationTransfersTotal,
		ReactorClientsActive, ReactorFramesTotal,
		HTTPRequestsTotal, HTTPRequestDuration,
	)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration for histogram observation.
type Timer struct{ start time.Time }

// NewTimer starts a timer.
func NewTimer() *Timer { return &Timer{start: time.Now()} }

// ObserveSeconds records elapsed seconds into an Observer (histogram
// or histogram-vec WithLabelValues result).
func (t *Timer) ObserveSeconds(obs prometheus.Observer) {
	obs.Observe(time.Since(t.start).Seconds())
}

// Duration returns elapsed time since the timer started.
func (t *Timer) Duration() time.Duration { return time.Since(t.start) }
