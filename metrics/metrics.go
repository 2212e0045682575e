// Package metrics exports the Prometheus counters and gauges emitted
// by the core engine's long-running components (the Wire Layer's
// connection pools, and the Upload/Download Engines' worker pools).
// The shape — a package-level var block of collectors registered in
// init, plus a Handler for exposition — follows cuemby-warren's
// pkg/metrics, the only example repo in the corpus that wires
// github.com/prometheus/client_golang end to end. The teacher's own
// metrics package (a hand-rolled Span/Saver tracing abstraction
// feeding a GCP backend) has no equivalent in this engine, which has
// no RPC client/server boundary to trace (§1 Non-goals); it is
// replaced rather than adapted.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SegmentsPosted counts successfully posted segments, by folder.
	SegmentsPosted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usenetsync_segments_posted_total",
			Help: "Total number of segments successfully posted through the wire layer",
		},
		[]string{"folder_id"},
	)

	// SegmentsRetrieved counts successfully retrieved segments, by share.
	SegmentsRetrieved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usenetsync_segments_retrieved_total",
			Help: "Total number of segments successfully retrieved through the wire layer",
		},
		[]string{"share_id"},
	)

	// SegmentRetries counts posting/retrieval attempts that were
	// rescheduled after a retryable wire error (§7).
	SegmentRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usenetsync_segment_retries_total",
			Help: "Total number of segment upload/download attempts rescheduled after a retryable error",
		},
		[]string{"direction"}, // "upload" or "download"
	)

	// ConnectionPoolActive reports a wire connection pool's current
	// active connection count, by server host.
	ConnectionPoolActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "usenetsync_wire_pool_active_connections",
			Help: "Current number of active NNTP connections held by a pool",
		},
		[]string{"server"},
	)

	// ConnectionPoolFailureRate reports a pool's rolling failure rate
	// (§5's reputation-based down-weighting).
	ConnectionPoolFailureRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "usenetsync_wire_pool_failure_rate",
			Help: "Rolling failure rate over the pool's reputation window",
		},
		[]string{"server"},
	)

	// SessionsInFlight reports the number of upload/download sessions
	// currently running, by direction.
	SessionsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "usenetsync_sessions_in_flight",
			Help: "Number of upload/download sessions currently running",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(
		SegmentsPosted,
		SegmentsRetrieved,
		SegmentRetries,
		ConnectionPoolActive,
		ConnectionPoolFailureRate,
		SessionsInFlight,
	)
}

// Handler returns the Prometheus scrape handler, wired into whatever
// HTTP mux the embedding service exposes (§1 Non-goals: this package
// never starts its own listener).
func Handler() http.Handler {
	return promhttp.Handler()
}
