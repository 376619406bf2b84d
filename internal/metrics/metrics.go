// Package metrics collects the prometheus series the HTTP mirror API
// exposes at /metrics, grounded on warren's pkg/metrics package (same
// raft/API shape, renamed to this domain's config/naming surface).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RaftIsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nacosd_raft_is_leader",
		Help: "Whether this node is the raft leader (1 = leader, 0 = follower)",
	})

	RaftAppliedIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nacosd_raft_applied_index",
		Help: "Last applied raft log index",
	})

	ConfigCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nacosd_config_entries_total",
		Help: "Total number of config entries held by this node",
	})

	ServiceInstanceCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nacosd_service_instances_total",
		Help: "Total number of registered instances by health state",
	}, []string{"healthy"})

	StreamClientCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nacosd_stream_clients_total",
		Help: "Total number of connected bidirectional stream clients",
	})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nacosd_http_requests_total",
		Help: "Total number of HTTP mirror API requests by route and status",
	}, []string{"route", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nacosd_http_request_duration_seconds",
		Help:    "HTTP mirror API request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	ApplyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nacosd_raft_apply_duration_seconds",
		Help:    "Time taken for a raft Apply call to commit",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		RaftIsLeader,
		RaftAppliedIndex,
		ConfigCount,
		ServiceInstanceCount,
		StreamClientCount,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ApplyDuration,
	)
}

// Handler returns the prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
