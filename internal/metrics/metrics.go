// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session metrics
var (
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rps_sessions_total",
			Help: "Total number of client sessions accepted",
		},
		[]string{"listener"},
	)

	SessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rps_sessions_active",
			Help: "Current number of client sessions",
		},
		[]string{"listener"},
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rps_session_duration_seconds",
			Help:    "Duration of client sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"listener"},
	)

	HandshakeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rps_handshake_failures_total",
			Help: "Client sessions killed before the relay started, by error kind",
		},
		[]string{"listener", "kind"},
	)

	BytesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rps_relayed_bytes_total",
			Help: "Bytes relayed between clients and upstreams",
		},
		[]string{"listener", "direction"},
	)
)

// Upstream metrics
var (
	UpstreamConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rps_upstream_connects_total",
			Help: "Forward connect attempts by upstream protocol and result",
		},
		[]string{"proto", "result"},
	)

	UpstreamEndpoints = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rps_upstream_endpoints",
			Help: "Upstream endpoints in the pool by protocol and availability",
		},
		[]string{"proto", "state"},
	)

	UpstreamRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rps_upstream_refreshes_total",
			Help: "Upstream source refreshes by source and result",
		},
		[]string{"source", "result"},
	)
)

// Direction labels for BytesRelayed.
const (
	DirectionUp   = "upstream"
	DirectionDown = "downstream"
)

// Result labels.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Result maps an error onto ResultSuccess or ResultFailure.
func Result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
