// ABOUTME: Prometheus collectors for connections, RPC outcomes, frames and worker pools.
// ABOUTME: Collectors are registered on the default registry and served by Handler.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RPC outcome labels.
const (
	OutcomeSuccess          = "success"
	OutcomeTimeout          = "timeout"
	OutcomeUnreachable      = "unreachable"
	OutcomeStreamTerminated = "stream_terminated"
	OutcomeShutdown         = "shutdown"
	OutcomeBackpressure     = "backpressure"
	OutcomeRemoteError      = "remote_error"
)

var (
	ConnectedMinions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minion_gateway_connected_minions",
			Help: "Number of minion streams with an established identity",
		},
	)

	StreamsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minion_gateway_streams_closed_total",
			Help: "Minion streams closed, by reason (completed or error)",
		},
		[]string{"reason"},
	)

	RPCRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minion_gateway_rpc_requests_total",
			Help: "Cloud to minion RPC requests by module and outcome",
		},
		[]string{"module", "outcome"},
	)

	RPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "minion_gateway_rpc_duration_seconds",
			Help:    "Time from dispatch to resolution of cloud to minion RPC requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"module"},
	)

	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minion_gateway_pending_requests",
			Help: "Requests registered in the request tracker",
		},
	)

	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minion_gateway_frames_dropped_total",
			Help: "Inbound frames dropped, by reason",
		},
		[]string{"reason"},
	)

	SinkMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minion_gateway_sink_messages_total",
			Help: "Sink messages received, by module and result",
		},
		[]string{"module", "result"},
	)

	PresenceEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minion_gateway_presence_events_total",
			Help: "Presence events processed, by kind and result",
		},
		[]string{"kind", "result"},
	)

	PoolRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minion_gateway_pool_rejections_total",
			Help: "Tasks rejected by a saturated worker pool",
		},
		[]string{"pool"},
	)
)

func init() {
	prometheus.MustRegister(ConnectedMinions)
	prometheus.MustRegister(StreamsClosed)
	prometheus.MustRegister(RPCRequests)
	prometheus.MustRegister(RPCDuration)
	prometheus.MustRegister(PendingRequests)
	prometheus.MustRegister(FramesDropped)
	prometheus.MustRegister(SinkMessages)
	prometheus.MustRegister(PresenceEvents)
	prometheus.MustRegister(PoolRejections)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
