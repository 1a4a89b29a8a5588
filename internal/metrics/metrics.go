// Package metrics registers the process-wide Prometheus collectors.
// Collectors are package-level so the tunnel core can increment them
// without threading a metrics handle through every constructor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProxyRequests counts proxied public requests by response code.
	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "passage_proxy_requests_total",
		Help: "Proxied public HTTP requests by response status code.",
	}, []string{"code"})

	// LateResponsesDropped counts response frames whose waiter had
	// already timed out.
	LateResponsesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "passage_late_responses_dropped_total",
		Help: "Response frames discarded because no waiter was pending.",
	})

	// FramesRejected counts inbound frames rejected by the codec.
	FramesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "passage_frames_rejected_total",
		Help: "Frames rejected by the codec, by reason.",
	}, []string{"reason"})

	// ActiveTunnels tracks the current registry descriptor count.
	ActiveTunnels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "passage_active_tunnels",
		Help: "Tunnel descriptors currently held by the registry.",
	})

	// SessionsAttached counts successful attach handshakes.
	SessionsAttached = promauto.NewCounter(prometheus.CounterOpts{
		Name: "passage_sessions_attached_total",
		Help: "Successful tunnel attach handshakes.",
	})
)
