package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_connections_active",
			Help: "Live WebSocket connections on this instance",
		},
	)

	MessagesBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_messages_broadcast_total",
			Help: "Messages broadcast to room members",
		},
		[]string{"type"},
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"rule"},
	)

	AdmissionDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_admission_denied_total",
			Help: "Connections denied admission",
		},
		[]string{"reason"}, // "missing_credential", "invalid_credential", "internal"
	)

	RoomJoinsDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_room_joins_denied_total",
			Help: "Room join attempts rejected by authorization",
		},
		[]string{"kind"},
	)

	CrossInstanceMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cross_instance_messages_total",
			Help: "Messages relayed over the coordination store's pub/sub",
		},
		[]string{"direction"}, // "published" or "received"
	)
)
