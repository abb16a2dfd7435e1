package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "livetrack"

var (
	SessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Tracking sessions created, by visibility",
		},
		[]string{"visibility"},
	)

	SessionsEnded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Tracking sessions explicitly ended",
		},
	)

	// PointsReceived counts inbound publisher messages; result is accepted or malformed.
	PointsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_received_total",
			Help:      "Location points received from publishers",
		},
		[]string{"result"},
	)

	PublishersConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "publishers_connected",
			Help:      "Publisher connections currently streaming",
		},
	)

	PublisherRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publisher_rejections_total",
			Help:      "Publish handshakes or streams refused, by reason",
		},
		[]string{"reason"},
	)

	ObserversConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers_connected",
			Help:      "Observer connections attached to the hub",
		},
	)

	FramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_frames_dropped_total",
			Help:      "Point frames dropped from full observer queues",
		},
	)

	// LiveTransitions counts live state changes; kind is start, stale or ended.
	LiveTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_transitions_total",
			Help:      "Live state transitions per subject",
		},
		[]string{"kind"},
	)

	RelayErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_errors_total",
			Help:      "Redis relay failures, by operation",
		},
		[]string{"op"},
	)
)
