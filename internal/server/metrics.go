package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "gochat_relay"

// Drop reasons recorded by DroppedDeliveries.
const (
	dropQueueFull   = "queue_full"
	dropQueueClosed = "queue_closed"
)

// Metrics groups the relay's Prometheus collectors.
type Metrics struct {
	Connections         prometheus.Gauge
	Replacements        prometheus.Counter
	Deliveries          *prometheus.CounterVec
	DroppedDeliveries   *prometheus.CounterVec
	MalformedFrames     prometheus.Counter
	RateLimited         prometheus.Counter
	MessagesPersisted   *prometheus.CounterVec
	PersistenceFailures prometheus.Counter
	PresenceChanges     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// yields working collectors that are not exported anywhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Number of users with a live registry entry.",
		}),
		Replacements: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connection_replacements_total",
			Help:      "Registrations that superseded an existing connection for the same user.",
		}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries_total",
			Help:      "Events accepted into an outbound queue.",
		}, []string{"type"}),
		DroppedDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_deliveries_total",
			Help:      "Events that could not be queued for a recipient.",
		}, []string{"reason"}),
		MalformedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames rejected before dispatch.",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limited_frames_total",
			Help:      "Inbound frames discarded by the per-connection rate limiter.",
		}),
		MessagesPersisted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_persisted_total",
			Help:      "Chat messages written to the store.",
		}, []string{"scope"}),
		PersistenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "persistence_failures_total",
			Help:      "Chat messages the store refused to save.",
		}),
		PresenceChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "presence_changes_total",
			Help:      "UserStatus broadcasts by state.",
		}, []string{"state"}),
	}
}

func presenceLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
