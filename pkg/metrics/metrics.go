// Package metrics holds the Prometheus collectors shared by the gateway and
// the API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	// Connections is the number of live socket connections on this instance.
	Connections prometheus.Gauge

	// OnlineUsers counts users with at least one live connection, as observed
	// by this instance's presence transitions.
	OnlineUsers prometheus.Gauge

	// PresenceTransitions counts emitted presence events.
	// Labels: state (online|offline)
	PresenceTransitions *prometheus.CounterVec

	// EventsBroadcast counts events handed to the fan-out layer.
	// Labels: event
	EventsBroadcast *prometheus.CounterVec

	// DeliveriesDropped counts frames not delivered because a connection's
	// send buffer was full or closed.
	DeliveriesDropped prometheus.Counter

	// DispatchErrors counts rejected or failed actions.
	// Labels: action, code
	DispatchErrors *prometheus.CounterVec

	// TypingExpired counts stop_typing events forced by the server TTL.
	TypingExpired prometheus.Counter

	// HTTPRequests counts API requests.
	// Labels: method, route, status
	HTTPRequests *prometheus.CounterVec

	// HTTPRequestDuration measures API latency in seconds.
	// Labels: method, route
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "mingle_connections",
			Help: "Live socket connections on this instance",
		}),
		OnlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "mingle_online_users",
			Help: "Users with at least one live connection",
		}),
		PresenceTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mingle_presence_transitions_total",
			Help: "Presence events emitted by state",
		}, []string{"state"}),
		EventsBroadcast: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mingle_events_broadcast_total",
			Help: "Events handed to the fan-out layer by event type",
		}, []string{"event"}),
		DeliveriesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "mingle_deliveries_dropped_total",
			Help: "Frames dropped because a connection could not accept them",
		}),
		DispatchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mingle_dispatch_errors_total",
			Help: "Rejected or failed actions by action and error code",
		}, []string{"action", "code"}),
		TypingExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "mingle_typing_expired_total",
			Help: "stop_typing events forced by the server-side typing TTL",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mingle_http_requests_total",
			Help: "API requests by method, route and status code",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mingle_http_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route"}),
	}
}

// NewForTest registers the collectors on a private registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler exposes the collectors of gatherer at /metrics.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
