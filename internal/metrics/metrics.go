// Package metrics exposes in-process event counters via Prometheus.
//
// Counters are a single counter-vec keyed by an `event` label so call sites
// stay as simple as m.Inc(name) while still being scrapeable.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event names.
const (
	AuthFailure               = "auth_failure"
	RateLimited               = "rate_limited"
	BadMessage                = "bad_message"
	ConnectionOpened          = "connection_opened"
	ConnectionClosed          = "connection_closed"
	StaleConnectionTerminated = "stale_connection_terminated"
	RoomCreated               = "room_created"
	RoomDeleted               = "room_deleted"
	ParticipantJoined         = "participant_joined"
	ParticipantLeft           = "participant_left"
	RelayRequestFailed        = "relay_request_failed"
)

type Metrics struct {
	reg    *prometheus.Registry
	events *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sfu_signaling_events_total",
		Help: "Internal signaling event counters.",
	}, []string{"event"})
	reg.MustRegister(events)
	return &Metrics{reg: reg, events: events}
}

// Inc increments the counter for the named event. Safe on a nil receiver so
// metrics stay optional for tests and embedded use.
func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Inc()
}

// Event returns the counter for the named event, for test assertions.
func (m *Metrics) Event(name string) prometheus.Counter {
	return m.events.WithLabelValues(name)
}

// Handler serves the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
