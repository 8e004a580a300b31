// Package telemetry holds the Prometheus collectors shared by the battle components.
// A nil *Metrics is valid and records nothing.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arena"

// Metrics is the set of counters and gauges exported on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	invites       *prometheus.CounterVec
	lobbies       *prometheus.CounterVec
	activeLobbies prometheus.Gauge
	turns         *prometheus.CounterVec
	opErrors      *prometheus.CounterVec
	swept         *prometheus.CounterVec
	connections   prometheus.Gauge
	wsEvents      *prometheus.CounterVec
}

// New registers every collector on a fresh registry, plus the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		invites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invite_events_total",
			Help:      "Invite lifecycle transitions by event.",
		}, []string{"event"}),
		lobbies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lobby_events_total",
			Help:      "Lobby lifecycle transitions by event.",
		}, []string{"event"}),
		activeLobbies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lobbies_active",
			Help:      "Lobbies with a running actor.",
		}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_resolved_total",
			Help:      "Resolved turns by action kind.",
		}, []string{"kind"}),
		opErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Rejected operations by operation and error kind.",
		}, []string{"op", "kind"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_total",
			Help:      "Records removed by background sweeps.",
		}, []string{"target"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open push-channel connections.",
		}),
		wsEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_events_total",
			Help:      "Inbound push-channel events by type.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.invites, m.lobbies, m.activeLobbies, m.turns, m.opErrors, m.swept, m.connections, m.wsEvents,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) InviteEvent(event string) {
	if m != nil {
		m.invites.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) LobbyEvent(event string) {
	if m != nil {
		m.lobbies.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) ActiveLobbies(delta float64) {
	if m != nil {
		m.activeLobbies.Add(delta)
	}
}

func (m *Metrics) TurnResolved(kind string) {
	if m != nil {
		m.turns.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) OperationError(op, kind string) {
	if m != nil {
		m.opErrors.WithLabelValues(op, kind).Inc()
	}
}

func (m *Metrics) Swept(target string, n int) {
	if m != nil && n > 0 {
		m.swept.WithLabelValues(target).Add(float64(n))
	}
}

func (m *Metrics) Connections(delta float64) {
	if m != nil {
		m.connections.Add(delta)
	}
}

func (m *Metrics) WSEvent(typ string) {
	if m != nil {
		m.wsEvents.WithLabelValues(typ).Inc()
	}
}
