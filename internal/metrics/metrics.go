// Package metrics collects prometheus instrumentation for the daemon.
// Collectors live on an explicit registry handed around by dependency
// injection; there is no process-global metric state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "climate_group"

// Metrics bundles every collector the daemon exposes on /metrics.
type Metrics struct {
	reg *prometheus.Registry

	// SnapshotUpdates counts entity snapshot replacements by entity domain.
	SnapshotUpdates *prometheus.CounterVec
	// EventsDropped counts change notifications lost to a full dispatch queue.
	EventsDropped prometheus.Counter
	// ServiceCalls counts commands dispatched through the service bus.
	ServiceCalls *prometheus.CounterVec
	// ServiceCallErrors counts commands whose handler returned an error.
	ServiceCallErrors *prometheus.CounterVec
	// MQTTMessages counts bridge traffic by direction (rx/tx).
	MQTTMessages *prometheus.CounterVec
	// MQTTReconnects counts broker connection losses.
	MQTTReconnects prometheus.Counter
}

// New builds the collector set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		SnapshotUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_updates_total",
			Help:      "Entity snapshot replacements in the state registry.",
		}, []string{"domain"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Change notifications dropped because the dispatch queue was full.",
		}),
		ServiceCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_calls_total",
			Help:      "Commands dispatched through the service bus.",
		}, []string{"domain", "service"}),
		ServiceCallErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_call_errors_total",
			Help:      "Service bus commands that returned an error.",
		}, []string{"domain", "service"}),
		MQTTMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_messages_total",
			Help:      "MQTT bridge messages by direction.",
		}, []string{"direction"}),
		MQTTReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_reconnects_total",
			Help:      "MQTT broker connection losses.",
		}),
	}

	m.reg.MustRegister(
		m.SnapshotUpdates,
		m.EventsDropped,
		m.ServiceCalls,
		m.ServiceCallErrors,
		m.MQTTMessages,
		m.MQTTReconnects,
	)
	return m
}

// Handler serves the collector set in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
