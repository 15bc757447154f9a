// Package metrics exposes Prometheus collectors for the engine's subsystems.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleet_engine"

// Metrics holds the engine's collectors.
type Metrics struct {
	registry prometheus.Gatherer

	linkTransitions     *prometheus.CounterVec
	reconnectFailures   *prometheus.CounterVec
	linksActive         *prometheus.GaugeVec
	diskEvents          *prometheus.CounterVec
	instanceTransitions *prometheus.CounterVec
	commands            *prometheus.CounterVec
	storeOps            *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: reg,
		linkTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "link_transitions_total",
			Help:      "Peer link status transitions.",
		}, []string{"network", "status"}),
		reconnectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "reconnection_failures_total",
			Help:      "Links that reached the reconnection failure threshold.",
		}, []string{"network"}),
		linksActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "links",
			Help:      "Tracked peer links.",
		}, []string{"network"}),
		diskEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "disk",
			Name:      "events_total",
			Help:      "Disk lifecycle events by action and result.",
		}, []string{"action", "result"}),
		instanceTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "transitions_total",
			Help:      "Instance status transitions.",
		}, []string{"status"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "executed_total",
			Help:      "Executed commands by name and result.",
		}, []string{"name", "result"}),
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "ops_total",
			Help:      "Replica operations applied by origin.",
		}, []string{"origin"}),
	}

	reg.MustRegister(
		m.linkTransitions,
		m.reconnectFailures,
		m.linksActive,
		m.diskEvents,
		m.instanceTransitions,
		m.commands,
		m.storeOps,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
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

// LinkStatus counts a link status transition.
func (m *Metrics) LinkStatus(network, status string) {
	if m == nil {
		return
	}
	m.linkTransitions.WithLabelValues(network, status).Inc()
}

// ReconnectionFailure counts a link reaching the failure threshold.
func (m *Metrics) ReconnectionFailure(network string) {
	if m == nil {
		return
	}
	m.reconnectFailures.WithLabelValues(network).Inc()
}

// Links sets the number of tracked links on a network.
func (m *Metrics) Links(network string, n int) {
	if m == nil {
		return
	}
	m.linksActive.WithLabelValues(network).Set(float64(n))
}

// DiskEvent counts a disk lifecycle event.
func (m *Metrics) DiskEvent(action string, err error) {
	if m == nil {
		return
	}
	m.diskEvents.WithLabelValues(action, result(err)).Inc()
}

// InstanceStatus counts an instance entering status.
func (m *Metrics) InstanceStatus(status string) {
	if m == nil {
		return
	}
	m.instanceTransitions.WithLabelValues(status).Inc()
}

// Command counts an executed command.
func (m *Metrics) Command(name string, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name, result(err)).Inc()
}

// StoreOps counts applied replica operations.
func (m *Metrics) StoreOps(origin string, n int) {
	if m == nil {
		return
	}
	m.storeOps.WithLabelValues(origin).Add(float64(n))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
