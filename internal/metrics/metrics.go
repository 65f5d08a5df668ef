// Package metrics defines the Prometheus collectors shared by the fleet
// binaries. Each binary registers the set on its own registry and exposes it
// via promhttp where it has an HTTP surface (the registry service).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the fleet-wide collectors.
type Metrics struct {
	RegisteredServers   prometheus.Gauge
	CrashedServers      prometheus.Counter
	HeartbeatsReceived  prometheus.Counter
	HeartbeatsSent      prometheus.Counter
	ActiveParties       prometheus.Gauge
	PartyOperations     *prometheus.CounterVec
	DirtyEntriesFlushed prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RegisteredServers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fulcrum",
			Name:      "registered_servers",
			Help:      "Number of servers currently known to the registry.",
		}),
		CrashedServers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fulcrum",
			Name:      "crashed_servers_total",
			Help:      "Servers marked OFFLINE by the crash sweep.",
		}),
		HeartbeatsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fulcrum",
			Name:      "heartbeats_received_total",
			Help:      "Heartbeats received from the fleet.",
		}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fulcrum",
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeats published by this process.",
		}),
		ActiveParties: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fulcrum",
			Name:      "active_parties",
			Help:      "Parties currently tracked in the active set.",
		}),
		PartyOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fulcrum",
			Name:      "party_operations_total",
			Help:      "Party coordinator operations by action and outcome.",
		}, []string{"action", "outcome"}),
		DirtyEntriesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fulcrum",
			Name:      "dirty_entries_flushed_total",
			Help:      "Dirty player-data entries persisted to backends.",
		}),
	}

	reg.MustRegister(
		m.RegisteredServers,
		m.CrashedServers,
		m.HeartbeatsReceived,
		m.HeartbeatsSent,
		m.ActiveParties,
		m.PartyOperations,
		m.DirtyEntriesFlushed,
	)
	return m
}
