// Package metrics exposes counters and gauges describing the relay's
// runtime state, served over HTTP for Prometheus scraping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result labels used on the REG1/REG2 outcome counters.
const (
	ResultOK  = "ok"
	ResultErr = "err"
	ResultNGP = "ngp"
)

// Direction labels used on the packet counters.
const (
	DirInbound    = "inbound"      // sender -> listening socket
	DirOutbound   = "outbound"     // listening socket -> sender
	DirUpstreamIn = "upstream_in"  // SRT server -> upstream socket
	DirUpstream   = "upstream_out" // listening socket/group -> SRT server
)

// Registry holds every metric the relay reports. Unlike the package-level
// promauto vars the distilled teacher example uses, this wraps a private
// prometheus.Registry instance so tests can construct independent,
// collision-free Registries rather than sharing the global default one.
type Registry struct {
	reg *prometheus.Registry

	GroupsActive      prometheus.Gauge
	ConnectionsActive prometheus.Gauge
	RegOutcomes       *prometheus.CounterVec
	Packets           *prometheus.CounterVec
	AcksSent          prometheus.Counter
	GroupsReaped      prometheus.Counter
	ConnectionsReaped prometheus.Counter
}

// New creates a Registry with all metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		GroupsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "srtla_groups_active",
			Help: "Number of SRTLA groups currently registered.",
		}),
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "srtla_connections_active",
			Help: "Number of SRTLA connections currently registered across all groups.",
		}),
		RegOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "srtla_reg_total",
			Help: "REG1/REG2 handshake outcomes.",
		}, []string{"stage", "result"}),
		Packets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "srtla_packets_total",
			Help: "Datagrams relayed, by direction.",
		}, []string{"direction"}),
		AcksSent: f.NewCounter(prometheus.CounterOpts{
			Name: "srtla_acks_sent_total",
			Help: "SRTLA ACK datagrams emitted.",
		}),
		GroupsReaped: f.NewCounter(prometheus.CounterOpts{
			Name: "srtla_groups_reaped_total",
			Help: "Groups evicted by the reaper for being idle.",
		}),
		ConnectionsReaped: f.NewCounter(prometheus.CounterOpts{
			Name: "srtla_connections_reaped_total",
			Help: "Connections evicted by the reaper for being idle.",
		}),
	}
}

// Gatherer exposes the underlying registry for the HTTP handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
