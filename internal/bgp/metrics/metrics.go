// Package metrics exposes the process's BGP peer state as Prometheus
// series, mirroring the teacher's own MetricsCollector shape
// (internal/central/api/metrics.go): a small struct of registered
// collectors plus Set/Inc helpers, with a Handler method returning the
// promhttp handler cmd/bgpd mounts.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every Prometheus series this speaker publishes, labeled
// by neighbor address, routing instance and remote ASN so a single process
// managing many instances/peers still reports a useful per-peer breakdown.
type Collector struct {
	PeerState             *prometheus.GaugeVec
	PeerFlapCount         *prometheus.GaugeVec
	NotificationsSent     *prometheus.CounterVec
	NotificationsReceived *prometheus.CounterVec
	RoutesTotal           *prometheus.GaugeVec
}

// NewCollector creates and registers every series.
func NewCollector() *Collector {
	c := &Collector{
		PeerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bgpd_peer_state",
				Help: "Current FSM state of a configured peer (0=Idle .. 5=Established).",
			},
			[]string{"instance", "neighbor", "asn"},
		),
		PeerFlapCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bgpd_peer_flap_count",
				Help: "Number of times a peer has fallen from Established back to Idle.",
			},
			[]string{"instance", "neighbor", "asn"},
		),
		NotificationsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bgpd_notifications_sent_total",
				Help: "Total NOTIFICATION messages sent, by code and subcode.",
			},
			[]string{"instance", "neighbor", "code", "subcode"},
		),
		NotificationsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bgpd_notifications_received_total",
				Help: "Total NOTIFICATION messages received, by code and subcode.",
			},
			[]string{"instance", "neighbor", "code", "subcode"},
		),
		RoutesTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bgpd_routes_total",
				Help: "Number of routes in a routing instance's table, by address family.",
			},
			[]string{"instance", "family"},
		),
	}
	prometheus.MustRegister(
		c.PeerState,
		c.PeerFlapCount,
		c.NotificationsSent,
		c.NotificationsReceived,
		c.RoutesTotal,
	)
	return c
}

// Observe updates every peer-labeled series from one snapshot.
func (c *Collector) Observe(p PeerStatus) {
	asn := strconv.FormatUint(uint64(p.RemoteASN), 10)
	c.PeerState.WithLabelValues(p.Instance, p.Neighbor, asn).Set(float64(p.State))
	c.PeerFlapCount.WithLabelValues(p.Instance, p.Neighbor, asn).Set(float64(p.FlapCount))
	if p.LastNotifSent != nil {
		c.NotificationsSent.WithLabelValues(p.Instance, p.Neighbor,
			strconv.Itoa(int(p.LastNotifSent.Code)), strconv.Itoa(int(p.LastNotifSent.Subcode))).Inc()
	}
	if p.LastNotifRecv != nil {
		c.NotificationsReceived.WithLabelValues(p.Instance, p.Neighbor,
			strconv.Itoa(int(p.LastNotifRecv.Code)), strconv.Itoa(int(p.LastNotifRecv.Subcode))).Inc()
	}
}

// SetRoutesTotal records the current route count for one instance/family.
func (c *Collector) SetRoutesTotal(instance, family string, count int) {
	c.RoutesTotal.WithLabelValues(instance, family).Set(float64(count))
}

// Handler returns an http.Handler that serves the registered series in the
// Prometheus text exposition format, for mounting at /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.Handler()
}
