package group

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "derecho"

type metrics struct {
	deliveries     *prometheus.CounterVec
	viewInstalls   prometheus.Counter
	memberCount    prometheus.Gauge
	persistFrontier *prometheus.GaugeVec
}

func newMetrics() *metrics {
	return &metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages delivered to the application, by subgroup.",
		}, []string{"subgroup"}),
		viewInstalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "views_installed_total",
			Help:      "Views installed since the group started.",
		}),
		memberCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "view_members",
			Help:      "Members in the currently installed view.",
		}),
		persistFrontier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "global_persistence_frontier",
			Help:      "Highest version persisted by every shard member, by subgroup.",
		}, []string{"subgroup"}),
	}
}

// PrometheusCollectors returns the group's metric collectors for
// registration with a prometheus registry.
func (g *Group) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		g.metrics.deliveries,
		g.metrics.viewInstalls,
		g.metrics.memberCount,
		g.metrics.persistFrontier,
	}
}
