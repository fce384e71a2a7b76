package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carelink_messages_processed_total",
		Help: "Messages dispatched through the router, by urgency.",
	}, []string{"urgency"})

	metricFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carelink_messages_failed_total",
		Help: "Messages that ended in rejection, timeout or handler error.",
	})

	metricActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carelink_messages_active",
		Help: "Messages currently executing in a handler.",
	})

	metricQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "carelink_queue_depth",
		Help: "Messages waiting in each urgency queue.",
	}, []string{"urgency"})
)
