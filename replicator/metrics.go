package replicator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	replicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keel",
		Subsystem: "replicator",
		Name:      "replicate_total",
		Help:      "Operations sequenced by the primary replicator.",
	})
	replicateRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keel",
		Subsystem: "replicator",
		Name:      "replicate_rejected_total",
		Help:      "Replicate calls rejected by queue admission.",
	})
	copyBuilds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keel",
		Subsystem: "replicator",
		Name:      "copy_builds_total",
		Help:      "Replica builds run to a terminal state.",
	})
	acksSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keel",
		Subsystem: "replicator",
		Name:      "acks_sent_total",
		Help:      "Acknowledgement messages sent by the secondary.",
	})
	staleMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keel",
		Subsystem: "replicator",
		Name:      "stale_messages_total",
		Help:      "Messages dropped by sender filtering, by role and reason.",
	}, []string{"role", "reason"})
	enqueueRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keel",
		Subsystem: "replicator",
		Name:      "enqueue_rejected_total",
		Help:      "Queue enqueues rejected by count or memory limits.",
	}, []string{"queue"})
	queueUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "keel",
		Subsystem: "replicator",
		Name:      "queue_utilization_percent",
		Help:      "Operation queue utilization against configured limits.",
	}, []string{"queue"})
)
