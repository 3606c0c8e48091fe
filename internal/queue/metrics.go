package queue

import "github.com/prometheus/client_golang/prometheus"

// DepthGauge and DeadLetterGauge are refreshed by workers and the admin stats
// endpoint; they are approximate between refreshes.
var (
	DepthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "queue",
		Name:      "ready_tasks",
		Help:      "Tasks waiting in the ready set, per kind.",
	}, []string{"kind"})

	DeadLetterGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "queue",
		Name:      "dead_letter_tasks",
		Help:      "Tasks parked in the dead-letter store, per kind.",
	}, []string{"kind"})

	enqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "queue",
		Name:      "enqueued_total",
		Help:      "Tasks accepted, per kind. Deduplicated enqueues are not counted.",
	}, []string{"kind"})

	processedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "queue",
		Name:      "processed_total",
		Help:      "Handler outcomes per kind: ok, retry or dead.",
	}, []string{"kind", "status"})
)

func init() {
	prometheus.MustRegister(DepthGauge, DeadLetterGauge, enqueuedTotal, processedTotal)
}

func queueLabel(kind string) string {
	if k := sanitizeKind(kind); k != "" {
		return k
	}
	return "unknown"
}
