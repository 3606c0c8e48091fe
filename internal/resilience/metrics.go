package resilience

import "github.com/prometheus/client_golang/prometheus"

// Breaker collectors are labelled by target, the upstream dependency name
// given through WithTarget or HTTPClient.Target.
var (
	BreakerStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "upstream",
		Name:      "breaker_state",
		Help:      "Breaker state per upstream (0 closed, 1 open, 2 half-open).",
	}, []string{"target"})

	BreakerTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "upstream",
		Name:      "breaker_transitions_total",
		Help:      "Breaker state changes per upstream.",
	}, []string{"target", "from", "to"})

	BreakerTripsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "upstream",
		Name:      "breaker_trips_total",
		Help:      "Times a breaker opened and started rejecting calls.",
	}, []string{"target"})
)

func init() {
	prometheus.MustRegister(BreakerStateGauge, BreakerTransitionsTotal, BreakerTripsTotal)
}

func observeState(target string, s State) {
	BreakerStateGauge.WithLabelValues(target).Set(float64(s))
}

func observeTransition(target string, from, to State) {
	BreakerTransitionsTotal.WithLabelValues(target, from.String(), to.String()).Inc()
	if to == Open {
		BreakerTripsTotal.WithLabelValues(target).Inc()
	}
}
