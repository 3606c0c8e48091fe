package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PriceValidationTotal counts validator outcomes: valid, corrected,
	// fail_open and rejected on add-to-cart; checkout_stored,
	// checkout_blocked and checkout_corrected at handoff.
	PriceValidationTotal *prometheus.CounterVec
	// PricingFetchTotal counts pricing data loads by kind (product, matrix,
	// price_list) and result (hit, fetched, error).
	PricingFetchTotal *prometheus.CounterVec
	// PriceQuoteTotal counts quotes by status (priced, unset, out_of_range).
	PriceQuoteTotal *prometheus.CounterVec
	// PricingStaleDiscardTotal counts pricing loads dropped because a newer
	// product selection superseded them.
	PricingStaleDiscardTotal prometheus.Counter
	// PriceReconciliationTotal counts ledger events by kind.
	PriceReconciliationTotal *prometheus.CounterVec
	// PricingUpstreamLatency records upstream pricing API latency in milliseconds.
	PricingUpstreamLatency *prometheus.HistogramVec
)

func init() {
	// usable before MustRegisterDomainMetrics runs, e.g. in package tests
	buildDomainMetrics("")
}

func buildDomainMetrics(namespace string) {
	PriceValidationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "price_validation_total",
		Help:      "Cart price validation outcomes.",
	}, []string{"result"})
	PricingFetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pricing_data_fetch_total",
		Help:      "Pricing data loads by kind and result.",
	}, []string{"kind", "result"})
	PriceQuoteTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "price_quote_total",
		Help:      "Price quotes by status.",
	}, []string{"status"})
	PricingStaleDiscardTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pricing_stale_discard_total",
		Help:      "Pricing loads discarded because a newer selection superseded them.",
	})
	PriceReconciliationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "price_reconciliation_total",
		Help:      "Price reconciliation ledger events by kind.",
	}, []string{"kind"})
	PricingUpstreamLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pricing_upstream_duration_ms",
		Help:      "Latency of pricing API calls in milliseconds.",
		Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"operation", "result"})
}

// MustRegisterDomainMetrics rebuilds the pricing collectors under namespace
// and registers them once.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		buildDomainMetrics(namespace)

		registerOrReuse(reg, &PriceValidationTotal)
		registerOrReuse(reg, &PricingFetchTotal)
		registerOrReuse(reg, &PriceQuoteTotal)
		registerOrReuse(reg, &PricingStaleDiscardTotal)
		registerOrReuse(reg, &PriceReconciliationTotal)
		registerOrReuse(reg, &PricingUpstreamLatency)
	})
}

// registerOrReuse registers *c, swapping in the existing collector when an
// identical one is already registered.
func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c *C) {
	if err := reg.Register(*c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				*c = existing
			}
			return
		}
		panic(fmt.Errorf("register metric: %w", err))
	}
}
