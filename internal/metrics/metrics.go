package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Checkout outcomes used as the "outcome" label.
const (
	OutcomeCommitted         = "committed"
	OutcomeEmptyCart         = "empty_cart"
	OutcomeInsufficientStock = "insufficient_stock"
	OutcomePersistenceError  = "persistence_error"
)

type CheckoutMetrics struct {
	Checkouts *prometheus.CounterVec
	LatencyMS prometheus.Histogram
	Published prometheus.Counter
}

// NewCheckoutMetrics creates the checkout collectors and registers them with reg.
func NewCheckoutMetrics(reg prometheus.Registerer) *CheckoutMetrics {
	checkouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookmart",
		Subsystem: "checkout",
		Name:      "attempts_total",
		Help:      "Total number of checkout attempts by outcome.",
	}, []string{"outcome"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bookmart",
		Subsystem: "checkout",
		Name:      "duration_ms",
		Help:      "Checkout latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	})
	published := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bookmart",
		Subsystem: "outbox",
		Name:      "published_total",
		Help:      "Total number of outbox events published to the broker.",
	})

	reg.MustRegister(checkouts, latency, published)
	return &CheckoutMetrics{Checkouts: checkouts, LatencyMS: latency, Published: published}
}

func Handler() http.Handler {
	return promhttp.Handler()
}
