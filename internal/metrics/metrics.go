package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Interception outcomes
const (
	OutcomeForwarded = "forwarded"
	OutcomeResponded = "responded"
	OutcomeFailed    = "failed"
	// OutcomeAbandoned is a client that went away before forwarding
	OutcomeAbandoned = "abandoned"
)

// DefaultBuckets are histogram buckets in seconds for subscriber round trips
var DefaultBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0}

// Collector tracks interception metrics on a private Prometheus registry
type Collector struct {
	registry *prometheus.Registry

	intercepted      *prometheus.CounterVec
	preflights       prometheus.Counter
	inflight         prometheus.Gauge
	dispatchDuration *prometheus.HistogramVec
	subscriberErrors *prometheus.CounterVec
	upstreamErrors   prometheus.Counter
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		intercepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netstub",
			Name:      "intercepted_requests_total",
			Help:      "Intercepted transactions by outcome.",
		}, []string{"outcome"}),
		preflights: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netstub",
			Name:      "preflight_responses_total",
			Help:      "CORS preflight requests answered without contacting upstream.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netstub",
			Name:      "inflight_requests",
			Help:      "Intercepted transactions currently in flight.",
		}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "netstub",
			Name:      "subscriber_dispatch_seconds",
			Help:      "Time spent waiting on subscribers per event dispatch.",
			Buckets:   DefaultBuckets,
		}, []string{"event"}),
		subscriberErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netstub",
			Name:      "subscriber_errors_total",
			Help:      "Subscriber calls that failed or timed out.",
		}, []string{"event", "reason"}),
		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netstub",
			Name:      "upstream_errors_total",
			Help:      "Upstream round trips that failed.",
		}),
	}

	c.registry.MustRegister(
		c.intercepted,
		c.preflights,
		c.inflight,
		c.dispatchDuration,
		c.subscriberErrors,
		c.upstreamErrors,
	)
	return c
}

// RecordIntercepted records the final outcome of an intercepted transaction
func (c *Collector) RecordIntercepted(outcome string) {
	c.intercepted.WithLabelValues(outcome).Inc()
}

// RecordPreflight records a fabricated preflight response
func (c *Collector) RecordPreflight() {
	c.preflights.Inc()
}

// InflightInc marks a transaction as started
func (c *Collector) InflightInc() {
	c.inflight.Inc()
}

// InflightDec marks a transaction as removed from the state map
func (c *Collector) InflightDec() {
	c.inflight.Dec()
}

// ObserveDispatch records how long a dispatch waited on subscribers
func (c *Collector) ObserveDispatch(event string, d time.Duration) {
	c.dispatchDuration.WithLabelValues(event).Observe(d.Seconds())
}

// RecordSubscriberError records a failed subscriber call
func (c *Collector) RecordSubscriberError(event, reason string) {
	c.subscriberErrors.WithLabelValues(event, reason).Inc()
}

// RecordUpstreamError records a failed upstream round trip
func (c *Collector) RecordUpstreamError() {
	c.upstreamErrors.Inc()
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler serving the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
