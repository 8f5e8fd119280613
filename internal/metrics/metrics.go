// Package metrics provides Prometheus collectors for the tiered cache, the
// reconciler, the controller client and the generation engine. All metrics use
// the "kvtier" namespace.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kvtier"

// Collectors holds every kvtier metric. It satisfies cache.Metrics and
// reconciler.Metrics, and ObserveController matches controller.Observer.
type Collectors struct {
	// CacheRequests counts tier probes. result: hit | miss
	CacheRequests *prometheus.CounterVec
	// CachePromotions counts writes into a faster tier after a slower hit.
	CachePromotions *prometheus.CounterVec
	// CacheComputes counts compute-on-miss calls. result: success | failed
	CacheComputes *prometheus.CounterVec
	// ComputeDuration observes compute-on-miss latency.
	ComputeDuration prometheus.Histogram

	// Reconciles counts reconciliations by outcome.
	Reconciles *prometheus.CounterVec

	// ControllerDuration observes controller requests. status: ok | error
	ControllerDuration *prometheus.HistogramVec

	// Generations counts engine generations. cached: true | false
	Generations *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Collectors {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collectors{
		CacheRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "requests_total",
				Help:      "Tier probes by tier and result.",
			},
			[]string{"tier", "result"},
		),
		CachePromotions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "promotions_total",
				Help:      "Entries promoted into a tier.",
			},
			[]string{"tier"},
		),
		CacheComputes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "computes_total",
				Help:      "Compute-on-miss calls by result.",
			},
			[]string{"result"},
		),
		ComputeDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "compute_duration_seconds",
				Help:      "Compute-on-miss duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
			},
		),
		Reconciles: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_total",
				Help:      "Reconciliations by outcome.",
			},
			[]string{"outcome"},
		),
		ControllerDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "controller",
				Name:      "request_duration_seconds",
				Help:      "Placement controller request duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
			},
			[]string{"op", "status"},
		),
		Generations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "generations_total",
				Help:      "Served generations by whether the cache answered.",
			},
			[]string{"cached"},
		),
	}
}

func (c *Collectors) RecordHit(tier string) {
	c.CacheRequests.WithLabelValues(tier, "hit").Inc()
}

func (c *Collectors) RecordMiss(tier string) {
	c.CacheRequests.WithLabelValues(tier, "miss").Inc()
}

func (c *Collectors) RecordPromotion(tier string) {
	c.CachePromotions.WithLabelValues(tier).Inc()
}

func (c *Collectors) RecordCompute(d time.Duration, err error) {
	c.CacheComputes.WithLabelValues(result(err)).Inc()
	c.ComputeDuration.Observe(d.Seconds())
}

func (c *Collectors) RecordReconcile(outcome string) {
	c.Reconciles.WithLabelValues(outcome).Inc()
}

// ObserveController records one controller request.
func (c *Collectors) ObserveController(op string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.ControllerDuration.WithLabelValues(op, status).Observe(d.Seconds())
}

// RecordGeneration counts a served generation.
func (c *Collectors) RecordGeneration(cached bool) {
	label := "false"
	if cached {
		label = "true"
	}
	c.Generations.WithLabelValues(label).Inc()
}

func result(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}
