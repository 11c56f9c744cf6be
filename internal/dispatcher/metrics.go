// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "mysql_agent"
	metricsSubsystem = "dispatcher"
)

// Outcomes of handling an event or action.
const (
	OutcomeHandled   = "handled"
	OutcomeDeferred  = "deferred"
	OutcomeFailed    = "failed"
	OutcomeUnhandled = "unhandled"
)

// Collector exposes dispatcher metrics.
type Collector struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	deferred prometheus.Gauge
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "events_total",
			Help:      "Events and actions dispatched, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "handle_duration_seconds",
			Help:      "Time spent handling events, by kind.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"kind"}),
		deferred: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "deferred_events",
			Help:      "Events waiting to be re-delivered.",
		}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.events.Describe(ch)
	c.duration.Describe(ch)
	c.deferred.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.events.Collect(ch)
	c.duration.Collect(ch)
	c.deferred.Collect(ch)
}

func (c *Collector) observe(kind, outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(kind, outcome).Inc()
	if outcome != OutcomeUnhandled {
		c.duration.WithLabelValues(kind).Observe(seconds)
	}
}

func (c *Collector) setDeferred(n int) {
	if c == nil {
		return
	}
	c.deferred.Set(float64(n))
}
