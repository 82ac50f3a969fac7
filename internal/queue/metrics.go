package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics captures delivery outcome, retry, latency, and backlog telemetry.
type Metrics struct {
	deliveries *prometheus.CounterVec
	retries    *prometheus.CounterVec
	pending    prometheus.Gauge
	duration   prometheus.Histogram
}

// NewMetrics constructs instruments registered against the supplied registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notibot",
				Subsystem: "queue",
				Name:      "deliveries_total",
				Help:      "Total number of terminal delivery outcomes.",
			},
			[]string{"outcome"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notibot",
				Subsystem: "queue",
				Name:      "retries_total",
				Help:      "Total number of in-queue retries.",
			},
			[]string{"reason"},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "notibot",
				Subsystem: "queue",
				Name:      "pending",
				Help:      "Messages waiting for delivery.",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "notibot",
				Subsystem: "queue",
				Name:      "send_seconds",
				Help:      "Histogram of delivery cycle durations.",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
	reg.MustRegister(m.deliveries, m.retries, m.pending, m.duration)
	return m
}

// ObserveDelivery records one terminal outcome and its duration.
func (m *Metrics) ObserveDelivery(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
	if d >= 0 {
		m.duration.Observe(d.Seconds())
	}
}

// ObserveRetry counts one non-terminal retry.
func (m *Metrics) ObserveRetry(reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(reason).Inc()
}

// ObservePending tracks the queue backlog.
func (m *Metrics) ObservePending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// DeliveryCounter exposes an outcome counter for testing and diagnostics.
func (m *Metrics) DeliveryCounter(outcome string) prometheus.Counter {
	return m.deliveries.WithLabelValues(outcome)
}
