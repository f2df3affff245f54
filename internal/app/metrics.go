package app

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "netting"

// TickMetrics exports matching tick outcomes.
type TickMetrics struct {
	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram
	scanned      prometheus.Counter
	proposed     prometheus.Counter
	expired      prometheus.Counter
	released     prometheus.Counter
}

// NewTickMetrics registers the tick collectors on reg.
func NewTickMetrics(reg prometheus.Registerer) *TickMetrics {
	m := &TickMetrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "matching",
			Name:      "ticks_total",
			Help:      "Matching ticks by outcome (ok, failed, skipped).",
		}, []string{"outcome"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "matching",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of matching ticks that ran.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		scanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "matching",
			Name:      "requests_scanned_total",
			Help:      "Requests scanned for counter candidates.",
		}),
		proposed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "matching",
			Name:      "matches_proposed_total",
			Help:      "Match proposals created.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "matching",
			Name:      "requests_expired_total",
			Help:      "Requests moved to EXPIRED by the reaper.",
		}),
		released: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "matching",
			Name:      "requests_released_total",
			Help:      "Requests returned to PENDING after their proposals were withdrawn.",
		}),
	}
	reg.MustRegister(m.ticks, m.tickDuration, m.scanned, m.proposed, m.expired, m.released)
	return m
}

func (m *TickMetrics) observe(report TickReport, ran bool) {
	if m == nil {
		return
	}
	if !ran {
		m.ticks.WithLabelValues("skipped").Inc()
		return
	}
	outcome := "ok"
	if report.Err != nil {
		outcome = "failed"
	}
	m.ticks.WithLabelValues(outcome).Inc()
	m.tickDuration.Observe(report.Duration.Seconds())
	m.scanned.Add(float64(report.Scanned))
	m.proposed.Add(float64(report.Proposed))
	m.expired.Add(float64(report.Expired))
	m.released.Add(float64(report.Released))
}
