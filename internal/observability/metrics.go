// Package observability holds the Prometheus collectors for the switchback engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the engine's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// ticks counts sweeps by result (ok, error).
	ticks *prometheus.CounterVec
	// tickDuration measures a full sweep.
	tickDuration prometheus.Histogram
	// periods counts period transitions by action (opened, closed).
	periods *prometheus.CounterVec
	// priceChanges counts recorded price changes by reason.
	priceChanges *prometheus.CounterVec
	// platformFailures counts rejected or failed outbound price updates.
	platformFailures *prometheus.CounterVec
	// decisions counts evaluator outcomes.
	decisions *prometheus.CounterVec
	// events counts storefront events by type.
	events *prometheus.CounterVec
	// endingDrift counts open periods whose ending was no longer in the band.
	endingDrift prometheus.Counter
}

// NewMetrics registers the collectors on reg under namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "switchback",
			Name:      "ticks_total",
			Help:      "Total scheduler sweeps by result",
		}, []string{"result"}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "switchback",
			Name:      "tick_duration_seconds",
			Help:      "Duration of a scheduler sweep in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		periods: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "switchback",
			Name:      "periods_total",
			Help:      "Experiment periods opened and closed",
		}, []string{"action"}),
		priceChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "price_changes_total",
			Help:      "Recorded variant price changes by reason",
		}, []string{"reason"}),
		platformFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "platform_failures_total",
			Help:      "Failed outbound price updates by platform",
		}, []string{"platform"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "outcomes_total",
			Help:      "Decision engine outcomes",
		}, []string{"outcome"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "received_total",
			Help:      "Storefront events applied to period counters",
		}, []string{"type"}),
		endingDrift: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "switchback",
			Name:      "ending_drift_total",
			Help:      "Open periods whose ending was missing from the band",
		}),
	}
}

func (m *Metrics) Tick(ok bool, seconds float64) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.ticks.WithLabelValues(result).Inc()
	m.tickDuration.Observe(seconds)
}

func (m *Metrics) PeriodOpened() {
	if m != nil {
		m.periods.WithLabelValues("opened").Inc()
	}
}

func (m *Metrics) PeriodClosed() {
	if m != nil {
		m.periods.WithLabelValues("closed").Inc()
	}
}

func (m *Metrics) PriceChange(reason string) {
	if m != nil {
		m.priceChanges.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) PlatformFailure(platform string) {
	if m != nil {
		m.platformFailures.WithLabelValues(platform).Inc()
	}
}

func (m *Metrics) Decision(outcome string) {
	if m != nil {
		m.decisions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Event(eventType string) {
	if m != nil {
		m.events.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) EndingDrift() {
	if m != nil {
		m.endingDrift.Inc()
	}
}
