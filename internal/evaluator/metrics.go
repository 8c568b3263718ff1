package evaluator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/cache"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/monitoring"
)

// Metrics holds the evaluator collectors. Nil-safe like the other
// services so tests can pass nil.
type Metrics struct {
	PassSeconds *prometheus.HistogramVec
	Rules       *prometheus.CounterVec
	Alerts      *prometheus.CounterVec
	Devices     *prometheus.GaugeVec
	CacheTotal  *prometheus.CounterVec
}

// NewMetrics registers the evaluator collectors.
func NewMetrics(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		PassSeconds: mc.NewHistogram("pass_seconds", "Evaluation pass duration", []string{"outcome"},
			[]float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}),
		Rules:      mc.NewCounter("rules_evaluated_total", "Rules evaluated across passes", nil),
		Alerts:     mc.NewCounter("alerts_total", "Alert transitions", []string{"action"}),
		Devices:    mc.NewGauge("devices", "Devices seen in the last pass", nil),
		CacheTotal: mc.NewCounter("cache_total", "Rule and mapping cache lookups", []string{"cache", "result"}),
	}
}

func (m *Metrics) passObserved(outcome string, seconds float64, stats PassStats) {
	if m == nil {
		return
	}
	if m.PassSeconds != nil {
		m.PassSeconds.WithLabelValues(outcome).Observe(seconds)
	}
	if m.Rules != nil {
		m.Rules.WithLabelValues().Add(float64(stats.Rules))
	}
	if m.Devices != nil {
		m.Devices.WithLabelValues().Set(float64(stats.Devices))
	}
	if m.Alerts != nil {
		if stats.Opened > 0 {
			m.Alerts.WithLabelValues("open").Add(float64(stats.Opened))
		}
		if stats.Refreshed > 0 {
			m.Alerts.WithLabelValues("refresh").Add(float64(stats.Refreshed))
		}
		if stats.Closed > 0 {
			m.Alerts.WithLabelValues("close").Add(float64(stats.Closed))
		}
	}
}

func (m *Metrics) cacheHooks(name string) cache.Hooks {
	if m == nil || m.CacheTotal == nil {
		return cache.Hooks{}
	}
	return cache.Hooks{
		OnHit:  func() { m.CacheTotal.WithLabelValues(name, "hit").Inc() },
		OnMiss: func() { m.CacheTotal.WithLabelValues(name, "miss").Inc() },
	}
}
