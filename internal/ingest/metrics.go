package ingest

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/cache"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/monitoring"
)

// Metrics holds the ingest-specific Prometheus collectors. All fields are
// optional; a nil Metrics (or field) disables collection, which the tests
// rely on.
type Metrics struct {
	Messages         *prometheus.CounterVec
	Quarantine       *prometheus.CounterVec
	BatchFlush       *prometheus.HistogramVec
	BatchRows        *prometheus.HistogramVec
	Overflow         *prometheus.CounterVec
	AuthProbes       *prometheus.CounterVec
	AuthCache        *prometheus.CounterVec
	QuarantineDrops  *prometheus.CounterVec
	RateLimitBuckets *prometheus.GaugeVec
}

// NewMetrics registers the ingest collectors on the service collector.
func NewMetrics(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		Messages:   mc.NewCounter("messages_total", "MQTT messages processed", []string{"msg_type", "outcome"}),
		Quarantine: mc.NewCounter("quarantine_total", "Messages quarantined", []string{"reason"}),
		BatchFlush: mc.NewHistogram("batch_flush_seconds", "Batch flush duration", []string{"outcome"},
			[]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}),
		BatchRows: mc.NewHistogram("batch_rows", "Rows per batch flush", nil,
			[]float64{1, 10, 50, 100, 250, 500, 1000}),
		Overflow:         mc.NewCounter("overflow_total", "Batches spilled to the overflow directory", []string{"kind"}),
		AuthProbes:       mc.NewCounter("auth_probe_total", "Broker auth probe results", []string{"result"}),
		AuthCache:        mc.NewCounter("auth_cache_total", "Credential cache lookups", []string{"result"}),
		QuarantineDrops:  mc.NewCounter("quarantine_drops_total", "Quarantine events dropped on full buffer", nil),
		RateLimitBuckets: mc.NewGauge("rate_limit_buckets", "Live per-device token buckets", nil),
	}
}

func (m *Metrics) message(msgType, outcome string) {
	if m != nil && m.Messages != nil {
		m.Messages.WithLabelValues(msgType, outcome).Inc()
	}
}

func (m *Metrics) quarantined(reason string) {
	if m != nil && m.Quarantine != nil {
		m.Quarantine.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) batchFlushed(outcome string, seconds float64, rows int) {
	if m == nil {
		return
	}
	if m.BatchFlush != nil {
		m.BatchFlush.WithLabelValues(outcome).Observe(seconds)
	}
	if m.BatchRows != nil {
		m.BatchRows.WithLabelValues().Observe(float64(rows))
	}
}

func (m *Metrics) overflow(kind string) {
	if m != nil && m.Overflow != nil {
		m.Overflow.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) authProbe(result string) {
	if m != nil && m.AuthProbes != nil {
		m.AuthProbes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) quarantineDropped() {
	if m != nil && m.QuarantineDrops != nil {
		m.QuarantineDrops.WithLabelValues().Inc()
	}
}

// CacheHooks exposes the credential cache hit/miss events as counters.
func (m *Metrics) CacheHooks() cache.Hooks {
	if m == nil || m.AuthCache == nil {
		return cache.Hooks{}
	}
	return cache.Hooks{
		OnHit:  func() { m.AuthCache.WithLabelValues("hit").Inc() },
		OnMiss: func() { m.AuthCache.WithLabelValues("miss").Inc() },
	}
}
