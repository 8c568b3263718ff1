package notify

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/cache"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/monitoring"
)

// Metrics holds the notifier collectors. Nil-safe so tests can pass nil.
type Metrics struct {
	Jobs        *prometheus.CounterVec
	SendSeconds *prometheus.HistogramVec
	Attempts    *prometheus.CounterVec
	DeadLetters *prometheus.CounterVec
	InFlight    *prometheus.GaugeVec
	QueueDepth  *prometheus.GaugeVec
	CacheTotal  *prometheus.CounterVec
}

// NewMetrics registers the notifier collectors.
func NewMetrics(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		Jobs: mc.NewCounter("jobs_total", "Delivery jobs by terminal outcome", []string{"outcome"}),
		SendSeconds: mc.NewHistogram("send_seconds", "Send duration per channel type", []string{"channel_type"},
			[]float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}),
		Attempts:    mc.NewCounter("attempts_total", "Delivery attempts", []string{"channel_type", "outcome"}),
		DeadLetters: mc.NewCounter("dead_letters_total", "Jobs copied to the dead-letter table", nil),
		InFlight:    mc.NewGauge("in_flight", "Jobs currently claimed by this process", nil),
		QueueDepth:  mc.NewGauge("queue_depth", "PENDING jobs at the last sweep", nil),
		CacheTotal:  mc.NewCounter("cache_total", "Channel cache lookups", []string{"cache", "result"}),
	}
}

func (m *Metrics) jobFinished(outcome string) {
	if m == nil || m.Jobs == nil {
		return
	}
	m.Jobs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) sendObserved(channelType string, seconds float64, outcome string) {
	if m == nil {
		return
	}
	if m.SendSeconds != nil {
		m.SendSeconds.WithLabelValues(channelType).Observe(seconds)
	}
	if m.Attempts != nil {
		m.Attempts.WithLabelValues(channelType, outcome).Inc()
	}
}

func (m *Metrics) deadLettered() {
	if m == nil || m.DeadLetters == nil {
		return
	}
	m.DeadLetters.WithLabelValues().Inc()
}

func (m *Metrics) claimStarted() {
	if m == nil || m.InFlight == nil {
		return
	}
	m.InFlight.WithLabelValues().Inc()
}

func (m *Metrics) claimEnded() {
	if m == nil || m.InFlight == nil {
		return
	}
	m.InFlight.WithLabelValues().Dec()
}

func (m *Metrics) queueDepth(n int64) {
	if m == nil || m.QueueDepth == nil {
		return
	}
	m.QueueDepth.WithLabelValues().Set(float64(n))
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
