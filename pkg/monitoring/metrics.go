package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector owns a service-scoped Prometheus registry. Every metric it
// creates is prefixed with the service name, so the three Pulse binaries can
// share dashboards without label gymnastics. Each collector carries its own
// registry rather than the package-global one; constructing a service twice
// in tests must not panic on duplicate registration.
type MetricsCollector struct {
	prefix   string
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewMetricsCollector creates the registry for a service and seeds it with
// build info, runtime collectors, and the HTTP request metrics that
// MetricsMiddleware feeds.
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	mc := &MetricsCollector{
		// Prometheus metric names cannot carry hyphens
		prefix:   strings.ReplaceAll(serviceName, "-", "_"),
		registry: prometheus.NewRegistry(),
	}

	mc.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: mc.name("service_info"),
		Help: "Build information, value fixed at 1",
	}, []string{"version", "commit"})
	buildInfo.WithLabelValues(version, commit).Set(1)
	mc.registry.MustRegister(buildInfo)

	mc.httpRequests = mc.NewCounter("http_requests_total",
		"HTTP requests served", []string{"method", "endpoint", "status"})
	mc.httpLatency = mc.NewHistogram("http_request_duration_seconds",
		"HTTP request duration in seconds", []string{"method", "endpoint"}, nil)

	return mc
}

func (mc *MetricsCollector) name(suffix string) string {
	return mc.prefix + "_" + suffix
}

// NewCounter creates and registers a service-prefixed counter vector.
func (mc *MetricsCollector) NewCounter(name, help string, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: mc.name(name), Help: help}, labels)
	mc.registry.MustRegister(c)
	return c
}

// NewGauge creates and registers a service-prefixed gauge vector.
func (mc *MetricsCollector) NewGauge(name, help string, labels []string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: mc.name(name), Help: help}, labels)
	mc.registry.MustRegister(g)
	return g
}

// NewHistogram creates and registers a service-prefixed histogram vector.
// Nil buckets fall back to the Prometheus defaults.
func (mc *MetricsCollector) NewHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    mc.name(name),
		Help:    help,
		Buckets: buckets,
	}, labels)
	mc.registry.MustRegister(h)
	return h
}

// MetricsMiddleware records request count and latency per route. The route
// template (c.FullPath) is used rather than the raw URL so device and tenant
// IDs never become label values.
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		method := c.Request.Method
		mc.httpRequests.WithLabelValues(method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		mc.httpLatency.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the collector's registry in the Prometheus text format.
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
