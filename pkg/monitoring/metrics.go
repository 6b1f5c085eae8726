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

const metricsPath = "/metrics"

// MetricsCollector owns a service's Prometheus registry. It records HTTP
// traffic itself and exposes whatever the service's packages contribute
// through Register.
type MetricsCollector struct {
	namespace string
	registry  *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// NewMetricsCollector builds a registry for serviceName carrying the runtime
// collectors, HTTP metrics and a build info gauge.
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	ns := strings.ReplaceAll(serviceName, "-", "_")
	mc := &MetricsCollector{
		namespace: ns,
		registry:  prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: ns + "_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "endpoint", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    ns + "_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "endpoint"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: ns + "_http_requests_in_flight",
			Help: "Requests currently being served",
		}),
	}

	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: ns + "_build_info",
		Help: "Build version and commit of the running binary",
	}, []string{"version", "commit"})
	buildInfo.WithLabelValues(version, commit).Set(1)

	mc.Register(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		mc.requests, mc.duration, mc.inFlight, buildInfo,
	)
	return mc
}

// Register adds collectors to the service registry. It panics on a
// duplicate, like prometheus.MustRegister.
func (mc *MetricsCollector) Register(cs ...prometheus.Collector) {
	mc.registry.MustRegister(cs...)
}

// Gatherer exposes the registry for tests and custom exporters.
func (mc *MetricsCollector) Gatherer() prometheus.Gatherer {
	return mc.registry
}

// MetricsMiddleware records request counts and latency per route. Scrapes of
// the metrics endpoint are not counted.
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == metricsPath {
			c.Next()
			return
		}
		start := time.Now()
		mc.inFlight.Inc()
		defer mc.inFlight.Dec()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		method := c.Request.Method
		mc.requests.WithLabelValues(method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		mc.duration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	handler := promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
	return gin.WrapH(handler)
}

// NewCounter registers a service-prefixed counter.
func (mc *MetricsCollector) NewCounter(name, help string, labels []string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: mc.namespace + "_" + name,
		Help: help,
	}, labels)
	mc.Register(counter)
	return counter
}

// NewHistogram registers a service-prefixed histogram. Nil buckets use the
// client defaults.
func (mc *MetricsCollector) NewHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    mc.namespace + "_" + name,
		Help:    help,
		Buckets: buckets,
	}, labels)
	mc.Register(histogram)
	return histogram
}
