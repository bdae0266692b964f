// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// Prometheus instrumentation for both servers. Every series carries a
// "server" label ("projection" or "authority"); request series add the
// method, the registered route (the raw path only when nothing matched) and,
// for the counter, the status code.
package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight *prometheus.GaugeVec
	size     *prometheus.HistogramVec
}

func newHTTPMetrics() *httpMetrics {
	route := []string{"server", "method", "path"}
	return &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests served, by route and status.",
		}, append(route, "status")),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Time from first byte in to handler return.",
			Buckets: prometheus.DefBuckets,
		}, route),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Requests currently inside the handler chain.",
		}, []string{"server"}),
		// 256 B to 4 MiB.
		size: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response body size.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}, route),
	}
}

func (m *httpMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.requests, m.duration, m.inflight, m.size}
}

var httpm = newHTTPMetrics()

func init() {
	prometheus.MustRegister(httpm.collectors()...)
}

// Metrics instruments every request of the named server. Websocket upgrades
// are counted, but their duration and size are not observed because the
// stream lasts as long as the client stays connected.
func Metrics(server string) gin.HandlerFunc {
	inflight := httpm.inflight.WithLabelValues(server)
	return func(c *gin.Context) {
		start := time.Now()
		inflight.Inc()
		defer inflight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		labels := []string{server, c.Request.Method, route}
		httpm.requests.WithLabelValues(append(labels, strconv.Itoa(c.Writer.Status()))...).Inc()
		if isUpgrade(c) {
			return
		}
		httpm.duration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
		if n := c.Writer.Size(); n >= 0 { // -1: nothing written
			httpm.size.WithLabelValues(labels...).Observe(float64(n))
		}
	}
}

func isUpgrade(c *gin.Context) bool {
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}
