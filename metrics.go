package tailstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// handlerMetrics counts protocol activity. Everything registers on the
// per-config registry Caddy hands out, so config reloads do not
// double-register collectors.
type handlerMetrics struct {
	operations    *prometheus.CounterVec
	appendedBytes prometheus.Counter
	servedBytes   prometheus.Counter
	liveRequests  *prometheus.CounterVec
	liveActive    prometheus.Gauge
	waitDuration  prometheus.Histogram
}

func newHandlerMetrics(reg prometheus.Registerer) *handlerMetrics {
	factory := promauto.With(reg)
	return &handlerMetrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tailstream",
			Name:      "operations_total",
			Help:      "Completed stream operations by kind.",
		}, []string{"op"}),
		appendedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tailstream",
			Name:      "appended_bytes_total",
			Help:      "Request body bytes accepted into streams.",
		}),
		servedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tailstream",
			Name:      "served_bytes_total",
			Help:      "Response body bytes served from streams.",
		}),
		liveRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tailstream",
			Name:      "live_requests_total",
			Help:      "Live read requests by mode.",
		}, []string{"mode"}),
		liveActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tailstream",
			Name:      "live_connections",
			Help:      "Currently open live read connections.",
		}),
		waitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tailstream",
			Name:      "wait_seconds",
			Help:      "Time long-poll requests spent blocked.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 3, 8),
		}),
	}
}
