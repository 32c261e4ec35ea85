package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the bridge server's Prometheus collectors.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	SessionsOpened  prometheus.Counter
	SessionsExpired prometheus.Counter
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	BytesTotal      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "httpbridge",
			Name:      "active_sessions",
			Help:      "Sessions with a live destination connection",
		}),
		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: "httpbridge",
			Name:      "sessions_opened_total",
			Help:      "Sessions opened",
		}),
		SessionsExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: "httpbridge",
			Name:      "sessions_expired_total",
			Help:      "Sessions removed by the idle reaper",
		}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httpbridge",
			Name:      "requests_total",
			Help:      "Bridge requests by method and response code",
		}, []string{"method", "code"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "httpbridge",
			Name:      "request_duration_seconds",
			Help:      "Bridge request duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"method"}),
		BytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httpbridge",
			Name:      "bytes_total",
			Help:      "Payload bytes relayed, by direction",
		}, []string{"direction"}),
	}
}
