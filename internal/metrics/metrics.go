package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ServerMetrics struct {
	Requests      *prometheus.CounterVec
	LatencyMS     *prometheus.HistogramVec
	WebhookEvents *prometheus.CounterVec
	StatusLookups *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewServerMetrics registers the checkout collectors on reg, or on the default
// registry when reg is nil.
func NewServerMetrics(reg *prometheus.Registry) *ServerMetrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"handler", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "checkout",
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"handler"})
	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Name:      "webhook_events_total",
		Help:      "Provider webhook deliveries by outcome.",
	}, []string{"outcome"})
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Name:      "status_lookups_total",
		Help:      "Payment status lookups by answering source.",
	}, []string{"source"})

	m := &ServerMetrics{Requests: requests, LatencyMS: latency, WebhookEvents: webhooks, StatusLookups: lookups}
	if reg == nil {
		prometheus.MustRegister(requests, latency, webhooks, lookups)
		m.gatherer = prometheus.DefaultGatherer
		return m
	}
	reg.MustRegister(requests, latency, webhooks, lookups)
	m.gatherer = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
