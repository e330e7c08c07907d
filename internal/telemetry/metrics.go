package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus instruments.
type Metrics struct {
	gatherer prometheus.Gatherer

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	TokensInput      *prometheus.CounterVec
	TokensOutput     *prometheus.CounterVec
	CostUSD          *prometheus.CounterVec
	PolicyViolations *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	StreamsActive    prometheus.Gauge
}

// NewMetrics creates and registers all gateway metrics on a fresh
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Chat completion requests by tenant, model and outcome status",
		}, []string{"tenant", "model", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end dispatch latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"model"}),

		TokensInput: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_input_total",
			Help: "Prompt tokens metered per tenant and model",
		}, []string{"tenant", "model"}),

		TokensOutput: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_output_total",
			Help: "Completion tokens metered per tenant and model",
		}, []string{"tenant", "model"}),

		CostUSD: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cost_usd_total",
			Help: "Reconciled spend in USD per tenant and model",
		}, []string{"tenant", "model"}),

		PolicyViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_policy_violations_total",
			Help: "Requests rejected by admission control, by reason",
		}, []string{"reason"}),

		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_provider_errors_total",
			Help: "Upstream failures by provider and error code",
		}, []string{"provider", "code"}),

		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_streams_active",
			Help: "SSE relays currently open",
		}),
	}
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
