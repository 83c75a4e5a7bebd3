package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	CostUSD        *prometheus.CounterVec
	FailoversTotal *prometheus.CounterVec
	QuotaDenials   *prometheus.CounterVec
	ProviderHealth *prometheus.GaugeVec
	TokensTotal    *prometheus.CounterVec
	RateLimited    prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synaxis_requests_total",
			Help: "Total completion requests routed through the gateway",
		}, []string{"org", "model", "provider", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synaxis_request_latency_ms",
			Help:    "End-to-end request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"org", "model", "provider"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synaxis_cost_usd_total",
			Help: "Estimated USD cost of completed requests",
		}, []string{"org", "model", "provider"}),
		FailoversTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synaxis_failovers_total",
			Help: "Attempts that failed over to another provider",
		}, []string{"org", "from_provider", "error_class"}),
		QuotaDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synaxis_quota_denials_total",
			Help: "Requests skipped or denied by per-org quota limits",
		}, []string{"org", "provider"}),
		ProviderHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synaxis_provider_healthy",
			Help: "Provider health per org (1 healthy, 0 cooling down)",
		}, []string{"org", "provider"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synaxis_tokens_total",
			Help: "Tokens consumed, split by direction",
		}, []string{"org", "model", "provider", "direction"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synaxis_inbound_rate_limited_total",
			Help: "Inbound requests rejected by the per-org rate limiter",
		}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestLatency, m.CostUSD,
		m.FailoversTotal, m.QuotaDenials, m.ProviderHealth, m.TokensTotal,
		m.RateLimited)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
