// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_requests_total{channel,model,status}
	requestsTotal *prometheus.CounterVec

	// gateway_upstream_duration_seconds{kind,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_selections_total{strategy,channel}
	selectionsTotal *prometheus.CounterVec

	// gateway_probe_health{channel}
	probeHealth *prometheus.GaugeVec

	// gateway_probe_latency_seconds{channel}
	probeLatency *prometheus.HistogramVec

	// gateway_budget_rejections_total
	budgetRejections prometheus.Counter

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_tokens_total{channel,model,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_upstream_errors_total{channel,error_type}
	upstreamErrors *prometheus.CounterVec

	// gateway_outcomes_dropped_total
	outcomesDropped prometheus.Counter

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of proxied chat requests",
			},
			[]string{"channel", "model", "status"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_duration_seconds",
				Help:    "Upstream provider call duration in seconds",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"kind", "outcome"},
		),

		selectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_selections_total",
				Help: "Channel selections by strategy (strategy=sticky for sticky-route hits)",
			},
			[]string{"strategy", "channel"},
		),

		probeHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_probe_health",
				Help: "Latest probe result per channel (1=healthy, 0=unhealthy)",
			},
			[]string{"channel"},
		),

		probeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_probe_latency_seconds",
				Help:    "Health probe round-trip latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"channel"},
		),

		budgetRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_budget_rejections_total",
			Help: "Requests rejected by the pre-request budget gate",
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Per-key rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"channel", "model", "direction"},
		),

		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_errors_total",
				Help: "Upstream failures by channel and error type",
			},
			[]string{"channel", "error_type"},
		),

		outcomesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_outcomes_dropped_total",
			Help: "Request outcomes dropped because the async writer queue was full",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.upstreamDuration,
		r.selectionsTotal,
		r.probeHealth,
		r.probeLatency,
		r.budgetRejections,
		r.rateLimitTotal,
		r.tokensTotal,
		r.upstreamErrors,
		r.outcomesDropped,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRequest counts one proxied chat request.
func (r *Registry) RecordRequest(channel, model, status string) {
	r.requestsTotal.WithLabelValues(channel, model, status).Inc()
}

// ObserveUpstream records one upstream call.
func (r *Registry) ObserveUpstream(kind, outcome string, dur time.Duration) {
	r.upstreamDuration.WithLabelValues(kind, outcome).Observe(dur.Seconds())
}

// IncSelection counts one balancer pick.
func (r *Registry) IncSelection(strategy, channel string) {
	r.selectionsTotal.WithLabelValues(strategy, channel).Inc()
}

// ObserveProbe records a health probe result.
func (r *Registry) ObserveProbe(channel string, healthy bool, latencyMS int64) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	r.probeHealth.WithLabelValues(channel).Set(v)
	r.probeLatency.WithLabelValues(channel).Observe(float64(latencyMS) / 1000)
}

func (r *Registry) RecordBudgetRejection() { r.budgetRejections.Inc() }

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(channel, model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(channel, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(channel, model, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) RecordUpstreamError(channel, errType string) {
	r.upstreamErrors.WithLabelValues(channel, errType).Inc()
}

func (r *Registry) RecordOutcomeDropped() { r.outcomesDropped.Inc() }

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
