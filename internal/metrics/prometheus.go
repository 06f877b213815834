// Package metrics provides a Prometheus metrics registry for both servers.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/nulpointcorp/freechat-gateway/internal/session"
)

const namespace = "freechat"

// doubaoService labels adapter-side upstream series.
const doubaoService = "doubao"

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// freechat_inflight_requests
	inFlight prometheus.Gauge

	// freechat_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// freechat_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// freechat_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// freechat_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// freechat_upstream_attempts_total{service,route,outcome}
	upstreamAttempts *prometheus.CounterVec

	// freechat_upstream_attempt_duration_seconds{service,route,outcome}
	upstreamDuration *prometheus.HistogramVec

	// freechat_sse_events_total{kind}
	sseEvents *prometheus.CounterVec

	// freechat_session_evictions_total{reason}
	sessionEvictions *prometheus.CounterVec

	// freechat_session_pool_size{group}
	poolSize *prometheus.GaugeVec

	// freechat_credential_evictions_total{service}
	credentialEvictions *prometheus.CounterVec

	// freechat_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// freechat_circuit_breaker_state{service}: 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// freechat_circuit_breaker_transitions_total{service,to_state}
	cbTransitions *prometheus.CounterVec

	// freechat_circuit_breaker_rejections_total{service,state}
	cbRejections *prometheus.CounterVec

	// freechat_service_health{service}
	serviceHealth *prometheus.GaugeVec

	// freechat_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds, streams included",
				Buckets:   latencyBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_size_bytes",
				Help:      "HTTP request body size in bytes",
				Buckets:   prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_response_size_bytes",
				Help:      "HTTP response body size in bytes (unknown for streams)",
				Buckets:   prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_attempts_total",
				Help:      "Upstream calls by service and outcome, credential retries included",
			},
			[]string{"service", "route", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_attempt_duration_seconds",
				Help:      "Upstream call duration in seconds",
				Buckets:   latencyBuckets,
			},
			[]string{"service", "route", "outcome"},
		),

		sseEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sse_events_total",
				Help:      "Upstream SSE events by classified kind; kind=skipped counts malformed frames",
			},
			[]string{"kind"},
		),

		sessionEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_evictions_total",
				Help:      "Pool sessions removed, by reason",
			},
			[]string{"reason"},
		),

		poolSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_pool_size",
				Help:      "Sessions in the pool by group (auth, guest, sticky)",
			},
			[]string{"group"},
		),

		credentialEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_evictions_total",
				Help:      "Gateway credentials benched after a 401 or 403",
			},
			[]string{"service"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_total",
				Help:      "Rate limit decisions",
			},
			[]string{"result"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"service"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Circuit breaker transitions to a new state",
			},
			[]string{"service", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_rejections_total",
				Help:      "Requests rejected due to circuit breaker state",
			},
			[]string{"service", "state"},
		),

		serviceHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "service_health",
				Help:      "Last probe result per adapter service (1=ok, 0=failing)",
			},
			[]string{"service"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.sseEvents,
		r.sessionEvictions,
		r.poolSize,
		r.credentialEvictions,
		r.rateLimitTotal,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.serviceHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics. Negative sizes are skipped.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveUpstreamAttempt records one gateway call to an adapter service.
func (r *Registry) ObserveUpstreamAttempt(service, route, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(service, route, outcome).Inc()
	r.upstreamDuration.WithLabelValues(service, route, outcome).Observe(dur.Seconds())
}

// ObserveUpstream records one Doubao chat turn.
func (r *Registry) ObserveUpstream(outcome string, dur time.Duration) {
	r.ObserveUpstreamAttempt(doubaoService, "chat", outcome, dur)
}

// ObserveFrame counts one classified SSE event.
func (r *Registry) ObserveFrame(kind string) {
	r.sseEvents.WithLabelValues(kind).Inc()
}

// ObserveEviction counts a session removed from the pool.
func (r *Registry) ObserveEviction(reason string) {
	r.sessionEvictions.WithLabelValues(reason).Inc()
}

// SetPoolStats mirrors the session pool sizes.
func (r *Registry) SetPoolStats(st session.Stats) {
	r.poolSize.WithLabelValues("auth").Set(float64(st.Auth))
	r.poolSize.WithLabelValues("guest").Set(float64(st.Guest))
	r.poolSize.WithLabelValues("sticky").Set(float64(st.Sticky))
}

func (r *Registry) ObserveCredentialEviction(service string) {
	r.credentialEvictions.WithLabelValues(service).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) SetServiceHealth(service string, ok bool) {
	if ok {
		r.serviceHealth.WithLabelValues(service).Set(1)
		return
	}
	r.serviceHealth.WithLabelValues(service).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(service string, state int64) {
	r.circuitBreakerState.WithLabelValues(service).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[service]
	if !ok || prev != float64(state) {
		r.lastCBState[service] = float64(state)
		r.cbTransitions.WithLabelValues(service, strconv.FormatInt(state, 10)).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(service, state string) {
	r.cbRejections.WithLabelValues(service, state).Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
