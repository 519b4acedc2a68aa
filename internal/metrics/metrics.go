package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the gateway's collectors on a private prometheus registry.
// All methods are safe on a nil *Registry so components can run without
// metrics in tests.
type Registry struct {
	reg *prometheus.Registry

	requests           *prometheus.CounterVec
	latency            *prometheus.HistogramVec
	inflight           *prometheus.GaugeVec
	attempts           *prometheus.HistogramVec
	retries            *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	breakerRejected    *prometheus.CounterVec
	reloads            *prometheus.CounterVec
	instanceHealth     *prometheus.GaugeVec
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Registry{
		reg: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests handled by the gateway",
		}, []string{"service", "route", "method", "status"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "route"}),
		inflight: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Requests currently being proxied",
		}, []string{"service"}),
		attempts: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_attempts",
			Help:    "Downstream attempts per request",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}, []string{"route"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_retries_total",
			Help: "Retried downstream attempts",
		}, []string{"route"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"breaker"}),
		breakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		}, []string{"breaker", "from", "to"}),
		breakerRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_rejected_total",
			Help: "Calls rejected without a downstream attempt because the circuit was open",
		}, []string{"route"}),
		reloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_config_reloads_total",
			Help: "Configuration reload attempts by result",
		}, []string{"result"}),
		instanceHealth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_instance_healthy",
			Help: "1 when the instance is selectable, 0 otherwise",
		}, []string{"service", "instance"}),
	}
}

func (r *Registry) IncRequest(service, route, method, status string) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(service, route, method, status).Inc()
}

func (r *Registry) ObserveLatency(service, route string, d time.Duration) {
	if r == nil {
		return
	}
	r.latency.WithLabelValues(service, route).Observe(d.Seconds())
}

func (r *Registry) IncInflight(service string) {
	if r == nil {
		return
	}
	r.inflight.WithLabelValues(service).Inc()
}

func (r *Registry) DecInflight(service string) {
	if r == nil {
		return
	}
	r.inflight.WithLabelValues(service).Dec()
}

func (r *Registry) ObserveAttempts(route string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.attempts.WithLabelValues(route).Observe(float64(n))
}

func (r *Registry) IncRetry(route string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(route).Inc()
}

func (r *Registry) SetBreakerState(name string, state int) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(name).Set(float64(state))
}

func (r *Registry) BreakerTransition(name, from, to string, state int) {
	if r == nil {
		return
	}
	r.breakerTransitions.WithLabelValues(name, from, to).Inc()
	r.breakerState.WithLabelValues(name).Set(float64(state))
}

func (r *Registry) IncBreakerRejected(route string) {
	if r == nil {
		return
	}
	r.breakerRejected.WithLabelValues(route).Inc()
}

func (r *Registry) IncReload(ok bool) {
	if r == nil {
		return
	}
	r.reloads.WithLabelValues(strconv.FormatBool(ok)).Inc()
}

func (r *Registry) SetInstanceHealthy(service, instance string, healthy bool) {
	if r == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	r.instanceHealth.WithLabelValues(service, instance).Set(v)
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
