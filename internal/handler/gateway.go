// Package handler is the gateway pipeline: match, select, execute with
// resilience, forward and stream.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabian4/gateway-core-go/internal/forward"
	"github.com/fabian4/gateway-core-go/internal/gwerr"
	"github.com/fabian4/gateway-core-go/internal/health"
	"github.com/fabian4/gateway-core-go/internal/lb"
	"github.com/fabian4/gateway-core-go/internal/metrics"
	"github.com/fabian4/gateway-core-go/internal/model"
	"github.com/fabian4/gateway-core-go/internal/resilience"
	"github.com/fabian4/gateway-core-go/internal/router"
)

// DefaultMaxReplayBytes bounds request bodies buffered for retries.
const DefaultMaxReplayBytes = 64 << 10

// Inflight is the per-request correlation context. It is owned by one
// ServeHTTP call and never shared.
type Inflight struct {
	ID       string
	Start    time.Time
	Route    *model.Route
	Instance *lb.Instance
	Attempts int
}

// Settings are the pipeline knobs that may change on reload.
type Settings struct {
	Services       map[string]model.Service
	MaxReplayBytes int64
	// AccessSampling is the fraction of successful requests logged; errors
	// are always logged.
	AccessSampling float64
}

type Gateway struct {
	routes   *router.Holder
	pools    *lb.Registry
	exec     *resilience.Executor
	fwd      *forward.Forwarder
	settings atomic.Pointer[Settings]

	passive *health.Passive
	logger  *zap.Logger
	metrics *metrics.Registry
	newID   func() string
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithLogger(l *zap.Logger) Option { return func(g *Gateway) { g.logger = l } }

func WithMetrics(m *metrics.Registry) Option { return func(g *Gateway) { g.metrics = m } }

// WithPassiveHealth reports every downstream outcome to p.
func WithPassiveHealth(p *health.Passive) Option { return func(g *Gateway) { g.passive = p } }

func NewGateway(routes *router.Holder, pools *lb.Registry, exec *resilience.Executor, fwd *forward.Forwarder, s Settings, opts ...Option) *Gateway {
	g := &Gateway{
		routes: routes,
		pools:  pools,
		exec:   exec,
		fwd:    fwd,
		logger: zap.NewNop(),
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(g)
	}
	g.Update(s)
	return g
}

// Update swaps the reloadable settings.
func (g *Gateway) Update(s Settings) {
	if s.MaxReplayBytes <= 0 {
		s.MaxReplayBytes = DefaultMaxReplayBytes
	}
	if s.AccessSampling <= 0 || s.AccessSampling > 1 {
		s.AccessSampling = 1
	}
	g.settings.Store(&s)
}

var _ http.Handler = (*Gateway)(nil)

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := g.settings.Load()
	inf := &Inflight{ID: g.newID(), Start: time.Now()}
	lw := &loggingResponseWriter{ResponseWriter: w}
	var outcome error
	defer func() { g.finish(st, r, lw, inf, outcome) }()

	m, err := g.routes.Load().Match(r.Method, r.URL.Path)
	if err != nil {
		outcome = err
		g.writeError(lw, inf, err)
		return
	}
	inf.Route = m.Route

	inst, err := g.pools.Select(m.Route.Service)
	if err != nil {
		outcome = err
		g.writeError(lw, inf, err)
		return
	}
	inf.Instance = inst

	body, err := forward.PrepareBody(r, st.MaxReplayBytes)
	if err != nil {
		if r.Context().Err() != nil {
			outcome = &gwerr.Error{Kind: gwerr.KindClientCanceled, Op: "read body", Err: r.Context().Err()}
			return
		}
		outcome = err
		writeJSON(lw, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "bad_request", RequestID: inf.ID})
		return
	}

	g.metrics.IncInflight(m.Route.Service)
	defer g.metrics.DecInflight(m.Route.Service)

	transport := st.Services[m.Route.Service].Transport()
	resp, err := g.exec.Execute(r.Context(), resilience.Call{
		Policy:     m.Route.Resilience,
		Route:      m.Route.Name,
		Target:     inst.ID(),
		Replayable: body.Replayable,
		Do: func(ctx context.Context, n int) (*http.Response, error) {
			inf.Attempts = n
			return g.fwd.Forward(ctx, &forward.Outbound{
				Inbound:   r,
				Body:      body,
				Route:     m.Route,
				Instance:  inst,
				Transport: transport,
				RequestID: inf.ID,
			})
		},
	})
	g.reportPassive(inf, resp, err)
	if err != nil {
		outcome = err
		if gwerr.KindOf(err) == gwerr.KindClientCanceled {
			return
		}
		g.writeError(lw, inf, err)
		return
	}

	lw.Header().Set(forward.RequestIDHeader, inf.ID)
	if _, err := forward.Stream(lw, resp); err != nil {
		// headers are already out; nothing left to tell the client
		outcome = err
		if r.Context().Err() != nil {
			outcome = &gwerr.Error{Kind: gwerr.KindClientCanceled, Op: "stream", Err: err}
		}
	}
}

func (g *Gateway) reportPassive(inf *Inflight, resp *http.Response, err error) {
	if g.passive == nil || inf.Attempts == 0 {
		return
	}
	switch {
	case err == nil:
		g.passive.Report(inf.Route.Service, inf.Instance.ID(), resp.StatusCode < 500)
	case gwerr.KindOf(err) == gwerr.KindClientCanceled:
	default:
		g.passive.Report(inf.Route.Service, inf.Instance.ID(), false)
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id"`
	Attempts  int    `json:"attempts,omitempty"`
}

func (g *Gateway) writeError(w http.ResponseWriter, inf *Inflight, err error) {
	code := gwerr.HTTPStatus(err)
	kind := gwerr.KindOf(err)
	msg := http.StatusText(code)
	if errors.Is(err, gwerr.ErrCircuitOpen) {
		msg = "circuit open"
	}
	w.Header().Set(forward.RequestIDHeader, inf.ID)
	if ra := gwerr.RetryAfterOf(err); ra != "" {
		w.Header().Set("Retry-After", ra)
	}
	writeJSON(w, code, errorBody{Error: msg, Kind: kind.String(), RequestID: inf.ID, Attempts: inf.Attempts})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// finish emits the per-request event and metrics.
func (g *Gateway) finish(st *Settings, r *http.Request, lw *loggingResponseWriter, inf *Inflight, outcome error) {
	status := lw.statusCode
	if status == 0 && outcome == nil {
		status = http.StatusOK
	}
	kind := "ok"
	if outcome != nil {
		kind = gwerr.KindOf(outcome).String()
	}
	duration := time.Since(inf.Start)

	var service, route, instance string
	if inf.Route != nil {
		service, route = inf.Route.Service, inf.Route.Name
	}
	if inf.Instance != nil {
		instance = inf.Instance.ID()
	}

	statusLabel := strconv.Itoa(status)
	if kind == gwerr.KindClientCanceled.String() {
		statusLabel = "499"
	}
	g.metrics.IncRequest(service, route, r.Method, statusLabel)
	g.metrics.ObserveLatency(service, route, duration)
	g.metrics.ObserveAttempts(route, inf.Attempts)

	if outcome == nil && st.AccessSampling < 1 && rand.Float64() > st.AccessSampling {
		return
	}
	fields := []zap.Field{
		zap.String("request_id", inf.ID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("proto", r.Proto),
		zap.String("remote_ip", r.RemoteAddr),
		zap.String("route", route),
		zap.String("service", service),
		zap.String("instance", instance),
		zap.Int("attempts", inf.Attempts),
		zap.Int("status", status),
		zap.String("outcome", kind),
		zap.Duration("latency", duration),
		zap.Int64("bytes_written", lw.bytes),
	}
	switch {
	case outcome == nil:
		g.logger.Info("request", fields...)
	case kind == gwerr.KindNotFound.String() || kind == gwerr.KindClientCanceled.String():
		g.logger.Info("request", append(fields, zap.Error(outcome))...)
	default:
		g.logger.Warn("request failed", append(fields, zap.Error(outcome))...)
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *loggingResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
