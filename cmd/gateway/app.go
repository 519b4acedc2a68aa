package main

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/fabian4/gateway-core-go/internal/config"
	"github.com/fabian4/gateway-core-go/internal/forward"
	"github.com/fabian4/gateway-core-go/internal/gwerr"
	"github.com/fabian4/gateway-core-go/internal/handler"
	"github.com/fabian4/gateway-core-go/internal/health"
	"github.com/fabian4/gateway-core-go/internal/lb"
	"github.com/fabian4/gateway-core-go/internal/metrics"
	"github.com/fabian4/gateway-core-go/internal/model"
	"github.com/fabian4/gateway-core-go/internal/resilience"
	"github.com/fabian4/gateway-core-go/internal/router"
	"github.com/fabian4/gateway-core-go/internal/version"
)

// application wires every long-lived component. Only routes, pools,
// checker paths and gateway settings change on reload; transports and
// breakers persist.
type application struct {
	logger  *zap.Logger
	level   zap.AtomicLevel
	metrics *metrics.Registry

	routes     *router.Holder
	pools      *lb.Registry
	transports *forward.Registry
	exec       *resilience.Executor
	checker    *health.Checker
	gateway    *handler.Gateway
	proxy      http.Handler // gateway behind response compression

	started time.Time
}

func newApplication(cfg *config.Config, logger *zap.Logger, level zap.AtomicLevel) (*application, error) {
	table, err := loadRoutes(cfg)
	if err != nil {
		return nil, err
	}
	m := metrics.NewRegistry()

	app := &application{
		logger:  logger,
		level:   level,
		metrics: m,
		routes:  router.NewHolder(table),
		started: time.Now(),
	}
	app.pools = lb.NewRegistry(lb.Policy(cfg.AllUnhealthy), cfg.Services, logger.Named("lb"), m)
	app.transports = forward.NewRegistry(transportOptions(cfg.Transport))
	registerServiceTransports(app.transports, cfg.Services)
	app.exec = resilience.NewExecutor(
		resilience.WithLogger(logger.Named("resilience")),
		resilience.WithMetrics(m),
	)

	app.checker = health.NewChecker(app.pools, app.pools, health.Config{
		Interval: cfg.HealthCheck.Interval,
		Timeout:  cfg.HealthCheck.Timeout,
		Rise:     cfg.HealthCheck.Rise,
		Fall:     cfg.HealthCheck.Fall,
	}, logger.Named("health"))
	app.checker.UseTransports(app.transports)
	app.checker.SetServices(cfg.Services)

	fwd := forward.NewForwarder(app.transports, headerPolicy(cfg.Forward))
	opts := []handler.Option{
		handler.WithLogger(logger.Named("access")),
		handler.WithMetrics(m),
	}
	if p := health.NewPassive(app.pools, cfg.Passive.MaxFailures, cfg.Passive.Cooldown, logger.Named("passive")); p != nil {
		opts = append(opts, handler.WithPassiveHealth(p))
	}
	app.gateway = handler.NewGateway(app.routes, app.pools, app.exec, fwd, settings(cfg), opts...)
	app.proxy, err = handler.Compress(app.gateway, handler.Compression{
		Enabled: cfg.Compression.Enabled,
		MinSize: cfg.Compression.MinSize,
		Level:   cfg.Compression.Level,
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// Operational endpoints. They are matched before the route table, so a
// route whose template is one of them is rejected; parameterized routes
// such as /{name} simply never see these paths.
const (
	pathAlive   = "/alive"
	pathHealth  = "/health"
	pathMetrics = "/metrics"
	pathPools   = "/-/pools"
)

var reservedPaths = []string{pathAlive, pathHealth, pathMetrics, pathPools}

// loadRoutes builds the route table after rejecting routes that collide
// with an operational endpoint.
func loadRoutes(cfg *config.Config) (*router.Table, error) {
	var errs *multierror.Error
	for i, r := range cfg.Routes {
		tpl := strings.TrimSpace(r.Template)
		if len(tpl) > 1 {
			tpl = strings.TrimRight(tpl, "/")
		}
		if slices.Contains(reservedPaths, tpl) {
			errs = multierror.Append(errs, fmt.Errorf("routes[%d] %q: template %q is reserved for an operational endpoint", i, r.Name, r.Template))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, gwerr.Config(err)
	}
	return router.Load(cfg.Routes)
}

// registerServiceTransports gives every service with a tls block its own
// transport, named by model.Service.Transport.
func registerServiceTransports(reg *forward.Registry, svcs map[string]model.Service) {
	for _, svc := range svcs {
		if svc.TLS == nil {
			continue
		}
		proto := forward.ProtoHTTP1
		if svc.Proto == forward.ProtoAuto {
			proto = forward.ProtoAuto
		}
		reg.RegisterCustom(svc.Transport(), svc.TLS, proto)
	}
}

func settings(cfg *config.Config) handler.Settings {
	return handler.Settings{
		Services:       cfg.Services,
		MaxReplayBytes: cfg.Forward.MaxReplayBytes,
		AccessSampling: cfg.Logging.AccessSampling,
	}
}

func headerPolicy(f config.Forward) forward.HeaderPolicy {
	return forward.NewHeaderPolicy(f.HeaderAllow, f.HeaderStrip, f.ResponseStrip)
}

// transportOptions keeps the forward defaults for every unset field.
func transportOptions(t config.Transport) forward.Options {
	o := forward.DefaultOptions()
	if t.Dial > 0 {
		o.DialTimeout = t.Dial
	}
	if t.MaxIdleConns > 0 {
		o.MaxIdleConns = t.MaxIdleConns
	}
	if t.MaxIdleConnsPerHost > 0 {
		o.MaxIdleConnsPerHost = t.MaxIdleConnsPerHost
	}
	if t.MaxConnsPerHost > 0 {
		o.MaxConnsPerHost = t.MaxConnsPerHost
	}
	if t.IdleConn > 0 {
		o.IdleConnTimeout = t.IdleConn
	}
	if t.ResponseHeader > 0 {
		o.ResponseHeaderTimeout = t.ResponseHeader
	}
	o.InsecureSkipVerify = t.InsecureSkipVerify
	return o
}

// referencedServices lists the services named by the current routes.
func (a *application) referencedServices() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range a.routes.Load().Routes() {
		if _, ok := seen[r.Service]; ok {
			continue
		}
		seen[r.Service] = struct{}{}
		out = append(out, r.Service)
	}
	return out
}

// mux dispatches on the exact request path. Everything else, including
// unclean paths such as //a or /a/../b, goes to the gateway unchanged.
func (a *application) mux() http.Handler {
	alive := health.Alive(version.Value, a.started)
	ready := health.Ready(a.pools, a.referencedServices)
	prom := a.metrics.Handler()
	pools := handler.Pools(a.pools)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathAlive:
			alive.ServeHTTP(w, r)
		case pathHealth:
			ready.ServeHTTP(w, r)
		case pathMetrics:
			prom.ServeHTTP(w, r)
		case pathPools:
			pools.ServeHTTP(w, r)
		default:
			a.proxy.ServeHTTP(w, r)
		}
	})
}
