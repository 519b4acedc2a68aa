// Package config loads the gateway's YAML document, merges the optional
// environment overlay and environment-variable overrides, and normalizes
// the result into model types.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/hashstructure/v2"
	"gopkg.in/yaml.v3"

	"github.com/fabian4/gateway-core-go/internal/gwerr"
	"github.com/fabian4/gateway-core-go/internal/model"
)

// EnvPrefix prefixes every environment override, e.g. GATEWAY_LISTEN.
const EnvPrefix = "GATEWAY"

// Env holds the environment-variable overrides.
type Env struct {
	Listen      string `envconfig:"LISTEN"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
	LogFormat   string `envconfig:"LOG_FORMAT"`
	Environment string `envconfig:"ENVIRONMENT"`
}

// ReadEnv reads GATEWAY_* variables.
func ReadEnv() (Env, error) {
	var e Env
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return e, fmt.Errorf("env: %w", err)
	}
	return e, nil
}

// Load reads path, the overlay for GATEWAY_ENVIRONMENT, and env overrides.
func Load(path string) (*Config, error) {
	env, err := ReadEnv()
	if err != nil {
		return nil, err
	}
	return LoadWithEnv(path, env)
}

// OverlayPath returns <dir>/<name>.<environment><ext> for path, or "" when
// environment is empty.
func OverlayPath(path, environment string) string {
	environment = strings.TrimSpace(environment)
	if environment == "" {
		return ""
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + strings.ToLower(environment) + ext
}

// LoadWithEnv is Load with explicit overrides.
func LoadWithEnv(path string, env Env) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, gwerr.Config(fmt.Errorf("yaml %s: %w", path, err))
	}
	files := []string{path}

	if op := OverlayPath(path, env.Environment); op != "" {
		ob, err := os.ReadFile(op)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read overlay: %w", err)
		default:
			if err := overlay(&rc, ob); err != nil {
				return nil, gwerr.Config(fmt.Errorf("yaml %s: %w", op, err))
			}
			files = append(files, op)
		}
	}

	if env.Listen != "" {
		rc.Listen.Address = env.Listen
	}
	if env.LogLevel != "" {
		rc.Logging.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		rc.Logging.Format = env.LogFormat
	}

	cfg, err := normalize(&rc)
	if err != nil {
		return nil, err
	}
	cfg.Files = files
	cfg.Fingerprint, err = hashstructure.Hash(rc, hashstructure.FormatV2, nil)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}
	return cfg, nil
}

// overlay applies an environment document on top of rc. Scalar sections
// present in the overlay replace the base; services and routes are merged
// by name, overlay entries replacing or appending.
func overlay(rc *rawConfig, b []byte) error {
	services, routes := rc.Services, rc.Routes
	if err := yaml.Unmarshal(b, rc); err != nil {
		return err
	}
	var lists struct {
		Services []rawService `yaml:"services"`
		Routes   []rawRoute   `yaml:"routes"`
	}
	if err := yaml.Unmarshal(b, &lists); err != nil {
		return err
	}
	rc.Services = mergeByName(services, lists.Services, func(s rawService) string { return s.Name })
	rc.Routes = mergeByName(routes, lists.Routes, func(r rawRoute) string { return r.Name })
	return nil
}

func mergeByName[T any](base, over []T, name func(T) string) []T {
	out := append([]T(nil), base...)
	idx := make(map[string]int, len(out))
	for i, v := range out {
		if n := name(v); n != "" {
			idx[n] = i
		}
	}
	for _, v := range over {
		if i, ok := idx[name(v)]; ok && name(v) != "" {
			out[i] = v
			continue
		}
		out = append(out, v)
	}
	return out
}

// problems collects every validation error so one load reports them all.
type problems struct {
	err *multierror.Error
}

func (p *problems) addf(format string, args ...any) {
	p.err = multierror.Append(p.err, fmt.Errorf(format, args...))
}

func (p *problems) duration(field, s string, def time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		p.addf("%s: %v", field, err)
		return def
	}
	if d < 0 {
		p.addf("%s: must not be negative", field)
		return def
	}
	return d
}

func normalize(rc *rawConfig) (*Config, error) {
	var p problems
	cfg := &Config{}

	cfg.Listen.Address = strings.TrimSpace(rc.Listen.Address)
	if cfg.Listen.Address == "" {
		cfg.Listen.Address = ":8080"
	}
	cfg.Listen.H2C = rc.Listen.H2C

	cfg.Logging = Logging{
		Level:          strings.ToLower(strings.TrimSpace(rc.Logging.Level)),
		Format:         strings.ToLower(strings.TrimSpace(rc.Logging.Format)),
		Output:         strings.TrimSpace(rc.Logging.Output),
		AccessSampling: 1,
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	switch cfg.Logging.Format {
	case "":
		cfg.Logging.Format = "json"
	case "json", "console":
	default:
		p.addf("logging.format: unknown format %q", cfg.Logging.Format)
	}
	if s := rc.Logging.AccessSampling; s != nil {
		if *s < 0 || *s > 1 {
			p.addf("logging.access_sampling: must be within [0,1]")
		} else {
			cfg.Logging.AccessSampling = *s
		}
	}

	cfg.Timeouts = Timeouts{
		Read:       p.duration("timeouts.read", rc.Timeouts.Read, 0),
		ReadHeader: p.duration("timeouts.read_header", rc.Timeouts.ReadHeader, 10*time.Second),
		Write:      p.duration("timeouts.write", rc.Timeouts.Write, 0),
		Idle:       p.duration("timeouts.idle", rc.Timeouts.Idle, 60*time.Second),
		Shutdown:   p.duration("timeouts.shutdown", rc.Timeouts.Shutdown, 5*time.Second),
	}

	cfg.Transport = Transport{
		Dial:                p.duration("transport.dial", rc.Transport.Dial, 0),
		MaxIdleConns:        rc.Transport.MaxIdleConns,
		MaxIdleConnsPerHost: rc.Transport.MaxIdleConnsPerHost,
		MaxConnsPerHost:     rc.Transport.MaxConnsPerHost,
		IdleConn:            p.duration("transport.idle_conn", rc.Transport.IdleConn, 0),
		ResponseHeader:      p.duration("transport.response_header", rc.Transport.ResponseHeader, 0),
		InsecureSkipVerify:  rc.Transport.InsecureSkipVerify,
	}

	switch v := strings.ToLower(strings.TrimSpace(rc.LoadBalancer.AllUnhealthy)); v {
	case "":
		cfg.AllUnhealthy = "fail_fast"
	case "fail_fast", "best_effort":
		cfg.AllUnhealthy = v
	default:
		p.addf("load_balancer.all_unhealthy: unknown policy %q", v)
	}

	if rc.Passive.MaxFailures < 0 {
		p.addf("passive.max_failures: must not be negative")
	}
	cfg.Passive = Passive{
		MaxFailures: rc.Passive.MaxFailures,
		Cooldown:    p.duration("passive.cooldown", rc.Passive.Cooldown, 30*time.Second),
	}
	cfg.HealthCheck = HealthCheck{
		Interval: p.duration("health_check.interval", rc.HealthCheck.Interval, 0),
		Timeout:  p.duration("health_check.timeout", rc.HealthCheck.Timeout, 0),
		Rise:     rc.HealthCheck.Rise,
		Fall:     rc.HealthCheck.Fall,
	}

	cfg.Forward = Forward{
		HeaderAllow:    rc.Forward.HeaderAllow,
		HeaderStrip:    rc.Forward.HeaderStrip,
		ResponseStrip:  rc.Forward.ResponseStrip,
		MaxReplayBytes: rc.Forward.MaxReplayBytes,
	}
	if cfg.Forward.ResponseStrip == nil {
		cfg.Forward.ResponseStrip = []string{"Server", "X-Powered-By"}
	}
	if cfg.Forward.MaxReplayBytes < 0 {
		p.addf("forward.max_replay_bytes: must not be negative")
	}

	cfg.Compression = Compression{Enabled: true, MinSize: rc.Compression.MinSize, Level: rc.Compression.Level}
	if rc.Compression.Enabled != nil {
		cfg.Compression.Enabled = *rc.Compression.Enabled
	}
	switch {
	case cfg.Compression.MinSize < 0:
		p.addf("compression.min_size: must not be negative")
	case cfg.Compression.MinSize == 0:
		cfg.Compression.MinSize = 1024
	}
	switch l := cfg.Compression.Level; {
	case l == 0:
		cfg.Compression.Level = -1
	case l < 1 || l > 9:
		p.addf("compression.level: %d not in 1..9", l)
	}

	cfg.Services = normalizeServices(&p, rc.Services)

	defaults := resilience(&p, "defaults.resilience", model.DefaultResilience(), rc.Defaults.Resilience)
	cfg.Routes = normalizeRoutes(&p, rc.Routes, cfg.Services, defaults)

	if err := p.err.ErrorOrNil(); err != nil {
		return nil, gwerr.Config(err)
	}
	return cfg, nil
}

func normalizeServices(p *problems, raw []rawService) map[string]model.Service {
	svcs := make(map[string]model.Service, len(raw))
	for i, s := range raw {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			p.addf("services[%d]: name is required", i)
			continue
		}
		if _, dup := svcs[name]; dup {
			p.addf("services: duplicate name %q", name)
			continue
		}
		proto := strings.ToLower(strings.TrimSpace(s.Proto))
		if proto == "" {
			proto = "http1"
		}
		switch proto {
		case "http1", "auto", "h2c":
		default:
			p.addf("services[%d]: unknown proto %q", i, proto)
		}
		var eps []model.Endpoint
		seen := mapset.NewThreadUnsafeSet[string]()
		for j, raw := range s.Endpoints {
			u, err := url.Parse(strings.TrimSpace(raw))
			if err != nil {
				p.addf("services[%d].endpoints[%d]: parse: %v", i, j, err)
				continue
			}
			if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				p.addf("services[%d].endpoints[%d]: must be http(s) URL with host", i, j)
				continue
			}
			if proto == "h2c" && u.Scheme != "http" {
				p.addf("services[%d].endpoints[%d]: h2c requires http scheme", i, j)
				continue
			}
			if !seen.Add(u.Host) {
				p.addf("services[%d].endpoints[%d]: duplicate instance %q", i, j, u.Host)
				continue
			}
			eps = append(eps, model.Endpoint{URL: u})
		}
		hp := strings.TrimSpace(s.HealthPath)
		if hp != "" && !strings.HasPrefix(hp, "/") {
			p.addf("services[%d]: health_path must start with '/'", i)
		}
		svc := model.Service{Name: name, Proto: proto, Endpoints: eps, HealthPath: hp}
		if s.TLS != nil {
			if proto == "h2c" {
				p.addf("services[%d].tls: not allowed with proto h2c", i)
			}
			for _, e := range eps {
				if e.URL.Scheme != "https" {
					p.addf("services[%d].tls: endpoint %q is not https", i, e.URL.Host)
				}
			}
			svc.TLS = tlsConfig(p, fmt.Sprintf("services[%d].tls", i), s.TLS)
		}
		svcs[name] = svc
	}
	return svcs
}

// tlsConfig reads the CA bundle and client key pair named by raw.
func tlsConfig(p *problems, field string, raw *rawTLS) *tls.Config {
	cfg := &tls.Config{
		ServerName:         strings.TrimSpace(raw.ServerName),
		InsecureSkipVerify: raw.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if ca := strings.TrimSpace(raw.CAFile); ca != "" {
		pem, err := os.ReadFile(ca)
		if err != nil {
			p.addf("%s.ca_file: %v", field, err)
		} else {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				p.addf("%s.ca_file: no PEM certificates in %s", field, ca)
			}
			cfg.RootCAs = pool
		}
	}
	cert, key := strings.TrimSpace(raw.CertFile), strings.TrimSpace(raw.KeyFile)
	switch {
	case cert == "" && key == "":
	case cert == "" || key == "":
		p.addf("%s: cert_file and key_file must be set together", field)
	default:
		pair, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			p.addf("%s: client key pair: %v", field, err)
		} else {
			cfg.Certificates = []tls.Certificate{pair}
		}
	}
	return cfg
}

func normalizeRoutes(p *problems, raw []rawRoute, svcs map[string]model.Service, defaults model.ResiliencePolicy) []model.Route {
	routes := make([]model.Route, 0, len(raw))
	for i, r := range raw {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = fmt.Sprintf("route-%d", i)
		}
		tpl := strings.TrimSpace(r.Template)
		if !strings.HasPrefix(tpl, "/") {
			p.addf("routes[%d]: template must start with '/'", i)
		}
		service := strings.TrimSpace(r.Service)
		if service == "" {
			p.addf("routes[%d]: service is required", i)
		} else if _, ok := svcs[service]; !ok {
			p.addf("routes[%d]: service=%q not found in services", i, service)
		}
		methods := mapset.NewSet[string]()
		for _, m := range r.Methods {
			m = strings.ToUpper(strings.TrimSpace(m))
			if !validMethod(m) {
				p.addf("routes[%d]: invalid method %q", i, m)
				continue
			}
			methods.Add(m)
		}
		routes = append(routes, model.Route{
			Name:         name,
			Template:     tpl,
			Methods:      methods,
			Service:      service,
			Priority:     r.Priority,
			PreserveHost: r.PreserveHost,
			HostRewrite:  strings.TrimSpace(r.HostRewrite),
			Resilience:   resilience(p, fmt.Sprintf("routes[%d].resilience", i), defaults, r.Resilience),
		})
	}
	return routes
}

func validMethod(m string) bool {
	if m == "" {
		return false
	}
	for _, c := range m {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

// resilience overlays the set fields of raw onto base.
func resilience(p *problems, field string, base model.ResiliencePolicy, raw rawResilience) model.ResiliencePolicy {
	out := base
	out.Timeout = p.duration(field+".timeout", raw.Timeout, base.Timeout)
	if raw.MaxRetries != nil {
		if *raw.MaxRetries < 0 {
			p.addf("%s.max_retries: must not be negative", field)
		} else {
			out.MaxRetries = *raw.MaxRetries
		}
	}
	switch b := model.BackoffShape(strings.ToLower(strings.TrimSpace(raw.Backoff))); b {
	case "":
	case model.BackoffFixed, model.BackoffExponential:
		out.Backoff = b
	default:
		p.addf("%s.backoff: unknown shape %q", field, raw.Backoff)
	}
	out.BaseDelay = p.duration(field+".base_delay", raw.BaseDelay, base.BaseDelay)
	out.MaxDelay = p.duration(field+".max_delay", raw.MaxDelay, base.MaxDelay)
	if raw.Jitter != nil {
		if *raw.Jitter > 100 {
			p.addf("%s.jitter: percent must be <= 100", field)
		} else {
			out.Jitter = *raw.Jitter
		}
	}

	cb := raw.CircuitBreaker
	if cb.Enabled != nil {
		out.Breaker.Enabled = *cb.Enabled
	}
	out.Breaker.Window = p.duration(field+".circuit_breaker.window", cb.Window, base.Breaker.Window)
	out.Breaker.OpenDuration = p.duration(field+".circuit_breaker.open_duration", cb.OpenDuration, base.Breaker.OpenDuration)
	if cb.MinRequests != nil {
		out.Breaker.MinRequests = *cb.MinRequests
	}
	if cb.FailureRatio != nil {
		if *cb.FailureRatio <= 0 || *cb.FailureRatio > 1 {
			p.addf("%s.circuit_breaker.failure_ratio: must be within (0,1]", field)
		} else {
			out.Breaker.FailureRatio = *cb.FailureRatio
		}
	}

	rb := raw.RetryBudget
	if rb.PerSecond != nil {
		if *rb.PerSecond < 0 {
			p.addf("%s.retry_budget.per_second: must not be negative", field)
		} else {
			out.RetryBudget.PerSecond = *rb.PerSecond
		}
	}
	if rb.Burst != nil {
		out.RetryBudget.Burst = *rb.Burst
	}
	return out
}
