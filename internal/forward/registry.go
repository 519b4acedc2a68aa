package forward

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// Well-known transport names; a service's proto selects one.
const (
	ProtoHTTP1 = "http1" // strictly HTTP/1.1 to downstream
	ProtoAuto  = "auto"  // ALPN, h2 over TLS when available
	ProtoH2C   = "h2c"   // cleartext HTTP/2 with prior knowledge
)

// Options tunes the default transports.
type Options struct {
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxConnsPerHost     int // 0 = unlimited

	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	// ResponseHeaderTimeout is a transport-wide ceiling; per-route attempt
	// timeouts are enforced by the resilience executor. 0 disables.
	ResponseHeaderTimeout time.Duration

	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
}

func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Factory returns a RoundTripper by name.
type Factory interface {
	Get(name string) http.RoundTripper
	Register(name string, rt http.RoundTripper)
	CloseIdle()
}

// Registry is a threadsafe map of named RoundTrippers. Connection pools
// live in the transports, so one Registry is shared across reloads.
type Registry struct {
	mu    sync.RWMutex
	store map[string]http.RoundTripper
	opts  Options
}

var _ Factory = (*Registry)(nil)

func NewDefaultRegistry() *Registry { return NewRegistry(DefaultOptions()) }

// NewRegistry pre-registers http1, auto and h2c.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		store: make(map[string]http.RoundTripper),
		opts:  opts,
	}
	r.store[ProtoHTTP1] = r.newTransport(nil, false)
	r.store[ProtoAuto] = r.newTransport(nil, true)
	r.store[ProtoH2C] = r.newH2C()
	return r
}

// Get returns the named transport, falling back to http1.
func (r *Registry) Get(name string) http.RoundTripper {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rt, ok := r.store[name]; ok && rt != nil {
		return rt
	}
	return r.store[ProtoHTTP1]
}

func (r *Registry) Register(name string, rt http.RoundTripper) {
	if name == "" || rt == nil {
		return
	}
	r.mu.Lock()
	old := r.store[name]
	r.store[name] = rt
	r.mu.Unlock()
	if c, ok := old.(interface{ CloseIdleConnections() }); ok && old != rt {
		c.CloseIdleConnections()
	}
}

// RegisterCustom registers a transport built from the registry options with
// its own TLS config, e.g. for mTLS downstreams. proto is http1 or auto.
func (r *Registry) RegisterCustom(name string, tlsCfg *tls.Config, proto string) {
	r.Register(name, r.newTransport(tlsCfg, proto == ProtoAuto))
}

// CloseIdle drops idle downstream connections on every transport.
func (r *Registry) CloseIdle() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.store {
		if c, ok := rt.(interface{ CloseIdleConnections() }); ok {
			c.CloseIdleConnections()
		}
	}
}

func (r *Registry) dialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   r.opts.DialTimeout,
		KeepAlive: r.opts.DialKeepAlive,
	}
}

func (r *Registry) newTransport(tlsCfg *tls.Config, h2 bool) *http.Transport {
	if tlsCfg == nil {
		tlsCfg = &tls.Config{InsecureSkipVerify: r.opts.InsecureSkipVerify, RootCAs: r.opts.RootCAs}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	if !h2 {
		tlsCfg.NextProtos = []string{"http/1.1"}
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           r.dialer().DialContext,
		ForceAttemptHTTP2:     h2,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          r.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   r.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       r.opts.IdleConnTimeout,
		MaxConnsPerHost:       r.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   r.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: r.opts.ExpectContinueTimeout,
	}
	if r.opts.ResponseHeaderTimeout > 0 {
		tr.ResponseHeaderTimeout = r.opts.ResponseHeaderTimeout
	}
	return tr
}

func (r *Registry) newH2C() *http2.Transport {
	d := r.dialer()
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return d.DialContext(ctx, network, addr)
		},
		IdleConnTimeout: r.opts.IdleConnTimeout,
	}
}
