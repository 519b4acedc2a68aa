// Package health holds the in-tree health-check collaborators: an active
// prober, a passive failure counter, and the /alive and /health endpoints.
package health

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fabian4/gateway-core-go/internal/lb"
	"github.com/fabian4/gateway-core-go/internal/model"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultTimeout  = 2 * time.Second
	// DefaultRise consecutive successes mark an instance Healthy.
	DefaultRise = 2
	// DefaultFall consecutive failures mark an instance Unhealthy.
	DefaultFall = 3
)

// Config tunes the active checker.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Rise     int
	Fall     int
}

// Source lists the pools to probe. *lb.Registry implements it.
type Source interface {
	Snapshot() []lb.PoolState
}

// Transports resolves a downstream transport by name. *forward.Registry
// implements it.
type Transports interface {
	Get(name string) http.RoundTripper
}

type target struct {
	path      string
	transport string
}

type streak struct {
	ok, fail int
}

// Checker periodically GETs <instance><health_path> for every service that
// configures a health path and feeds the verdict to a Marker.
type Checker struct {
	source Source
	marker Marker
	cfg    Config
	client *http.Client
	logger *zap.Logger

	transports Transports
	targets    atomic.Pointer[map[string]target]

	mu      sync.Mutex
	streaks map[string]*streak

	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewChecker(src Source, m Marker, cfg Config, logger *zap.Logger) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Rise <= 0 {
		cfg.Rise = DefaultRise
	}
	if cfg.Fall <= 0 {
		cfg.Fall = DefaultFall
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Checker{
		source:  src,
		marker:  m,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
		streaks: make(map[string]*streak),
	}
	empty := map[string]target{}
	c.targets.Store(&empty)
	return c
}

// UseTransports makes probes go through the same transport as proxied
// traffic, so per-service TLS settings apply. Call before Start.
func (c *Checker) UseTransports(t Transports) {
	c.transports = t
}

// SetServices replaces the probed health paths; called on every reload.
func (c *Checker) SetServices(svcs map[string]model.Service) {
	targets := make(map[string]target, len(svcs))
	for name, s := range svcs {
		if s.HealthPath != "" {
			targets[name] = target{path: s.HealthPath, transport: s.Transport()}
		}
	}
	c.targets.Store(&targets)
}

// Start runs the probe loop until ctx is done or Stop is called.
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.stoppedCh = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx)
}

// Stop waits for the loop to exit.
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stopCh, stoppedCh := c.stopCh, c.stoppedCh
	c.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

func (c *Checker) run(ctx context.Context) {
	defer close(c.stoppedCh)
	t := time.NewTicker(c.cfg.Interval)
	defer t.Stop()

	c.CheckOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-t.C:
			c.CheckOnce(ctx)
		}
	}
}

// CheckOnce probes every instance once, concurrently, and waits.
func (c *Checker) CheckOnce(ctx context.Context) {
	targets := *c.targets.Load()
	pools := c.source.Snapshot()
	c.prune(pools, targets)

	var wg sync.WaitGroup
	for _, pool := range pools {
		tg, ok := targets[pool.Service]
		if !ok {
			continue
		}
		for _, inst := range pool.Instances {
			wg.Add(1)
			go func(service string, inst lb.InstanceState) {
				defer wg.Done()
				c.record(service, inst.ID, c.probe(ctx, inst.URL, tg))
			}(pool.Service, inst)
		}
	}
	wg.Wait()
}

// prune forgets streaks of instances that are no longer probed.
func (c *Checker) prune(pools []lb.PoolState, targets map[string]target) {
	live := make(map[string]struct{})
	for _, pool := range pools {
		if _, ok := targets[pool.Service]; !ok {
			continue
		}
		for _, inst := range pool.Instances {
			live[pool.Service+"|"+inst.ID] = struct{}{}
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.streaks {
		if _, ok := live[k]; !ok {
			delete(c.streaks, k)
		}
	}
}

func (c *Checker) probe(ctx context.Context, base string, tg target) bool {
	u, err := url.JoinPath(base, tg.path)
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false
	}
	client := c.client
	if c.transports != nil {
		client = &http.Client{Timeout: c.cfg.Timeout, Transport: c.transports.Get(tg.transport)}
	}
	resp, err := client.Do(req)
	if err != nil {
		c.logger.Debug("health probe failed", zap.String("url", u), zap.Error(err))
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

func (c *Checker) record(service, id string, ok bool) {
	key := service + "|" + id
	c.mu.Lock()
	s, found := c.streaks[key]
	if !found {
		s = &streak{}
		c.streaks[key] = s
	}
	var healthy, unhealthy bool
	if ok {
		s.ok++
		s.fail = 0
		healthy = s.ok >= c.cfg.Rise
	} else {
		s.fail++
		s.ok = 0
		unhealthy = s.fail >= c.cfg.Fall
	}
	c.mu.Unlock()

	switch {
	case healthy:
		c.marker.MarkHealthy(service, id)
	case unhealthy:
		c.marker.MarkUnhealthy(service, id)
	}
}
