package lb

import (
	"net/url"
	"sync"
	"time"

	"github.com/fabian4/gateway-core-go/internal/gwerr"
	"github.com/fabian4/gateway-core-go/internal/model"
)

// Status is the health of one instance.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Policy decides what Select does when every instance is unhealthy.
type Policy string

const (
	// FailFast returns gwerr.ErrNoHealthyInstance.
	FailFast Policy = "fail_fast"
	// BestEffort returns the instance whose last failure is oldest.
	BestEffort Policy = "best_effort"
)

// Instance is one downstream endpoint. Health fields are guarded by the
// owning pool's mutex.
type Instance struct {
	url   *url.URL
	index int
	pool  *Pool

	status      Status
	lastFailure time.Time
}

// ID is host:port, unique within a pool.
func (i *Instance) ID() string { return i.url.Host }

// URL returns the base URL (scheme, host, port).
func (i *Instance) URL() *url.URL { return i.url }

func (i *Instance) Scheme() string { return i.url.Scheme }

func (i *Instance) Host() string { return i.url.Hostname() }

func (i *Instance) Port() string {
	if p := i.url.Port(); p != "" {
		return p
	}
	if i.url.Scheme == "https" {
		return "443"
	}
	return "80"
}

// Status reads the current health.
func (i *Instance) Status() Status {
	i.pool.mu.Lock()
	defer i.pool.mu.Unlock()
	return i.status
}

// Pool is the ordered instance set for one service with a round-robin cursor.
type Pool struct {
	mu        sync.Mutex
	service   string
	policy    Policy
	instances []*Instance
	cursor    int
	now       func() time.Time
}

// NewPool builds a pool; every instance starts Unknown.
func NewPool(service string, endpoints []model.Endpoint, policy Policy) *Pool {
	if policy == "" {
		policy = FailFast
	}
	p := &Pool{service: service, policy: policy, now: time.Now}
	p.instances = make([]*Instance, len(endpoints))
	for i, e := range endpoints {
		p.instances[i] = &Instance{url: e.URL, index: i, pool: p}
	}
	return p
}

func (p *Pool) Service() string { return p.service }

func (p *Pool) Len() int { return len(p.instances) }

// Select advances the cursor to the next instance that is not Unhealthy,
// wrapping at most once around the pool.
func (p *Pool) Select() (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.instances)
	if n == 0 {
		return nil, gwerr.ErrNoHealthyInstance
	}
	for k := 0; k < n; k++ {
		idx := (p.cursor + k) % n
		inst := p.instances[idx]
		if inst.status != StatusUnhealthy {
			p.cursor = (idx + 1) % n
			return inst, nil
		}
	}

	if p.policy != BestEffort {
		return nil, gwerr.ErrNoHealthyInstance
	}
	best := p.instances[0]
	for _, inst := range p.instances[1:] {
		if inst.lastFailure.Before(best.lastFailure) {
			best = inst
		}
	}
	return best, nil
}

// Get finds an instance by ID.
func (p *Pool) Get(id string) (*Instance, bool) {
	for _, inst := range p.instances {
		if inst.ID() == id {
			return inst, true
		}
	}
	return nil, false
}

// MarkHealthy sets inst Healthy. Safe to call concurrently with Select.
func (p *Pool) MarkHealthy(inst *Instance) { p.setStatus(inst, StatusHealthy) }

// MarkUnhealthy sets inst Unhealthy and stamps its failure time.
func (p *Pool) MarkUnhealthy(inst *Instance) { p.setStatus(inst, StatusUnhealthy) }

// Recover returns inst to probation (Unknown) only if it is still
// Unhealthy. The check and the change happen under one lock so a verdict
// recorded in between is never overwritten.
func (p *Pool) Recover(inst *Instance) bool {
	if inst == nil || inst.pool != p {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst.status != StatusUnhealthy {
		return false
	}
	inst.status = StatusUnknown
	return true
}

func (p *Pool) setStatus(inst *Instance, s Status) {
	if inst == nil || inst.pool != p {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	inst.status = s
	if s == StatusUnhealthy {
		inst.lastFailure = p.now()
	}
}

// InstanceState is a read-only view for diagnostics.
type InstanceState struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Status      Status    `json:"status"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// PoolState is a read-only view for diagnostics.
type PoolState struct {
	Service   string          `json:"service"`
	Policy    Policy          `json:"policy"`
	Instances []InstanceState `json:"instances"`
}

// Snapshot copies the pool state under the lock.
func (p *Pool) Snapshot() PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PoolState{Service: p.service, Policy: p.policy, Instances: make([]InstanceState, len(p.instances))}
	for i, inst := range p.instances {
		st.Instances[i] = InstanceState{
			ID:          inst.ID(),
			URL:         inst.url.String(),
			Status:      inst.status,
			LastFailure: inst.lastFailure,
		}
	}
	return st
}

// Selectable reports whether Select would currently succeed.
func (p *Pool) Selectable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.instances) == 0 {
		return false
	}
	if p.policy == BestEffort {
		return true
	}
	for _, inst := range p.instances {
		if inst.status != StatusUnhealthy {
			return true
		}
	}
	return false
}
