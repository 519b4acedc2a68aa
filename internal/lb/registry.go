package lb

import (
	"fmt"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fabian4/gateway-core-go/internal/gwerr"
	"github.com/fabian4/gateway-core-go/internal/metrics"
	"github.com/fabian4/gateway-core-go/internal/model"
)

// Registry maps service names to pools. The map itself is immutable and
// replaced on Rebuild; each pool has its own lock, so unrelated services
// never contend.
type Registry struct {
	policy  Policy
	pools   atomic.Pointer[map[string]*Pool]
	logger  *zap.Logger
	metrics *metrics.Registry
}

func NewRegistry(policy Policy, svcs map[string]model.Service, logger *zap.Logger, m *metrics.Registry) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{policy: policy, logger: logger, metrics: m}
	empty := map[string]*Pool{}
	r.pools.Store(&empty)
	r.Rebuild(svcs)
	return r
}

// Rebuild installs pools for svcs. Pools whose endpoint list is unchanged
// are reused as-is; otherwise instances with a known URL carry their health
// over into the new pool.
func (r *Registry) Rebuild(svcs map[string]model.Service) {
	old := *r.pools.Load()
	next := make(map[string]*Pool, len(svcs))
	for name, svc := range svcs {
		prev, ok := old[name]
		if ok && sameEndpoints(prev, svc.Endpoints) {
			next[name] = prev
			continue
		}
		p := NewPool(name, svc.Endpoints, r.policy)
		if ok {
			carryHealth(prev, p)
		}
		next[name] = p
	}
	r.pools.Store(&next)
	r.logger.Debug("load balancer pools rebuilt", zap.Int("services", len(next)))
}

func sameEndpoints(p *Pool, eps []model.Endpoint) bool {
	if len(p.instances) != len(eps) {
		return false
	}
	for i, e := range eps {
		if p.instances[i].url.String() != e.URL.String() {
			return false
		}
	}
	return true
}

func carryHealth(from, to *Pool) {
	from.mu.Lock()
	defer from.mu.Unlock()
	for _, inst := range to.instances {
		if prev, ok := from.Get(inst.ID()); ok && prev.url.String() == inst.url.String() {
			inst.status = prev.status
			inst.lastFailure = prev.lastFailure
		}
	}
}

// Pool returns the pool for service.
func (r *Registry) Pool(service string) (*Pool, bool) {
	p, ok := (*r.pools.Load())[service]
	return p, ok
}

// Select picks an instance for service.
func (r *Registry) Select(service string) (*Instance, error) {
	p, ok := r.Pool(service)
	if !ok {
		return nil, gwerr.New(gwerr.KindNoHealthyInstance, "select", fmt.Errorf("unknown service %q", service))
	}
	return p.Select()
}

// MarkHealthy is the entry point for health-check collaborators.
func (r *Registry) MarkHealthy(service, id string) bool {
	return r.mark(service, id, StatusHealthy)
}

// MarkUnhealthy is the entry point for health-check collaborators.
func (r *Registry) MarkUnhealthy(service, id string) bool {
	return r.mark(service, id, StatusUnhealthy)
}

// Recover moves an Unhealthy instance back to Unknown; any other state is
// left alone so a newer active-check verdict is not overwritten.
func (r *Registry) Recover(service, id string) bool {
	p, ok := r.Pool(service)
	if !ok {
		return false
	}
	inst, ok := p.Get(id)
	if !ok || !p.Recover(inst) {
		return false
	}
	r.metrics.SetInstanceHealthy(service, id, true)
	r.logger.Info("instance health changed",
		zap.String("service", service),
		zap.String("instance", id),
		zap.Stringer("from", StatusUnhealthy),
		zap.Stringer("to", StatusUnknown),
	)
	return true
}

func (r *Registry) mark(service, id string, s Status) bool {
	p, ok := r.Pool(service)
	if !ok {
		return false
	}
	inst, ok := p.Get(id)
	if !ok {
		return false
	}
	prev := inst.Status()
	p.setStatus(inst, s)
	r.metrics.SetInstanceHealthy(service, id, s != StatusUnhealthy)
	if prev != s {
		r.logger.Info("instance health changed",
			zap.String("service", service),
			zap.String("instance", id),
			zap.Stringer("from", prev),
			zap.Stringer("to", s),
		)
	}
	return true
}

// Snapshot returns every pool's state sorted by service name.
func (r *Registry) Snapshot() []PoolState {
	pools := *r.pools.Load()
	out := make([]PoolState, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Services lists the registered service names.
func (r *Registry) Services() []string {
	pools := *r.pools.Load()
	out := make([]string, 0, len(pools))
	for name := range pools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
