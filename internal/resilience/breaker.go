package resilience

import (
	"sync"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fabian4/gateway-core-go/internal/metrics"
	"github.com/fabian4/gateway-core-go/internal/model"
)

type breakerEntry struct {
	cb     *gobreaker.TwoStepCircuitBreaker
	policy model.BreakerPolicy
}

// breakers holds one two-step breaker per route|instance key. The
// gobreaker type does its own locking; the map lock only guards creation.
type breakers struct {
	mu      sync.Mutex
	entries map[string]*breakerEntry
	logger  *zap.Logger
	metrics *metrics.Registry
}

func newBreakers(logger *zap.Logger, m *metrics.Registry) *breakers {
	return &breakers{entries: make(map[string]*breakerEntry), logger: logger, metrics: m}
}

// get returns the breaker for key, rebuilding it when the policy changed.
func (b *breakers) get(key string, p model.BreakerPolicy) *gobreaker.TwoStepCircuitBreaker {
	if !p.Enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok && e.policy == p {
		return e.cb
	}
	e := &breakerEntry{cb: gobreaker.NewTwoStepCircuitBreaker(b.settings(key, p)), policy: p}
	b.entries[key] = e
	b.metrics.SetBreakerState(key, int(gobreaker.StateClosed))
	return e.cb
}

func (b *breakers) settings(key string, p model.BreakerPolicy) gobreaker.Settings {
	minReq := p.MinRequests
	if minReq == 0 {
		minReq = 1
	}
	ratio := p.FailureRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}
	return gobreaker.Settings{
		Name: key,
		// exactly one probe while half-open
		MaxRequests: 1,
		Interval:    p.Window,
		Timeout:     p.OpenDuration,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < minReq {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= ratio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Info("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			b.metrics.BreakerTransition(name, from.String(), to.String(), int(to))
		},
	}
}

// state reports the breaker state for key; closed when unknown.
func (b *breakers) state(key string) gobreaker.State {
	b.mu.Lock()
	e, ok := b.entries[key]
	b.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return e.cb.State()
}

// retain drops breakers whose key fails keep.
func (b *breakers) retain(keep func(key string) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.entries {
		if !keep(k) {
			delete(b.entries, k)
		}
	}
}
