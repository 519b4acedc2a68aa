package resilience

import (
	"sync"

	ratelib "golang.org/x/time/rate"

	"github.com/fabian4/gateway-core-go/internal/model"
)

// budgets holds one token bucket per route. Only retries draw from it, so a
// failing downstream cannot multiply inbound load by MaxRetries.
type budgets struct {
	// mu protects the limiters map.
	mu       sync.RWMutex
	limiters map[string]*ratelib.Limiter
}

func newBudgets() *budgets {
	return &budgets{limiters: make(map[string]*ratelib.Limiter)}
}

// allow takes one retry token for key. A zero budget is unlimited.
// The limiter is updated in place when the policy changed on reload.
func (b *budgets) allow(key string, rb model.RetryBudget) bool {
	if rb.PerSecond <= 0 {
		return true
	}
	burst := rb.Burst
	if burst <= 0 {
		burst = 1
	}

	b.mu.RLock()
	lim, ok := b.limiters[key]
	b.mu.RUnlock()

	if !ok {
		b.mu.Lock()
		// Double-check
		lim, ok = b.limiters[key]
		if !ok {
			lim = ratelib.NewLimiter(ratelib.Limit(rb.PerSecond), burst)
			b.limiters[key] = lim
		}
		b.mu.Unlock()
	}

	if lim.Limit() != ratelib.Limit(rb.PerSecond) {
		lim.SetLimit(ratelib.Limit(rb.PerSecond))
	}
	if lim.Burst() != burst {
		lim.SetBurst(burst)
	}
	return lim.Allow()
}

// remove drops the bucket for key.
func (b *budgets) remove(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.limiters, key)
}
