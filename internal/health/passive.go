package health

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Marker applies health verdicts to load-balancer instances.
// *lb.Registry implements it.
type Marker interface {
	MarkHealthy(service, id string) bool
	MarkUnhealthy(service, id string) bool
	Recover(service, id string) bool
}

// Passive ejects an instance after maxFailures consecutive failed requests
// and puts it back on probation after cooldown. A nil *Passive is a no-op.
type Passive struct {
	marker      Marker
	maxFailures int
	cooldown    time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	failures map[string]int
}

// NewPassive returns nil when maxFailures <= 0.
func NewPassive(m Marker, maxFailures int, cooldown time.Duration, logger *zap.Logger) *Passive {
	if maxFailures <= 0 || m == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Passive{
		marker:      m,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		logger:      logger,
		failures:    make(map[string]int),
	}
}

// Report records one request outcome against service/id.
func (p *Passive) Report(service, id string, ok bool) {
	if p == nil {
		return
	}
	key := service + "|" + id

	p.mu.Lock()
	if ok {
		delete(p.failures, key)
		p.mu.Unlock()
		return
	}
	p.failures[key]++
	n := p.failures[key]
	eject := n >= p.maxFailures
	if eject {
		delete(p.failures, key)
	}
	p.mu.Unlock()

	if !eject || !p.marker.MarkUnhealthy(service, id) {
		return
	}
	p.logger.Warn("instance ejected after consecutive failures",
		zap.String("service", service),
		zap.String("instance", id),
		zap.Int("failures", n),
		zap.Duration("cooldown", p.cooldown),
	)
	if p.cooldown > 0 {
		time.AfterFunc(p.cooldown, func() { p.marker.Recover(service, id) })
	}
}
