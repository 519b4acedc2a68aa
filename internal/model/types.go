package model

import (
	"crypto/tls"
	"net/url"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Service upstream pool with protocol and endpoints.
type Service struct {
	Name       string
	Proto      string     // "http1" | "auto" | "h2c"
	Endpoints  []Endpoint // normalized; may be empty
	HealthPath string     // active health check path; empty disables
	// TLS, when set, gets a dedicated transport (custom CA, client
	// certificate, server name).
	TLS *tls.Config
}

// Transport names the forward transport serving s.
func (s Service) Transport() string {
	if s.TLS != nil {
		return "service/" + s.Name
	}
	return s.Proto
}

// Endpoint is one configured instance of a service.
type Endpoint struct {
	URL *url.URL // scheme://host:port, no path
}

// Route match + action.
type Route struct {
	Name     string
	Template string             // "/orders/{id}"
	Methods  mapset.Set[string] // upper-case; empty => any method
	Service  string             // Service.Name
	Priority int                // higher wins

	PreserveHost bool   // optional (default false)
	HostRewrite  string // optional; if set, overrides PreserveHost

	Resilience ResiliencePolicy
}

// BackoffShape selects how retry delays grow.
type BackoffShape string

const (
	BackoffFixed       BackoffShape = "fixed"
	BackoffExponential BackoffShape = "exponential"
)

// ResiliencePolicy is attached to a route at load time and never mutated.
type ResiliencePolicy struct {
	Timeout    time.Duration // per attempt, until response headers; 0 disables
	MaxRetries int
	Backoff    BackoffShape
	BaseDelay  time.Duration
	MaxDelay   time.Duration // cap for exponential; 0 => no cap
	Jitter     uint64        // percent, 0..100

	Breaker     BreakerPolicy
	RetryBudget RetryBudget
}

// BreakerPolicy configures the per route+instance circuit breaker.
type BreakerPolicy struct {
	Enabled      bool
	Window       time.Duration // counts are cleared every Window while closed
	MinRequests  uint32
	FailureRatio float64 // 0 < ratio <= 1
	OpenDuration time.Duration
}

// RetryBudget bounds retries per route with a token bucket.
// PerSecond == 0 means unlimited.
type RetryBudget struct {
	PerSecond float64
	Burst     int
}

// DefaultResilience is applied to routes that omit a resilience block.
func DefaultResilience() ResiliencePolicy {
	return ResiliencePolicy{
		Timeout:    30 * time.Second,
		MaxRetries: 0,
		Backoff:    BackoffExponential,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Breaker: BreakerPolicy{
			Enabled:      true,
			Window:       30 * time.Second,
			MinRequests:  10,
			FailureRatio: 0.5,
			OpenDuration: 15 * time.Second,
		},
	}
}
