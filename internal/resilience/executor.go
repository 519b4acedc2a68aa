// Package resilience wraps one downstream call with per-attempt timeouts,
// retries with backoff, a retry budget and a per route+instance circuit
// breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fabian4/gateway-core-go/internal/gwerr"
	"github.com/fabian4/gateway-core-go/internal/metrics"
	"github.com/fabian4/gateway-core-go/internal/model"
)

// ErrAttemptTimeout is the cause recorded when an attempt exceeds its timeout.
var ErrAttemptTimeout = errors.New("attempt timed out")

// AttemptFunc performs one downstream call. n starts at 1.
type AttemptFunc func(ctx context.Context, n int) (*http.Response, error)

// Call describes one resilient downstream call.
type Call struct {
	Policy model.ResiliencePolicy
	Route  string // retry budget key
	Target string // instance id; breaker key is Route|Target
	Do     AttemptFunc
	// Replayable reports whether another attempt can resend the request.
	// Nil means always.
	Replayable func() bool
}

func (c *Call) breakerKey() string { return c.Route + "|" + c.Target }

// Executor is shared by all requests; its state is keyed per route and
// per route+instance.
type Executor struct {
	breakers *breakers
	budgets  *budgets
	logger   *zap.Logger
	metrics  *metrics.Registry
}

// Option configures an Executor.
type Option func(*Executor)

func WithLogger(l *zap.Logger) Option {
	return func(x *Executor) { x.logger = l }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(x *Executor) { x.metrics = m }
}

func NewExecutor(opts ...Option) *Executor {
	x := &Executor{logger: zap.NewNop()}
	for _, o := range opts {
		o(x)
	}
	x.breakers = newBreakers(x.logger, x.metrics)
	x.budgets = newBudgets()
	return x
}

// Execute runs c.Do until it succeeds, fails terminally, or the policy
// gives up. A returned response is owned by the caller; closing its body
// releases the attempt's context.
func (x *Executor) Execute(ctx context.Context, c Call) (*http.Response, error) {
	var (
		attempts   int
		resp       *http.Response
		lastErr    error
		retryAfter string
	)
	cb := x.breakers.get(c.breakerKey(), c.Policy.Breaker)

	err := retry.Do(ctx, newBackoff(c.Policy), func(ctx context.Context) error {
		if attempts > 0 {
			if c.Replayable != nil && !c.Replayable() {
				return fmt.Errorf("%w: %v", gwerr.ErrBodyNotReplayable, lastErr)
			}
			if !x.budgets.allow(c.Route, c.Policy.RetryBudget) {
				return fmt.Errorf("%w: %v", gwerr.ErrRetryBudget, lastErr)
			}
			x.metrics.IncRetry(c.Route)
		}

		var done func(bool)
		trial := false
		if cb != nil {
			d, err := cb.Allow()
			if err != nil {
				x.metrics.IncBreakerRejected(c.Route)
				if lastErr != nil {
					return fmt.Errorf("%w (%v): %v", gwerr.ErrCircuitOpen, err, lastErr)
				}
				return fmt.Errorf("%w: %v", gwerr.ErrCircuitOpen, err)
			}
			done = d
			trial = cb.State() == gobreaker.StateHalfOpen
		}

		attempts++
		r, err := x.attempt(ctx, c.Policy.Timeout, attempts, c.Do)
		if err != nil {
			if ctx.Err() != nil {
				// The caller went away; nothing was learned about the
				// downstream. A closed breaker releases the slot without a
				// failure, an unfinished half-open trial stays open.
				if done != nil {
					done(!trial)
				}
				return err
			}
			if done != nil {
				done(false)
			}
			if !retryableErr(err) {
				return err
			}
			lastErr = err
			retryAfter = ""
			x.logger.Debug("attempt failed",
				zap.String("route", c.Route),
				zap.String("target", c.Target),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
			return retry.RetryableError(gwerr.Transient(err))
		}

		if done != nil {
			done(r.StatusCode < 500)
		}
		if retryableStatus(r.StatusCode) {
			retryAfter = r.Header.Get("Retry-After")
			discard(r)
			lastErr = fmt.Errorf("downstream returned %d", r.StatusCode)
			return retry.RetryableError(gwerr.Transient(lastErr))
		}
		resp = r
		return nil
	})

	switch {
	case err == nil:
		return resp, nil
	case ctx.Err() != nil:
		return nil, &gwerr.Error{Kind: gwerr.KindClientCanceled, Op: "execute", Attempts: attempts, Err: ctx.Err()}
	case gwerr.IsTransient(err),
		errors.Is(err, gwerr.ErrCircuitOpen),
		errors.Is(err, gwerr.ErrRetryBudget),
		errors.Is(err, gwerr.ErrBodyNotReplayable):
		ue := gwerr.Unavailable(attempts, unwrapTransient(err))
		ue.RetryAfter = retryAfter
		return nil, ue
	default:
		var ge *gwerr.Error
		if errors.As(err, &ge) && ge.Attempts == 0 {
			ge.Attempts = attempts
		}
		return nil, err
	}
}

// attempt runs fn under a context that is cancelled when timeout elapses
// before response headers arrive. On success the context lives until the
// response body is closed.
func (x *Executor) attempt(parent context.Context, timeout time.Duration, n int, fn AttemptFunc) (*http.Response, error) {
	ctx, cancel := context.WithCancel(parent)
	var timer *time.Timer
	var fired atomic.Bool
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			fired.Store(true)
			cancel()
		})
	}

	resp, err := fn(ctx, n)
	if (timer != nil && !timer.Stop()) || fired.Load() {
		if resp != nil {
			_ = resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	if resp == nil {
		cancel()
		return nil, gwerr.Forward(errors.New("nil response"))
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// State returns the breaker state for route+target.
func (x *Executor) State(route, target string) gobreaker.State {
	return x.breakers.state(route + "|" + target)
}

// Retain drops breakers and budgets for routes that no longer exist.
func (x *Executor) Retain(routes map[string]struct{}) {
	x.breakers.retain(func(key string) bool {
		route, _, _ := strings.Cut(key, "|")
		_, ok := routes[route]
		return ok
	})
	x.budgets.mu.RLock()
	var gone []string
	for k := range x.budgets.limiters {
		if _, ok := routes[k]; !ok {
			gone = append(gone, k)
		}
	}
	x.budgets.mu.RUnlock()
	for _, k := range gone {
		x.budgets.remove(k)
	}
}

func newBackoff(p model.ResiliencePolicy) retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Nanosecond
	}
	var b retry.Backoff
	if p.Backoff == model.BackoffFixed {
		b = retry.NewConstant(base)
	} else {
		b = retry.NewExponential(base)
	}
	if p.Jitter > 0 {
		b = retry.WithJitterPercent(p.Jitter, b)
	}
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return retry.WithMaxRetries(uint64(maxRetries), b)
}

// retryableStatus: gateway errors and throttling. Other 4xx/5xx pass through.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
		return true
	}
	return false
}

func retryableErr(err error) bool {
	switch gwerr.KindOf(err) {
	case gwerr.KindForward, gwerr.KindClientCanceled, gwerr.KindConfig, gwerr.KindNotFound:
		return false
	}
	return true
}

func unwrapTransient(err error) error {
	var ge *gwerr.Error
	if errors.As(err, &ge) && ge.Kind == gwerr.KindTransient && ge.Err != nil {
		return ge.Err
	}
	return err
}

func discard(r *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 4<<10))
	_ = r.Body.Close()
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
	closed atomic.Bool
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	if c.closed.CompareAndSwap(false, true) {
		c.cancel()
	}
	return err
}
