package resilience

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/gateway-core-go/internal/gwerr"
	"github.com/fabian4/gateway-core-go/internal/model"
)

func respond(code int) *http.Response {
	return &http.Response{StatusCode: code, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("body"))}
}

func noBreaker(p model.ResiliencePolicy) model.ResiliencePolicy {
	p.Breaker.Enabled = false
	return p
}

func basePolicy() model.ResiliencePolicy {
	return model.ResiliencePolicy{
		Timeout:    time.Second,
		MaxRetries: 2,
		Backoff:    model.BackoffFixed,
		BaseDelay:  time.Millisecond,
	}
}

func TestExecute_SuccessFirstAttempt(t *testing.T) {
	x := NewExecutor()
	var calls atomic.Int32
	resp, err := x.Execute(context.Background(), Call{
		Policy: basePolicy(),
		Route:  "r", Target: "a:1",
		Do: func(ctx context.Context, n int) (*http.Response, error) {
			calls.Add(1)
			return respond(200), nil
		},
	})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, 200, resp.StatusCode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestExecute_AlwaysTimesOut(t *testing.T) {
	p := basePolicy()
	p.Timeout = 40 * time.Millisecond
	p.MaxRetries = 3
	p.BaseDelay = 10 * time.Millisecond

	x := NewExecutor()
	var calls atomic.Int32
	start := time.Now()
	resp, err := x.Execute(context.Background(), Call{
		Policy: p, Route: "r", Target: "a:1",
		Do: func(ctx context.Context, n int) (*http.Response, error) {
			calls.Add(1)
			<-ctx.Done() // abandoned by the executor
			return nil, ctx.Err()
		},
	})
	elapsed := time.Since(start)

	assert.Nil(t, resp)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindUpstreamUnavailable, gwerr.KindOf(err))
	assert.True(t, errors.Is(err, ErrAttemptTimeout))
	assert.EqualValues(t, 1+p.MaxRetries, calls.Load(), "initial attempt plus MaxRetries retries")
	assert.Equal(t, 1+p.MaxRetries, gwerr.AttemptsOf(err))

	minimum := time.Duration(1+p.MaxRetries)*p.Timeout + time.Duration(p.MaxRetries)*p.BaseDelay
	assert.GreaterOrEqual(t, elapsed, minimum)
}

func TestExecute_RetriesGatewayStatuses(t *testing.T) {
	x := NewExecutor()
	var calls atomic.Int32
	resp, err := x.Execute(context.Background(), Call{
		Policy: basePolicy(), Route: "r", Target: "a:1",
		Do: func(ctx context.Context, n int) (*http.Response, error) {
			calls.Add(1)
			if n < 3 {
				return respond(503), nil
			}
			return respond(200), nil
		},
	})
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.EqualValues(t, 3, calls.Load())
}

func TestExecute_DoesNotRetryClientErrors(t *testing.T) {
	for _, code := range []int{400, 401, 404, 409, 500} {
		x := NewExecutor()
		var calls atomic.Int32
		resp, err := x.Execute(context.Background(), Call{
			Policy: basePolicy(), Route: "r", Target: "a:1",
			Do: func(ctx context.Context, n int) (*http.Response, error) {
				calls.Add(1)
				return respond(code), nil
			},
		})
		require.NoError(t, err, "status %d", code)
		assert.Equal(t, code, resp.StatusCode)
		_ = resp.Body.Close()
		assert.EqualValues(t, 1, calls.Load(), "status %d", code)
	}
}

func TestExecute_Retries429(t *testing.T) {
	x := NewExecutor()
	var calls atomic.Int32
	_, err := x.Execute(context.Background(), Call{
		Policy: basePolicy(), Route: "r", Target: "a:1",
		Do: func(ctx context.Context, n int) (*http.Response, error) {
			calls.Add(1)
			return respond(429), nil
		},
	})
	require.Error(t, err)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, 3, gwerr.AttemptsOf(err))
}

func TestExecute_ForwardErrorIsTerminal(t *testing.T) {
	x := NewExecutor()
	var calls atomic.Int32
	_, err := x.Execute(context.Background(), Call{
		Policy: basePolicy(), Route: "r", Target: "a:1",
		Do: func(ctx context.Context, n int) (*http.Response, error) {
			calls.Add(1)
			return nil, gwerr.Forward(errors.New("malformed"))
		},
	})
	assert.Equal(t, gwerr.KindForward, gwerr.KindOf(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestExecute_NotReplayableStopsRetrying(t *testing.T) {
	x := NewExecutor()
	var calls atomic.Int32
	_, err := x.Execute(context.Background(), Call{
		Policy: basePolicy(), Route: "r", Target: "a:1",
		Do: func(ctx context.Context, n int) (*http.Response, error) {
			calls.Add(1)
			return nil, errors.New("connection reset")
		},
		Replayable: func() bool { return false },
	})
	assert.Equal(t, gwerr.KindUpstreamUnavailable, gwerr.KindOf(err))
	assert.True(t, errors.Is(err, gwerr.ErrBodyNotReplayable))
	assert.EqualValues(t, 1, calls.Load())
}

func TestExecute_RetryBudget(t *testing.T) {
	p := basePolicy()
	p.MaxRetries = 5
	p.RetryBudget = model.RetryBudget{PerSecond: 0.001, Burst: 1}

	x := NewExecutor()
	var calls atomic.Int32
	_, err := x.Execute(context.Background(), Call{
		Policy: p, Route: "budget", Target: "a:1",
		Do: func(ctx context.Context, n int) (*http.Response, error) {
			calls.Add(1)
			return nil, errors.New("refused")
		},
	})
	assert.True(t, errors.Is(err, gwerr.ErrRetryBudget))
	assert.EqualValues(t, 2, calls.Load(), "one attempt plus the single budgeted retry")
}

func TestExecute_ClientCancel(t *testing.T) {
	x := NewExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var downstreamCanceled atomic.Bool
	go func() {
		<-started
		cancel()
	}()
	_, err := x.Execute(ctx, Call{
		Policy: basePolicy(), Route: "r", Target: "a:1",
		Do: func(ctx context.Context, n int) (*http.Response, error) {
			close(started)
			<-ctx.Done()
			downstreamCanceled.Store(true)
			return nil, ctx.Err()
		},
	})
	assert.Equal(t, gwerr.KindClientCanceled, gwerr.KindOf(err))
	assert.True(t, downstreamCanceled.Load())
}

func TestExecute_BodyCloseReleasesAttemptContext(t *testing.T) {
	x := NewExecutor()
	var attemptCtx context.Context
	resp, err := x.Execute(context.Background(), Call{
		Policy: basePolicy(), Route: "r", Target: "a:1",
		Do: func(ctx context.Context, n int) (*http.Response, error) {
			attemptCtx = ctx
			return respond(200), nil
		},
	})
	require.NoError(t, err)
	assert.NoError(t, attemptCtx.Err(), "context stays live while the body streams")
	require.NoError(t, resp.Body.Close())
	assert.ErrorIs(t, attemptCtx.Err(), context.Canceled)
}

func breakerPolicy() model.ResiliencePolicy {
	p := basePolicy()
	p.MaxRetries = 0
	p.Breaker = model.BreakerPolicy{
		Enabled:      true,
		Window:       time.Minute,
		MinRequests:  3,
		FailureRatio: 0.5,
		OpenDuration: 150 * time.Millisecond,
	}
	return p
}

func TestExecute_CircuitOpensThenSingleProbe(t *testing.T) {
	x := NewExecutor()
	p := breakerPolicy()

	var calls atomic.Int32
	var healthy atomic.Bool
	release := make(chan struct{})
	do := func(ctx context.Context, n int) (*http.Response, error) {
		calls.Add(1)
		if healthy.Load() {
			<-release
			return respond(200), nil
		}
		return respond(502), nil
	}
	call := Call{Policy: p, Route: "orders", Target: "a:1", Do: do}

	for i := 0; i < 3; i++ {
		_, err := x.Execute(context.Background(), call)
		require.Error(t, err)
	}
	require.Equal(t, gobreaker.StateOpen, x.State("orders", "a:1"))

	// open: fail fast without calling downstream
	before := calls.Load()
	_, err := x.Execute(context.Background(), call)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gwerr.ErrCircuitOpen))
	assert.Equal(t, http.StatusServiceUnavailable, gwerr.HTTPStatus(err))
	assert.Equal(t, before, calls.Load())

	time.Sleep(p.Breaker.OpenDuration + 50*time.Millisecond)
	healthy.Store(true)

	// half-open: exactly one probe among concurrent callers
	var wg sync.WaitGroup
	var rejected atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := x.Execute(context.Background(), call)
			if err != nil {
				if errors.Is(err, gwerr.ErrCircuitOpen) {
					rejected.Add(1)
				}
				return
			}
			_ = resp.Body.Close()
		}()
	}
	require.Eventually(t, func() bool { return rejected.Load() == 4 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, before+1, calls.Load(), "exactly one probe")
	assert.Equal(t, gobreaker.StateClosed, x.State("orders", "a:1"))
}

func TestExecute_FailedProbeReopens(t *testing.T) {
	x := NewExecutor()
	p := breakerPolicy()
	call := Call{Policy: p, Route: "orders", Target: "b:1", Do: func(ctx context.Context, n int) (*http.Response, error) {
		return nil, errors.New("connection refused")
	}}
	for i := 0; i < 3; i++ {
		_, _ = x.Execute(context.Background(), call)
	}
	require.Equal(t, gobreaker.StateOpen, x.State("orders", "b:1"))

	time.Sleep(p.Breaker.OpenDuration + 30*time.Millisecond)
	_, err := x.Execute(context.Background(), call) // probe fails
	require.Error(t, err)
	assert.False(t, errors.Is(err, gwerr.ErrCircuitOpen))
	assert.Equal(t, gobreaker.StateOpen, x.State("orders", "b:1"))

	_, err = x.Execute(context.Background(), call)
	assert.True(t, errors.Is(err, gwerr.ErrCircuitOpen), "timer restarted after failed probe")
}

func TestExecute_BreakersAreIndependentPerInstance(t *testing.T) {
	x := NewExecutor()
	p := breakerPolicy()
	fail := Call{Policy: p, Route: "orders", Target: "a:1", Do: func(ctx context.Context, n int) (*http.Response, error) {
		return respond(503), nil
	}}
	for i := 0; i < 3; i++ {
		_, _ = x.Execute(context.Background(), fail)
	}
	require.Equal(t, gobreaker.StateOpen, x.State("orders", "a:1"))

	ok := Call{Policy: p, Route: "orders", Target: "b:1", Do: func(ctx context.Context, n int) (*http.Response, error) {
		return respond(200), nil
	}}
	resp, err := x.Execute(context.Background(), ok)
	require.NoError(t, err)
	_ = resp.Body.Close()
}

func TestRetain(t *testing.T) {
	x := NewExecutor()
	p := breakerPolicy()
	p.RetryBudget = model.RetryBudget{PerSecond: 1, Burst: 1}
	for _, route := range []string{"keep", "drop"} {
		resp, err := x.Execute(context.Background(), Call{Policy: p, Route: route, Target: "a:1", Do: func(ctx context.Context, n int) (*http.Response, error) {
			return respond(200), nil
		}})
		require.NoError(t, err)
		_ = resp.Body.Close()
		x.budgets.allow(route, p.RetryBudget)
	}
	x.Retain(map[string]struct{}{"keep": {}})

	assert.Len(t, x.breakers.entries, 1)
	assert.Contains(t, x.breakers.entries, "keep|a:1")
	assert.Len(t, x.budgets.limiters, 1)
}

func TestNewBackoff_Exponential(t *testing.T) {
	b := newBackoff(model.ResiliencePolicy{
		MaxRetries: 4,
		Backoff:    model.BackoffExponential,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   50 * time.Millisecond,
	})
	var got []time.Duration
	for {
		d, stop := b.Next()
		if stop {
			break
		}
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond}, got)
}

func cancelMidAttempt(t *testing.T, x *Executor, call Call) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	call.Do = func(ctx context.Context, n int) (*http.Response, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err := x.Execute(ctx, call)
	return err
}

func TestExecute_ClientCancelDoesNotTripBreaker(t *testing.T) {
	x := NewExecutor()
	p := breakerPolicy()
	p.Breaker.MinRequests = 2
	call := Call{Policy: p, Route: "orders", Target: "c:1"}

	for i := 0; i < 2; i++ {
		err := cancelMidAttempt(t, x, call)
		require.Equal(t, gwerr.KindClientCanceled, gwerr.KindOf(err))
	}
	assert.Equal(t, gobreaker.StateClosed, x.State("orders", "c:1"))

	var calls atomic.Int32
	call.Do = func(ctx context.Context, n int) (*http.Response, error) {
		calls.Add(1)
		return respond(200), nil
	}
	resp, err := x.Execute(context.Background(), call)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.EqualValues(t, 1, calls.Load())
}

func TestExecute_CanceledHalfOpenTrialKeepsCircuitOpen(t *testing.T) {
	x := NewExecutor()
	p := breakerPolicy()
	call := Call{Policy: p, Route: "orders", Target: "d:1", Do: func(ctx context.Context, n int) (*http.Response, error) {
		return respond(503), nil
	}}
	for i := 0; i < 3; i++ {
		_, _ = x.Execute(context.Background(), call)
	}
	require.Equal(t, gobreaker.StateOpen, x.State("orders", "d:1"))
	time.Sleep(p.Breaker.OpenDuration + 50*time.Millisecond)

	err := cancelMidAttempt(t, x, call)
	require.Equal(t, gwerr.KindClientCanceled, gwerr.KindOf(err))
	assert.Equal(t, gobreaker.StateOpen, x.State("orders", "d:1"), "an unfinished half-open trial proves nothing")
}

func TestExecute_RelaysRetryAfter(t *testing.T) {
	x := NewExecutor()
	p := noBreaker(basePolicy())
	p.MaxRetries = 1
	_, err := x.Execute(context.Background(), Call{
		Policy: p, Route: "r", Target: "a:1",
		Do: func(ctx context.Context, n int) (*http.Response, error) {
			r := respond(http.StatusTooManyRequests)
			r.Header.Set("Retry-After", "7")
			return r, nil
		},
	})
	require.Equal(t, gwerr.KindUpstreamUnavailable, gwerr.KindOf(err))
	assert.Equal(t, "7", gwerr.RetryAfterOf(err))

	_, err = x.Execute(context.Background(), Call{
		Policy: p, Route: "r", Target: "a:1",
		Do: func(ctx context.Context, n int) (*http.Response, error) {
			if n == 1 {
				r := respond(http.StatusServiceUnavailable)
				r.Header.Set("Retry-After", "7")
				return r, nil
			}
			return nil, errors.New("connection reset")
		},
	})
	require.Error(t, err)
	assert.Empty(t, gwerr.RetryAfterOf(err), "the last cause was not a response")
}
