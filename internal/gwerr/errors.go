// Package gwerr classifies failures along the request path so the pipeline
// can turn each one into a status code without inspecting error strings.
package gwerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the classification of a gateway error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfig is an invalid or ambiguous route configuration.
	KindConfig
	// KindNotFound means no route matched the request.
	KindNotFound
	// KindNoHealthyInstance means the service pool had nothing to select.
	KindNoHealthyInstance
	// KindTransient is a single failed attempt that may be retried.
	KindTransient
	// KindUpstreamUnavailable means retries were exhausted or the circuit is open.
	KindUpstreamUnavailable
	// KindForward is a malformed downstream response or request rewrite failure.
	KindForward
	// KindClientCanceled means the inbound request went away.
	KindClientCanceled
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config_error"
	case KindNotFound:
		return "not_found"
	case KindNoHealthyInstance:
		return "no_healthy_instance"
	case KindTransient:
		return "transient_failure"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindForward:
		return "forward_error"
	case KindClientCanceled:
		return "client_canceled"
	default:
		return "unknown"
	}
}

var (
	ErrNotFound          = &Error{Kind: KindNotFound, Op: "match"}
	ErrNoHealthyInstance = &Error{Kind: KindNoHealthyInstance, Op: "select"}
	ErrCircuitOpen       = errors.New("circuit open")
	ErrBodyNotReplayable = errors.New("request body already consumed")
	ErrRetryBudget       = errors.New("retry budget exhausted")
)

// Error carries a Kind plus diagnostics.
type Error struct {
	Kind     Kind
	Op       string
	Attempts int
	Err      error
	// RetryAfter is the downstream's last Retry-After value, relayed to
	// the client when retries give up.
	RetryAfter string
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s after %d attempt(s)", msg, e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can use errors.Is(err, gwerr.ErrNotFound).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Config wraps a configuration problem.
func Config(err error) *Error { return New(KindConfig, "load", err) }

// Transient wraps a failed attempt.
func Transient(err error) *Error { return New(KindTransient, "attempt", err) }

// Forward wraps a forwarding problem.
func Forward(err error) *Error { return New(KindForward, "forward", err) }

// Unavailable wraps the terminal failure after attempts.
func Unavailable(attempts int, err error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Op: "execute", Attempts: attempts, Err: err}
}

// KindOf returns the outermost classification of err.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindClientCanceled
	}
	return KindUnknown
}

// AttemptsOf returns the attempt count recorded on err, if any.
func AttemptsOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Attempts
	}
	return 0
}

// RetryAfterOf returns the Retry-After value recorded on err, if any.
func RetryAfterOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return ""
}

// IsTransient reports whether err is a retryable attempt failure.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// HTTPStatus maps err to the status written to the client.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindNoHealthyInstance:
		return http.StatusServiceUnavailable
	case KindUpstreamUnavailable:
		if errors.Is(err, ErrCircuitOpen) {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case KindForward, KindTransient:
		return http.StatusBadGateway
	case KindClientCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
