// Package forward rewrites an inbound request onto a chosen downstream
// instance, issues it over a named transport and streams the response back.
package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"

	"github.com/fabian4/gateway-core-go/internal/gwerr"
	"github.com/fabian4/gateway-core-go/internal/lb"
	"github.com/fabian4/gateway-core-go/internal/model"
)

// RequestIDHeader carries the inflight request id downstream.
const RequestIDHeader = "X-Request-Id"

// Forwarder issues one downstream attempt per call. It holds no
// per-request state and is safe for concurrent use.
type Forwarder struct {
	Transports Factory
	Headers    HeaderPolicy
}

func NewForwarder(f Factory, hp HeaderPolicy) *Forwarder {
	return &Forwarder{Transports: f, Headers: hp}
}

// Outbound is everything one attempt needs.
type Outbound struct {
	Inbound   *http.Request
	Body      *Body
	Route     *model.Route
	Instance  *lb.Instance
	Transport string // registry name; see model.Service.Transport
	RequestID string
}

// Forward sends o to its instance under ctx. The response body is not
// read; the caller streams and closes it.
func (f *Forwarder) Forward(ctx context.Context, o *Outbound) (*http.Response, error) {
	in := o.Inbound
	target := targetURL(o.Instance.URL(), in.URL)

	var body io.ReadCloser = http.NoBody
	if o.Body != nil {
		body = o.Body.reader()
	}
	req, err := http.NewRequestWithContext(ctx, in.Method, target.String(), body)
	if err != nil {
		return nil, gwerr.Forward(fmt.Errorf("build request: %w", err))
	}
	if o.Body != nil {
		req.ContentLength = o.Body.Size()
		if o.Body.Size() == 0 {
			req.Body = http.NoBody
		}
	}

	hdr := cloneHeader(in.Header)
	f.Headers.outbound(hdr)
	addXFF(hdr, in.RemoteAddr)
	setXFProto(hdr, in)
	hdr.Set("X-Forwarded-Host", in.Host)
	if o.RequestID != "" {
		hdr.Set(RequestIDHeader, o.RequestID)
	}
	req.Header = hdr

	switch {
	case o.Route.HostRewrite != "":
		req.Host = o.Route.HostRewrite
	case o.Route.PreserveHost:
		req.Host = in.Host
	default:
		req.Host = target.Host
	}

	resp, err := f.Transports.Get(o.Transport).RoundTrip(req)
	if err != nil {
		return nil, classify(err)
	}
	f.Headers.inbound(resp.Header)
	return resp, nil
}

// targetURL substitutes scheme, host and port and keeps path and query.
func targetURL(base, in *url.URL) *url.URL {
	u := *base
	u.Path = joinSlash(base.Path, in.Path)
	if in.RawPath != "" {
		u.RawPath = joinSlash(base.EscapedPath(), in.RawPath)
	}
	u.RawQuery = in.RawQuery
	u.Fragment = ""
	return &u
}

// classify sorts a transport error into transient (retryable) or forward
// (malformed exchange). Context errors are returned as-is so the caller
// can tell an attempt timeout from a client disconnect.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ne net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &ne):
		return gwerr.Transient(err)
	case strings.Contains(err.Error(), "malformed"):
		return gwerr.Forward(err)
	}
	return gwerr.Transient(err)
}

// Stream writes resp to w, flushing after every chunk so the client's read
// rate gates how fast the downstream body is pulled. It closes resp.Body.
func Stream(w http.ResponseWriter, resp *http.Response) (int64, error) {
	defer func() { _ = resp.Body.Close() }()

	copyHeaders(w.Header(), resp.Header)
	if len(resp.Trailer) > 0 {
		keys := make([]string, 0, len(resp.Trailer))
		for k := range resp.Trailer {
			keys = append(keys, k)
		}
		w.Header().Set("Trailer", strings.Join(keys, ","))
	}
	w.WriteHeader(resp.StatusCode)

	fl, _ := w.(http.Flusher)
	if fl != nil {
		fl.Flush()
	}
	buf := make([]byte, 32<<10)
	var written int64
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, fmt.Errorf("write to client: %w", werr)
			}
			if fl != nil {
				fl.Flush()
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, fmt.Errorf("read downstream body: %w", rerr)
		}
	}

	for k, vv := range resp.Trailer {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	return written, nil
}
