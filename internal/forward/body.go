package forward

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Body is an inbound request body prepared for one or more attempts.
// Small bodies of known size are buffered and can be replayed; anything
// else is streamed through once.
type Body struct {
	buf    []byte
	stream *onceReader
	size   int64
}

// PrepareBody reads r.Body into memory when its declared length is at most
// maxReplay bytes. Unknown or larger bodies are left to stream.
func PrepareBody(r *http.Request, maxReplay int64) (*Body, error) {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return &Body{size: 0}, nil
	}
	if r.ContentLength > 0 && r.ContentLength <= maxReplay {
		buf, err := io.ReadAll(io.LimitReader(r.Body, r.ContentLength+1))
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		if int64(len(buf)) != r.ContentLength {
			return nil, fmt.Errorf("request body: declared %d bytes, got %d", r.ContentLength, len(buf))
		}
		return &Body{buf: buf, size: r.ContentLength}, nil
	}
	return &Body{stream: &onceReader{r: r.Body}, size: r.ContentLength}, nil
}

// Replayable reports whether another attempt can send the full body.
func (b *Body) Replayable() bool {
	return b.stream == nil || !b.stream.touched.Load()
}

// Size is the declared length, -1 when unknown.
func (b *Body) Size() int64 { return b.size }

// reader returns the body for one attempt.
func (b *Body) reader() io.ReadCloser {
	switch {
	case b.stream != nil:
		return b.stream
	case len(b.buf) == 0:
		return http.NoBody
	default:
		return io.NopCloser(bytes.NewReader(b.buf))
	}
}

// onceReader passes reads through and records whether any byte was pulled.
// Close is a no-op: the transport closes request bodies on every error, and
// the inbound body belongs to the server.
type onceReader struct {
	r       io.Reader
	touched atomic.Bool
}

func (o *onceReader) Read(p []byte) (int, error) {
	n, err := o.r.Read(p)
	if n > 0 {
		o.touched.Store(true)
	}
	return n, err
}

func (o *onceReader) Close() error { return nil }
