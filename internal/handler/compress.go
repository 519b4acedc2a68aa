package handler

import (
	"fmt"
	"mime"
	"net/http"

	"github.com/klauspost/compress/gzhttp"
)

// Compression configures gzip encoding of gateway responses.
type Compression struct {
	Enabled bool
	// MinSize is the body size below which responses are sent as is.
	MinSize int
	// Level is a gzip level, -1 for the library default.
	Level int
}

// Compress wraps h so responses are gzip encoded for clients that accept
// it. Responses that already carry a Content-Encoding, already-compressed
// media types and event streams pass through untouched.
func Compress(h http.Handler, c Compression) (http.Handler, error) {
	if !c.Enabled {
		return h, nil
	}
	wrap, err := gzhttp.NewWrapper(
		gzhttp.MinSize(c.MinSize),
		gzhttp.CompressionLevel(c.Level),
		gzhttp.ContentTypeFilter(compressible),
	)
	if err != nil {
		return nil, fmt.Errorf("compression: %w", err)
	}
	return wrap(h), nil
}

// compressible leaves text/event-stream alone so each event is flushed to
// the client as soon as the downstream sends it.
func compressible(ct string) bool {
	if mt, _, err := mime.ParseMediaType(ct); err == nil && mt == "text/event-stream" {
		return false
	}
	return gzhttp.DefaultContentTypeFilter(ct)
}
