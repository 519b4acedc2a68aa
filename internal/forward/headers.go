package forward

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// HeaderPolicy decides which inbound headers reach the downstream and which
// downstream headers reach the client. Hop-by-hop headers are always dropped.
type HeaderPolicy struct {
	// Allow, when non-empty, limits standard headers to this set. Custom
	// (X-*) headers always pass unless stripped.
	Allow mapset.Set[string]
	// Strip is removed from the outbound request.
	Strip mapset.Set[string]
	// ResponseStrip is removed from the downstream response, e.g. Server.
	ResponseStrip mapset.Set[string]
}

// NewHeaderPolicy canonicalizes the configured header names.
func NewHeaderPolicy(allow, strip, responseStrip []string) HeaderPolicy {
	return HeaderPolicy{
		Allow:         canonicalSet(allow),
		Strip:         canonicalSet(strip),
		ResponseStrip: canonicalSet(responseStrip),
	}
}

func canonicalSet(names []string) mapset.Set[string] {
	s := mapset.NewThreadUnsafeSet[string]()
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			s.Add(textproto.CanonicalMIMEHeaderKey(n))
		}
	}
	return s
}

// outbound applies the request side of the policy to h in place.
func (p HeaderPolicy) outbound(h http.Header) {
	dropHopByHop(h)
	for k := range h {
		if p.Strip != nil && p.Strip.Contains(k) {
			h.Del(k)
			continue
		}
		if p.Allow == nil || p.Allow.Cardinality() == 0 || isCustom(k) {
			continue
		}
		if !p.Allow.Contains(k) {
			h.Del(k)
		}
	}
}

// inbound applies the response side of the policy to h in place.
func (p HeaderPolicy) inbound(h http.Header) {
	dropHopByHop(h)
	if p.ResponseStrip == nil {
		return
	}
	for k := range h {
		if p.ResponseStrip.Contains(k) {
			h.Del(k)
		}
	}
}

func isCustom(k string) bool { return strings.HasPrefix(k, "X-") }

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func joinSlash(a, b string) string {
	as := strings.HasSuffix(a, "/")
	bs := strings.HasPrefix(b, "/")
	switch {
	case as && bs:
		return a + b[1:]
	case !as && !bs:
		return a + "/" + b
	default:
		return a + b
	}
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			k = textproto.TrimString(k)
			if k != "" {
				h.Del(k)
			}
		}
	}
	for k := range hopByHop {
		// "TE: trailers" is the one value an HTTP/2 downstream accepts.
		if k == "Te" && h.Get("Te") == "trailers" {
			continue
		}
		h.Del(k)
	}
}

func addXFF(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return
	}
	const key = "X-Forwarded-For"
	// a client may send several lines; they form one list
	if prior := h.Values(key); len(prior) > 0 {
		h.Set(key, strings.Join(prior, ", ")+", "+ip)
	} else {
		h.Set(key, ip)
	}
}

func setXFProto(h http.Header, r *http.Request) {
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
}
