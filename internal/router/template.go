package router

import (
	"fmt"
	"strings"
)

// segment is either a literal or a named parameter.
type segment struct {
	literal string
	param   string
}

func (s segment) isParam() bool { return s.param != "" }

// parseTemplate accepts "/", "/a/b", "/a/{id}/c". Catch-alls and partial
// parameters ("/a/x{id}") are rejected.
func parseTemplate(tpl string) ([]segment, error) {
	if !strings.HasPrefix(tpl, "/") {
		return nil, fmt.Errorf("template %q must start with '/'", tpl)
	}
	trimmed := strings.TrimSuffix(tpl[1:], "/")
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, "/")
	segs := make([]segment, 0, len(parts))
	seen := make(map[string]struct{})
	for i, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("template %q: empty segment at %d", tpl, i)
		}
		if strings.HasPrefix(p, "{") {
			if !strings.HasSuffix(p, "}") {
				return nil, fmt.Errorf("template %q: unterminated parameter %q", tpl, p)
			}
			name := p[1 : len(p)-1]
			if !validParamName(name) {
				return nil, fmt.Errorf("template %q: invalid parameter name %q", tpl, name)
			}
			if _, dup := seen[name]; dup {
				return nil, fmt.Errorf("template %q: duplicate parameter %q", tpl, name)
			}
			seen[name] = struct{}{}
			segs = append(segs, segment{param: name})
			continue
		}
		if strings.ContainsAny(p, "{}*") {
			return nil, fmt.Errorf("template %q: segment %q mixes literal and wildcard", tpl, p)
		}
		segs = append(segs, segment{literal: p})
	}
	return segs, nil
}

func validParamName(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

// shape erases parameter names: "/orders/{id}" and "/orders/{oid}" share
// the shape "/orders/{}".
func shape(segs []segment) string {
	var b strings.Builder
	for _, s := range segs {
		b.WriteByte('/')
		if s.isParam() {
			b.WriteString("{}")
		} else {
			b.WriteString(s.literal)
		}
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

func literalCount(segs []segment) int {
	n := 0
	for _, s := range segs {
		if !s.isParam() {
			n++
		}
	}
	return n
}

// splitPath splits a request path the same way templates are split.
// Empty segments are preserved so "//x" never matches a parameter.
func splitPath(path string) []string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	trimmed := strings.TrimSuffix(path[1:], "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// matchSegments returns the captured parameters on success.
func matchSegments(segs []segment, parts []string) (map[string]string, bool) {
	if len(segs) != len(parts) {
		return nil, false
	}
	var params map[string]string
	for i, s := range segs {
		if s.isParam() {
			if parts[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[s.param] = parts[i]
			continue
		}
		if s.literal != parts[i] {
			return nil, false
		}
	}
	return params, true
}
