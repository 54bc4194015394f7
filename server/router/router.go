// method-aware route table with literal and :param segments
package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/s00inx/httpcore/server/protocol"
)

// resolve outcomes, distinguished so the server can answer 404 vs 405
var (
	ErrNotFound         = errors.New("router: no route for path")
	ErrMethodNotAllowed = errors.New("router: path matches under another method")
	ErrAmbiguousRoute   = errors.New("router: pattern conflicts with registered route")
	ErrBadPattern       = errors.New("router: invalid pattern")
)

// Handler turns a request snapshot into a response. Failures are recovered
// at the worker boundary, not here.
type Handler func(*protocol.Request) *protocol.Response

type segment struct {
	lit     string // literal text, empty for params
	param   string // param name, empty for literals
	isParam bool
}

type route struct {
	method   string
	segs     []segment
	literals int // specificity: number of literal segments
	handler  Handler
}

// Router holds the registered routes. Registration happens before the
// server starts; resolution is read-only and safe from many workers.
type Router struct {
	routes []route
}

func New() *Router {
	return &Router{}
}

// Register binds (method, pattern) to a handler. Patterns are literal
// segments and :name parameter segments, e.g. /users/:id/posts.
// A pattern that could tie with an existing registration for the same
// method is rejected here rather than surprising someone at request time.
func (r *Router) Register(method, pattern string, h Handler) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler for %s %s", ErrBadPattern, method, pattern)
	}
	segs, err := splitPattern(pattern)
	if err != nil {
		return err
	}

	nr := route{method: method, segs: segs, handler: h}
	for _, s := range segs {
		if !s.isParam {
			nr.literals++
		}
	}

	for _, old := range r.routes {
		if old.method == method && conflicts(old.segs, segs) && old.literals == nr.literals {
			return fmt.Errorf("%w: %s %s", ErrAmbiguousRoute, method, pattern)
		}
	}

	r.routes = append(r.routes, nr)
	return nil
}

// Resolve finds the handler for (method, path) and binds path parameters.
// When several patterns match, the one with more literal segments wins.
func (r *Router) Resolve(method, path string) (Handler, []protocol.Param, error) {
	parts := splitPath(path)

	var best *route
	pathMatched := false
	for i := range r.routes {
		rt := &r.routes[i]
		if !match(rt.segs, parts) {
			continue
		}
		pathMatched = true
		if rt.method != method {
			continue
		}
		if best == nil || rt.literals > best.literals {
			best = rt
		}
	}

	if best == nil {
		if pathMatched {
			return nil, nil, ErrMethodNotAllowed
		}
		return nil, nil, ErrNotFound
	}

	var params []protocol.Param
	for i, s := range best.segs {
		if s.isParam {
			params = append(params, protocol.Param{Key: s.param, Val: parts[i]})
		}
	}
	return best.handler, params, nil
}

// Allowed lists the methods registered for patterns matching path, for the
// Allow header on 405 responses.
func (r *Router) Allowed(path string) []string {
	parts := splitPath(path)
	seen := map[string]bool{}
	var out []string
	for i := range r.routes {
		rt := &r.routes[i]
		if match(rt.segs, parts) && !seen[rt.method] {
			seen[rt.method] = true
			out = append(out, rt.method)
		}
	}
	sort.Strings(out)
	return out
}

func splitPattern(pattern string) ([]segment, error) {
	if pattern == "" || pattern[0] != '/' {
		return nil, fmt.Errorf("%w: %q must start with /", ErrBadPattern, pattern)
	}
	var segs []segment
	for _, s := range strings.Split(pattern[1:], "/") {
		if s == "" {
			if pattern == "/" {
				break
			}
			return nil, fmt.Errorf("%w: empty segment in %q", ErrBadPattern, pattern)
		}
		if s[0] == ':' {
			if len(s) == 1 {
				return nil, fmt.Errorf("%w: unnamed param in %q", ErrBadPattern, pattern)
			}
			segs = append(segs, segment{param: s[1:], isParam: true})
		} else {
			segs = append(segs, segment{lit: s})
		}
	}
	return segs, nil
}

func splitPath(path string) []string {
	path = strings.TrimPrefix(path, "/")
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// match: literal segments need identical text, params take any non-empty
// segment; lengths must agree
func match(segs []segment, parts []string) bool {
	if len(segs) != len(parts) {
		return false
	}
	for i, s := range segs {
		if parts[i] == "" {
			return false
		}
		if !s.isParam && s.lit != parts[i] {
			return false
		}
	}
	return true
}

// conflicts reports whether two patterns can match a common path
func conflicts(a, b []segment) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].isParam && !b[i].isParam && a[i].lit != b[i].lit {
			return false
		}
	}
	return true
}
