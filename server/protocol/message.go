// request and response values plus the ordered header map
package protocol

import "strings"

// Header is one name/value pair. Order and duplicates are preserved, name
// comparison is case-insensitive everywhere.
type Header struct {
	Key, Val string
}

// Headers keeps headers in the order they were parsed or set.
type Headers []Header

// Get returns the first value for key, ok reports whether it was present.
func (hs Headers) Get(key string) (string, bool) {
	for _, h := range hs {
		if strings.EqualFold(h.Key, key) {
			return h.Val, true
		}
	}
	return "", false
}

// Values returns every value for key, in order.
func (hs Headers) Values(key string) []string {
	var vals []string
	for _, h := range hs {
		if strings.EqualFold(h.Key, key) {
			vals = append(vals, h.Val)
		}
	}
	return vals
}

// Has reports whether key is present.
func (hs Headers) Has(key string) bool {
	_, ok := hs.Get(key)
	return ok
}

// Add appends a header, keeping any existing values for the same key.
func (hs *Headers) Add(key, val string) {
	*hs = append(*hs, Header{Key: key, Val: val})
}

// Set replaces the first value for key, or appends if it is absent.
func (hs *Headers) Set(key, val string) {
	for i := range *hs {
		if strings.EqualFold((*hs)[i].Key, key) {
			(*hs)[i].Val = val
			return
		}
	}
	hs.Add(key, val)
}

// hasToken reports whether the comma-separated header value contains the
// given token, per the Connection header grammar.
func hasToken(val, token string) bool {
	for len(val) > 0 {
		part := val
		if i := strings.IndexByte(val, ','); i >= 0 {
			part, val = val[:i], val[i+1:]
		} else {
			val = ""
		}
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// Param is one bound path parameter from the router.
type Param struct {
	Key, Val string
}

// Request is a fully parsed request. Workers receive it as an immutable
// snapshot; nothing in it refers back to connection state.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Proto    string // "HTTP/1.0" or "HTTP/1.1"
	Headers  Headers
	Body     []byte
	Params   []Param // bound by the router, nil until resolved

	// Close is set when this exchange must be the last one on the
	// connection: explicit Connection: close, 1.0 without keep-alive, or a
	// read-until-close body.
	Close bool
}

// Header returns the first value for key, or "".
func (r *Request) Header(key string) string {
	v, _ := r.Headers.Get(key)
	return v
}

// Param returns the bound value for a path parameter, or "".
func (r *Request) Param(key string) string {
	for _, p := range r.Params {
		if p.Key == key {
			return p.Val
		}
	}
	return ""
}

// Response is what a handler returns. The serializer fills in
// Content-Length (and the server layer Date/Server) unless already set.
type Response struct {
	Code    int
	Headers Headers
	Body    []byte
}

// SetHeader replaces or appends a response header.
func (r *Response) SetHeader(key, val string) {
	r.Headers.Set(key, val)
}
