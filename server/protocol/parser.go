// incremental request parser, fed byte chunks of arbitrary size
package protocol

import (
	"bytes"
	"strconv"
	"strings"
)

const (
	// DefaultMaxBody caps eagerly buffered request bodies.
	DefaultMaxBody = 1 << 20

	maxLineBytes   = 8 << 10
	maxHeaderBytes = 16 << 10
	maxHeaderCount = 100
)

// methods outside this list fail the request line
var allowedMethods = []string{"GET", "HEAD", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"}

type state uint8

const (
	stateRequestLine state = iota
	stateHeaders
	stateBodyLength
	stateBodyChunked
	stateBodyUntilClose
)

// Parser is the per-connection protocol state machine. It buffers unconsumed
// input across Feed calls and never assumes a full message arrives at once.
// After any error the parser is dead and keeps returning the same error.
type Parser struct {
	maxBody int

	st          state
	buf         []byte
	req         *Request
	headerBytes int
	bodyRemain  int
	chunk       chunkReader
	failed      error
}

func NewParser(maxBody int) *Parser {
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	return &Parser{maxBody: maxBody}
}

// Feed consumes b and calls emit once per completed request, in order.
// Pipelined requests inside one chunk produce multiple emits.
func (p *Parser) Feed(b []byte, emit func(*Request)) error {
	if p.failed != nil {
		return p.failed
	}
	p.buf = append(p.buf, b...)
	if err := p.advance(emit); err != nil {
		p.failed = err
		return err
	}
	return nil
}

// CloseEOF signals peer half-close. A read-until-close body completes here;
// a half-close mid message is an error; between requests it is clean.
func (p *Parser) CloseEOF(emit func(*Request)) error {
	if p.failed != nil {
		return p.failed
	}
	if p.st == stateBodyUntilClose {
		p.finish(emit)
		return nil
	}
	if p.st == stateRequestLine && len(bytes.Trim(p.buf, "\r\n")) == 0 {
		return nil
	}
	p.failed = parseErr(ErrUnexpectedEOF)
	return p.failed
}

func (p *Parser) advance(emit func(*Request)) error {
	for {
		switch p.st {
		case stateRequestLine:
			line, ok, err := p.takeLine(ErrBadRequestLine)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if len(line) == 0 {
				// tolerate blank lines between pipelined requests
				continue
			}
			if err := p.beginRequest(line); err != nil {
				return err
			}
			p.st = stateHeaders
			p.headerBytes = 0

		case stateHeaders:
			line, ok, err := p.takeLine(ErrBadHeader)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if len(line) == 0 {
				if err := p.beginBody(emit); err != nil {
					return err
				}
				continue
			}
			if err := p.header(line); err != nil {
				return err
			}

		case stateBodyLength:
			n := p.bodyRemain
			if n > len(p.buf) {
				n = len(p.buf)
			}
			p.req.Body = append(p.req.Body, p.buf[:n]...)
			p.consume(n)
			p.bodyRemain -= n
			if p.bodyRemain > 0 {
				return nil
			}
			p.finish(emit)

		case stateBodyChunked:
			n, done, err := p.chunk.feed(p.buf, &p.req.Body, p.maxBody)
			p.consume(n)
			if err != nil {
				return err
			}
			if !done {
				return nil
			}
			p.finish(emit)

		case stateBodyUntilClose:
			if len(p.req.Body)+len(p.buf) > p.maxBody {
				return parseErr(ErrBodyTooLarge)
			}
			p.req.Body = append(p.req.Body, p.buf...)
			p.consume(len(p.buf))
			return nil // completed by CloseEOF
		}
	}
}

// takeLine pops one CRLF-terminated line, without the CRLF. ok is false when
// the line is not complete yet. A bare LF is rejected.
func (p *Parser) takeLine(reason error) ([]byte, bool, error) {
	i := bytes.IndexByte(p.buf, '\n')
	if i < 0 {
		if len(p.buf) > maxLineBytes {
			return nil, false, parseErr(ErrHeaderTooLarge)
		}
		return nil, false, nil
	}
	if i > maxLineBytes {
		return nil, false, parseErr(ErrHeaderTooLarge)
	}
	if i == 0 || p.buf[i-1] != '\r' {
		return nil, false, parseErr(reason)
	}
	line := p.buf[:i-1]
	out := make([]byte, len(line))
	copy(out, line)
	p.consume(i + 1)
	return out, true, nil
}

func (p *Parser) consume(n int) {
	p.buf = append(p.buf[:0], p.buf[n:]...)
}

func (p *Parser) beginRequest(line []byte) error {
	fields := strings.Split(string(line), " ")
	if len(fields) < 3 {
		return parseErr(ErrBadRequestLine)
	}
	method, uri, proto := fields[0], fields[1], fields[2]
	if method == "" || uri == "" {
		return parseErr(ErrBadRequestLine)
	}

	ok := false
	for _, m := range allowedMethods {
		if m == method {
			ok = true
			break
		}
	}
	if !ok {
		return parseErr(ErrBadMethod)
	}
	if proto != "HTTP/1.0" && proto != "HTTP/1.1" {
		return parseErr(ErrBadVersion)
	}

	path, query := uri, ""
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		path, query = uri[:i], uri[i+1:]
	}

	p.req = &Request{
		Method:   method,
		Path:     path,
		RawQuery: query,
		Proto:    proto,
	}
	return nil
}

func (p *Parser) header(line []byte) error {
	p.headerBytes += len(line) + 2
	if p.headerBytes > maxHeaderBytes || len(p.req.Headers) >= maxHeaderCount {
		return parseErr(ErrHeaderTooLarge)
	}

	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return parseErr(ErrBadHeader)
	}
	key := string(line[:i])
	val := string(bytes.Trim(line[i+1:], " \t"))
	if strings.ContainsAny(key, " \t") {
		return parseErr(ErrBadHeader)
	}
	p.req.Headers.Add(key, val)
	return nil
}

// beginBody picks the body framing once the blank line is seen.
func (p *Parser) beginBody(emit func(*Request)) error {
	if te, ok := p.req.Headers.Get("Transfer-Encoding"); ok && hasToken(te, "chunked") {
		p.st = stateBodyChunked
		p.chunk = chunkReader{}
		return nil
	}

	if cl, ok := p.req.Headers.Get("Content-Length"); ok {
		n, err := strconv.ParseUint(strings.TrimSpace(cl), 10, 63)
		if err != nil {
			return parseErr(ErrBadContentLength)
		}
		if int(n) > p.maxBody {
			return parseErr(ErrBodyTooLarge)
		}
		if n == 0 {
			p.finish(emit)
			return nil
		}
		p.bodyRemain = int(n)
		p.st = stateBodyLength
		return nil
	}

	// 1.0 body-bearing methods without a length read until close, which
	// rules out reuse of the connection
	if p.req.Proto == "HTTP/1.0" && bodyMethod(p.req.Method) {
		p.st = stateBodyUntilClose
		return nil
	}

	p.finish(emit)
	return nil
}

func bodyMethod(m string) bool {
	return m == "POST" || m == "PUT" || m == "PATCH"
}

// finish stamps keep-alive semantics, emits, and resets for pipelining.
func (p *Parser) finish(emit func(*Request)) {
	req := p.req
	conn, _ := req.Headers.Get("Connection")
	if req.Proto == "HTTP/1.0" {
		req.Close = !hasToken(conn, "keep-alive")
	} else {
		req.Close = hasToken(conn, "close")
	}
	if p.st == stateBodyUntilClose {
		req.Close = true
	}

	p.req = nil
	p.st = stateRequestLine
	emit(req)
}
