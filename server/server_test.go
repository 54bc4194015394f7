package server

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/s00inx/httpcore/internal/obs"
)

func startServer(t *testing.T, cfg Config, register func(*Server)) *Server {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	s := New(cfg, obs.Nop(), nil)
	if register != nil {
		register(s)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Stop)
	return s
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	c.SetDeadline(time.Now().Add(5 * time.Second))
	return c
}

// readResponse parses one response off the stream and drains its body.
func readResponse(t *testing.T, br *bufio.Reader, method string) (*http.Response, string) {
	t.Helper()
	res, err := http.ReadResponse(br, &http.Request{Method: method})
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, string(body)
}

func registerHello(s *Server) {
	s.GET("/hello", func(req *Request) *Response {
		return &Response{Code: 200, Body: []byte("hi")}
	})
}

func registerEcho(s *Server) {
	s.POST("/echo", func(req *Request) *Response {
		return &Response{Code: 200, Body: append([]byte(nil), req.Body...)}
	})
}

func TestServeBasic(t *testing.T) {
	s := startServer(t, Config{}, registerHello)
	c := dial(t, s)
	br := bufio.NewReader(c)

	fmt.Fprintf(c, "GET /hello HTTP/1.1\r\nHost: test\r\n\r\n")
	res, body := readResponse(t, br, "GET")
	if res.StatusCode != 200 || body != "hi" {
		t.Fatalf("got %d %q", res.StatusCode, body)
	}
	if res.Header.Get("Server") == "" || res.Header.Get("Date") == "" {
		t.Errorf("missing Server/Date headers: %v", res.Header)
	}
}

func TestRouteParams(t *testing.T) {
	s := startServer(t, Config{}, func(s *Server) {
		s.GET("/users/:id", func(req *Request) *Response {
			return &Response{Code: 200, Body: []byte("user=" + req.Param("id"))}
		})
		s.GET("/users/new", func(req *Request) *Response {
			return &Response{Code: 200, Body: []byte("form")}
		})
	})
	c := dial(t, s)
	br := bufio.NewReader(c)

	fmt.Fprintf(c, "GET /users/42 HTTP/1.1\r\nHost: t\r\n\r\n")
	if _, body := readResponse(t, br, "GET"); body != "user=42" {
		t.Errorf("param body = %q", body)
	}

	// literal beats param
	fmt.Fprintf(c, "GET /users/new HTTP/1.1\r\nHost: t\r\n\r\n")
	if _, body := readResponse(t, br, "GET"); body != "form" {
		t.Errorf("literal body = %q", body)
	}
}

func TestNotFoundKeepsConnectionOpen(t *testing.T) {
	s := startServer(t, Config{}, registerHello)
	c := dial(t, s)
	br := bufio.NewReader(c)

	fmt.Fprintf(c, "GET /nope HTTP/1.1\r\nHost: t\r\n\r\n")
	res, _ := readResponse(t, br, "GET")
	if res.StatusCode != 404 {
		t.Fatalf("status = %d", res.StatusCode)
	}

	// the same connection still serves
	fmt.Fprintf(c, "GET /hello HTTP/1.1\r\nHost: t\r\n\r\n")
	if res, _ := readResponse(t, br, "GET"); res.StatusCode != 200 {
		t.Errorf("followup status = %d", res.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := startServer(t, Config{}, func(s *Server) {
		registerHello(s)
		s.DELETE("/hello", func(req *Request) *Response { return &Response{Code: 204} })
	})
	c := dial(t, s)
	br := bufio.NewReader(c)

	fmt.Fprintf(c, "PUT /hello HTTP/1.1\r\nHost: t\r\nContent-Length: 0\r\n\r\n")
	res, _ := readResponse(t, br, "PUT")
	if res.StatusCode != 405 {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if allow := res.Header.Get("Allow"); allow != "DELETE, GET" {
		t.Errorf("Allow = %q", allow)
	}
}

func TestPipelinedResponsesKeepOrder(t *testing.T) {
	s := startServer(t, Config{Workers: 4}, func(s *Server) {
		s.GET("/slow", func(req *Request) *Response {
			time.Sleep(100 * time.Millisecond)
			return &Response{Code: 200, Body: []byte("slow")}
		})
		s.GET("/fast", func(req *Request) *Response {
			return &Response{Code: 200, Body: []byte("fast")}
		})
	})
	c := dial(t, s)
	br := bufio.NewReader(c)

	// both requests in one write; the fast handler finishes first but its
	// response must wait behind the slow one
	fmt.Fprintf(c, "GET /slow HTTP/1.1\r\nHost: t\r\n\r\nGET /fast HTTP/1.1\r\nHost: t\r\n\r\n")

	if _, body := readResponse(t, br, "GET"); body != "slow" {
		t.Fatalf("first body = %q, want slow", body)
	}
	if _, body := readResponse(t, br, "GET"); body != "fast" {
		t.Fatalf("second body = %q, want fast", body)
	}
}

func TestConnectionClose(t *testing.T) {
	s := startServer(t, Config{}, registerHello)
	c := dial(t, s)
	br := bufio.NewReader(c)

	fmt.Fprintf(c, "GET /hello HTTP/1.1\r\nHost: t\r\nConnection: close\r\n\r\n")
	res, body := readResponse(t, br, "GET")
	if res.StatusCode != 200 || body != "hi" {
		t.Fatalf("got %d %q", res.StatusCode, body)
	}
	if got := res.Header.Get("Connection"); !strings.EqualFold(got, "close") {
		t.Errorf("Connection = %q", got)
	}
	if _, err := br.ReadByte(); err != io.EOF {
		t.Errorf("connection not closed: %v", err)
	}
}

func TestHTTP10Semantics(t *testing.T) {
	s := startServer(t, Config{}, registerHello)

	// default: close after the response
	c := dial(t, s)
	br := bufio.NewReader(c)
	fmt.Fprintf(c, "GET /hello HTTP/1.0\r\n\r\n")
	res, body := readResponse(t, br, "GET")
	if res.StatusCode != 200 || body != "hi" {
		t.Fatalf("got %d %q", res.StatusCode, body)
	}
	if _, err := br.ReadByte(); err != io.EOF {
		t.Errorf("1.0 connection not closed: %v", err)
	}

	// explicit keep-alive holds the connection
	c2 := dial(t, s)
	br2 := bufio.NewReader(c2)
	fmt.Fprintf(c2, "GET /hello HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
	res2, _ := readResponse(t, br2, "GET")
	if got := res2.Header.Get("Connection"); !strings.EqualFold(got, "keep-alive") {
		t.Errorf("Connection = %q", got)
	}
	fmt.Fprintf(c2, "GET /hello HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
	if res3, _ := readResponse(t, br2, "GET"); res3.StatusCode != 200 {
		t.Errorf("second 1.0 request: %d", res3.StatusCode)
	}
}

func TestHeadSuppressesBody(t *testing.T) {
	s := startServer(t, Config{}, registerHello)
	c := dial(t, s)
	br := bufio.NewReader(c)

	fmt.Fprintf(c, "HEAD /hello HTTP/1.1\r\nHost: t\r\n\r\n")
	res, body := readResponse(t, br, "HEAD")
	if res.StatusCode != 200 {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if body != "" {
		t.Errorf("HEAD carried a body: %q", body)
	}
	if res.ContentLength != 2 {
		t.Errorf("Content-Length = %d, want the GET body length", res.ContentLength)
	}

	// nothing extra on the wire: a second request parses cleanly
	fmt.Fprintf(c, "GET /hello HTTP/1.1\r\nHost: t\r\n\r\n")
	if _, body := readResponse(t, br, "GET"); body != "hi" {
		t.Errorf("followup body = %q", body)
	}
}

func TestHTTP10UntilCloseBody(t *testing.T) {
	s := startServer(t, Config{}, registerEcho)
	c := dial(t, s)
	br := bufio.NewReader(c)

	fmt.Fprintf(c, "POST /echo HTTP/1.0\r\n\r\nstream tail")
	if err := c.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}

	res, body := readResponse(t, br, "POST")
	if res.StatusCode != 200 || body != "stream tail" {
		t.Fatalf("got %d %q", res.StatusCode, body)
	}
	if _, err := br.ReadByte(); err != io.EOF {
		t.Errorf("until-close exchange must end the connection: %v", err)
	}
}

func TestHTTP10UntilCloseBodyOverTLS(t *testing.T) {
	certFile, keyFile := writeCertFiles(t)
	s := startServer(t, Config{TLS: &TLSConfig{CertFile: certFile, KeyFile: keyFile}}, registerEcho)

	c, err := tls.Dial("tcp", s.Addr(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(c)

	fmt.Fprintf(c, "POST /echo HTTP/1.0\r\n\r\nstream tail")
	// close_notify ends the body just like a plain half-close
	if err := c.CloseWrite(); err != nil {
		t.Fatal(err)
	}

	res, body := readResponse(t, br, "POST")
	if res.StatusCode != 200 || body != "stream tail" {
		t.Fatalf("got %d %q", res.StatusCode, body)
	}
}

func TestChunkedRequestBody(t *testing.T) {
	s := startServer(t, Config{}, registerEcho)
	c := dial(t, s)
	br := bufio.NewReader(c)

	fmt.Fprintf(c, "POST /echo HTTP/1.1\r\nHost: t\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")
	res, body := readResponse(t, br, "POST")
	if res.StatusCode != 200 || body != "hello world" {
		t.Fatalf("got %d %q", res.StatusCode, body)
	}
}

func TestMalformedRequestGets400(t *testing.T) {
	s := startServer(t, Config{}, registerHello)
	c := dial(t, s)
	br := bufio.NewReader(c)

	fmt.Fprintf(c, "NOT A REQUEST\r\n\r\n")
	res, _ := readResponse(t, br, "GET")
	if res.StatusCode != 400 {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if got := res.Header.Get("Connection"); !strings.EqualFold(got, "close") {
		t.Errorf("Connection = %q", got)
	}
	if _, err := br.ReadByte(); err != io.EOF {
		t.Errorf("connection survived a parse error: %v", err)
	}
}

func TestOversizedBodyGets413(t *testing.T) {
	s := startServer(t, Config{MaxBodyBytes: 64}, func(s *Server) {
		s.POST("/echo", func(req *Request) *Response { return &Response{Code: 200} })
	})
	c := dial(t, s)
	br := bufio.NewReader(c)

	fmt.Fprintf(c, "POST /echo HTTP/1.1\r\nHost: t\r\nContent-Length: 100000\r\n\r\n")
	fmt.Fprint(c, strings.Repeat("x", 1024))
	res, _ := readResponse(t, br, "POST")
	if res.StatusCode != 413 {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

// a malformed request behind queued-up work must not jump the queue: every
// well-formed request answers first, the 400 comes last
func TestParseErrorAnswersAfterBacklog(t *testing.T) {
	gate := make(chan struct{})
	s := startServer(t, Config{Workers: 1, QueueDepth: 1}, func(s *Server) {
		s.GET("/wait/:i", func(req *Request) *Response {
			<-gate
			return &Response{Code: 200, Body: []byte(req.Param("i"))}
		})
	})
	c := dial(t, s)
	br := bufio.NewReader(c)

	var reqs strings.Builder
	for i := 0; i < 3; i++ {
		fmt.Fprintf(&reqs, "GET /wait/%d HTTP/1.1\r\nHost: t\r\n\r\n", i)
	}
	reqs.WriteString("BREW /pot HTTP/1.1\r\n\r\n")
	if _, err := c.Write([]byte(reqs.String())); err != nil {
		t.Fatal(err)
	}

	// let the server ingest the whole pipeline before the worker moves
	time.Sleep(100 * time.Millisecond)
	close(gate)

	for i := 0; i < 3; i++ {
		res, body := readResponse(t, br, "GET")
		if res.StatusCode != 200 || body != fmt.Sprintf("%d", i) {
			t.Fatalf("response %d: %d %q", i, res.StatusCode, body)
		}
	}
	res, _ := readResponse(t, br, "GET")
	if res.StatusCode != 400 {
		t.Fatalf("final status = %d, want 400", res.StatusCode)
	}
	if _, err := br.ReadByte(); err != io.EOF {
		t.Errorf("connection survived the parse error: %v", err)
	}
}

func TestIdleTimeout(t *testing.T) {
	s := startServer(t, Config{IdleTimeout: Duration(200 * time.Millisecond)}, registerHello)
	c := dial(t, s)

	buf := make([]byte, 1)
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := c.Read(buf); err != io.EOF {
		t.Errorf("idle connection not closed: %v", err)
	}
}

func TestIdleTimeoutSparesInFlightWork(t *testing.T) {
	s := startServer(t, Config{IdleTimeout: Duration(150 * time.Millisecond)}, func(s *Server) {
		s.GET("/slow", func(req *Request) *Response {
			time.Sleep(500 * time.Millisecond)
			return &Response{Code: 200, Body: []byte("late")}
		})
	})
	c := dial(t, s)
	br := bufio.NewReader(c)

	// the handler outlives the idle deadline; the sweep must wait for it
	fmt.Fprintf(c, "GET /slow HTTP/1.1\r\nHost: t\r\n\r\n")
	res, body := readResponse(t, br, "GET")
	if res.StatusCode != 200 || body != "late" {
		t.Fatalf("got %d %q", res.StatusCode, body)
	}
}

func TestBackpressureStillAnswersEverything(t *testing.T) {
	s := startServer(t, Config{Workers: 1, QueueDepth: 1}, func(s *Server) {
		s.GET("/n/:i", func(req *Request) *Response {
			time.Sleep(5 * time.Millisecond)
			return &Response{Code: 200, Body: []byte(req.Param("i"))}
		})
	})
	c := dial(t, s)
	br := bufio.NewReader(c)

	const n = 8
	var reqs strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&reqs, "GET /n/%d HTTP/1.1\r\nHost: t\r\n\r\n", i)
	}
	if _, err := c.Write([]byte(reqs.String())); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		_, body := readResponse(t, br, "GET")
		if body != fmt.Sprintf("%d", i) {
			t.Fatalf("response %d body = %q", i, body)
		}
	}
}

func TestHandlerPanicAnswers500(t *testing.T) {
	s := startServer(t, Config{}, func(s *Server) {
		registerHello(s)
		s.GET("/boom", func(req *Request) *Response { panic("kaboom") })
	})
	c := dial(t, s)
	br := bufio.NewReader(c)

	fmt.Fprintf(c, "GET /boom HTTP/1.1\r\nHost: t\r\n\r\n")
	res, _ := readResponse(t, br, "GET")
	if res.StatusCode != 500 {
		t.Fatalf("status = %d", res.StatusCode)
	}

	fmt.Fprintf(c, "GET /hello HTTP/1.1\r\nHost: t\r\n\r\n")
	if res, _ := readResponse(t, br, "GET"); res.StatusCode != 200 {
		t.Errorf("post-panic status = %d", res.StatusCode)
	}
}

func TestQueryStringSplit(t *testing.T) {
	s := startServer(t, Config{}, func(s *Server) {
		s.GET("/search", func(req *Request) *Response {
			return &Response{Code: 200, Body: []byte(req.RawQuery)}
		})
	})
	c := dial(t, s)
	br := bufio.NewReader(c)

	fmt.Fprintf(c, "GET /search?q=go&page=2 HTTP/1.1\r\nHost: t\r\n\r\n")
	if _, body := readResponse(t, br, "GET"); body != "q=go&page=2" {
		t.Errorf("raw query = %q", body)
	}
}

func TestStopRefusesNewConnections(t *testing.T) {
	s := startServer(t, Config{}, registerHello)
	addr := s.Addr()
	s.Stop()

	if _, err := net.DialTimeout("tcp", addr, 500*time.Millisecond); err == nil {
		t.Error("dial succeeded after Stop")
	}
	if err := s.Start(); err == nil {
		// restart support is out of scope, but Stop twice must not panic
		s.Stop()
	}
	s.Stop()
}

// --- TLS ---

func genCertPEM(t *testing.T, serial int64) (certPem, keyPem []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDer, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	certPem = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPem = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDer})
	return certPem, keyPem
}

func writeCertFiles(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	certPem, keyPem := genCertPEM(t, 1)
	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, certPem, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPem, 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestTLSEndToEnd(t *testing.T) {
	certFile, keyFile := writeCertFiles(t)
	s := startServer(t, Config{TLS: &TLSConfig{CertFile: certFile, KeyFile: keyFile}}, registerHello)

	c, err := tls.Dial("tcp", s.Addr(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(c)

	fmt.Fprintf(c, "GET /hello HTTP/1.1\r\nHost: localhost\r\n\r\n")
	res, body := readResponse(t, br, "GET")
	if res.StatusCode != 200 || body != "hi" {
		t.Fatalf("got %d %q", res.StatusCode, body)
	}

	// keep-alive works over TLS too
	fmt.Fprintf(c, "GET /hello HTTP/1.1\r\nHost: localhost\r\n\r\n")
	if res, _ := readResponse(t, br, "GET"); res.StatusCode != 200 {
		t.Errorf("second tls request: %d", res.StatusCode)
	}
}

func TestTLSRejectsPlaintextClient(t *testing.T) {
	certFile, keyFile := writeCertFiles(t)
	s := startServer(t, Config{TLS: &TLSConfig{CertFile: certFile, KeyFile: keyFile}}, registerHello)

	c := dial(t, s)
	fmt.Fprintf(c, "GET /hello HTTP/1.1\r\nHost: t\r\n\r\n")

	buf := make([]byte, 1)
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := c.Read(buf); err != io.EOF {
		t.Errorf("plaintext client not dropped: %v", err)
	}
}
