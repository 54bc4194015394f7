// Package server ties the pieces together: router, worker pool, I/O loop.
//
// A Server owns one event loop thread and a fixed worker pool. Handlers run
// on workers and return plain Response values; the loop keeps pipelined
// responses in request order and handles all socket and TLS traffic.
package server

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/s00inx/httpcore/internal/obs"
	"github.com/s00inx/httpcore/server/engine"
	"github.com/s00inx/httpcore/server/protocol"
	"github.com/s00inx/httpcore/server/router"
)

const serverToken = "httpcore"

// wire format for the Date header
const httpTimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// Request and Response are re-exported so embedding applications only
// import this package.
type (
	Request  = protocol.Request
	Response = protocol.Response
	Handler  = router.Handler
)

var ErrAlreadyRunning = errors.New("server: already running")

// Server is an embeddable HTTP/HTTPS server. Register routes, then Start.
type Server struct {
	cfg     Config
	log     zerolog.Logger
	metrics *obs.Metrics
	router  *router.Router

	pool  *engine.Pool
	loop  atomic.Pointer[engine.Loop]
	certs *certStore

	running atomic.Bool
	runDone chan struct{}
}

// New builds a stopped server. log may be obs.Nop(); reg may be nil to keep
// metrics off any registry.
func New(cfg Config, log zerolog.Logger, reg prometheus.Registerer) *Server {
	return &Server{
		cfg:     cfg.withDefaults(),
		log:     log,
		metrics: obs.NewMetrics(reg),
		router:  router.New(),
	}
}

// Handle registers a route. Patterns mix literal and :param segments:
//
//	s.Handle("GET", "/users/:id", showUser)
//
// Registration is not safe concurrently with Start.
func (s *Server) Handle(method, pattern string, h Handler) error {
	return s.router.Register(method, pattern, h)
}

func (s *Server) GET(pattern string, h Handler) error    { return s.Handle("GET", pattern, h) }
func (s *Server) POST(pattern string, h Handler) error   { return s.Handle("POST", pattern, h) }
func (s *Server) PUT(pattern string, h Handler) error    { return s.Handle("PUT", pattern, h) }
func (s *Server) PATCH(pattern string, h Handler) error  { return s.Handle("PATCH", pattern, h) }
func (s *Server) DELETE(pattern string, h Handler) error { return s.Handle("DELETE", pattern, h) }

// Start binds the listener and launches the loop and workers. It returns
// once the server is accepting connections.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if err := s.cfg.Validate(); err != nil {
		s.running.Store(false)
		return err
	}

	opts := engine.Options{
		IdleTimeout: s.cfg.IdleTimeout.Std(),
		MaxBody:     s.cfg.MaxBodyBytes,
		Logger:      s.log,
		Metrics:     s.metrics,
	}
	if s.cfg.AcceptRate > 0 {
		opts.AcceptLimit = rate.NewLimiter(rate.Limit(s.cfg.AcceptRate), s.cfg.AcceptBurst)
	}
	if s.cfg.TLS != nil {
		certs, err := newCertStore(s.cfg.TLS, s.log)
		if err != nil {
			s.running.Store(false)
			return err
		}
		s.certs = certs
		opts.TLSConfig = certs.tlsConfig()
	}

	// workers complete before the loop pointer could ever be nil: jobs only
	// flow after the loop below is stored and running
	pool := engine.NewPool(s.cfg.Workers, s.cfg.QueueDepth, s.serve, func(fd int) {
		if l := s.loop.Load(); l != nil {
			l.NotifyReady(fd)
		}
	}, s.log, s.metrics)

	loop, err := engine.NewLoop(s.cfg.Addr, pool, opts)
	if err != nil {
		if s.certs != nil {
			s.certs.Close()
			s.certs = nil
		}
		s.running.Store(false)
		return err
	}
	s.pool = pool
	s.loop.Store(loop)
	s.runDone = make(chan struct{})

	pool.Start()
	go func() {
		defer close(s.runDone)
		loop.Run()
	}()

	s.log.Info().Str("addr", loop.Addr()).Bool("tls", s.cfg.TLS != nil).
		Int("workers", s.cfg.Workers).Msg("server started")
	return nil
}

// Addr returns the bound listen address, or "" before Start. With ":0" in
// the config this is how tests learn the real port.
func (s *Server) Addr() string {
	if l := s.loop.Load(); l != nil {
		return l.Addr()
	}
	return ""
}

// Stop shuts down gracefully: the listener closes, in-flight responses
// flush, workers drain, then Stop returns.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	if l := s.loop.Load(); l != nil {
		l.Stop()
		<-s.runDone
	}
	s.pool.Stop()
	if s.certs != nil {
		s.certs.Close()
		s.certs = nil
	}
	s.log.Info().Msg("server stopped")
}

// serve runs on a worker: resolve, invoke, finalize, serialize.
func (s *Server) serve(req *protocol.Request) ([]byte, bool) {
	var res *protocol.Response

	h, params, err := s.router.Resolve(req.Method, req.Path)
	if err != nil && req.Method == "HEAD" {
		// HEAD is answered by the GET route unless registered explicitly
		h, params, err = s.router.Resolve("GET", req.Path)
	}
	switch {
	case err == nil:
		req.Params = params
		res = s.invoke(h, req)
	case errors.Is(err, router.ErrMethodNotAllowed):
		res = errorResponse(405)
		res.SetHeader("Allow", strings.Join(s.router.Allowed(req.Path), ", "))
	default:
		res = errorResponse(404)
	}

	s.finalize(req, res)
	s.metrics.ObserveResponse(res.Code)

	headOnly := req.Method == "HEAD"
	return protocol.AppendResponse(nil, req.Proto, res, headOnly), req.Close
}

// invoke isolates the handler call so a panic converts to a 500 without
// losing the worker. The pool has its own recover as a second line.
func (s *Server) invoke(h Handler, req *protocol.Request) (res *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("method", req.Method).Str("path", req.Path).
				Interface("panic", r).Msg("handler panic")
			res = errorResponse(500)
		}
	}()
	res = h(req)
	if res == nil {
		res = errorResponse(500)
	}
	return res
}

// finalize stamps the headers every response carries unless the handler
// already set them, and pins the connection semantics to the request's.
func (s *Server) finalize(req *protocol.Request, res *protocol.Response) {
	if !res.Headers.Has("Date") {
		res.SetHeader("Date", time.Now().UTC().Format(httpTimeFormat))
	}
	if !res.Headers.Has("Server") {
		res.SetHeader("Server", serverToken)
	}
	if req.Close {
		res.SetHeader("Connection", "close")
	} else if req.Proto == "HTTP/1.0" {
		res.SetHeader("Connection", "keep-alive")
	}
}

func errorResponse(code int) *protocol.Response {
	res := &protocol.Response{
		Code: code,
		Body: []byte(fmt.Sprintf("%d %s\n", code, protocol.StatusText(code))),
	}
	res.SetHeader("Content-Type", "text/plain; charset=utf-8")
	return res
}
