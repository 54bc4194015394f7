// the I/O loop: accept, read, parse, dispatch, write, expire
package engine

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/s00inx/httpcore/internal/obs"
	"github.com/s00inx/httpcore/server/protocol"
)

const (
	listenBacklog = 128
	maxEvents     = 128
	readChunk     = 16 << 10

	// wait granularity bounds how late an idle sweep can run
	waitGranularity = 250 * time.Millisecond
)

// Options configure one Loop.
type Options struct {
	IdleTimeout time.Duration
	MaxBody     int
	TLSConfig   *tls.Config   // nil for plain HTTP
	AcceptLimit *rate.Limiter // nil for unlimited
	Logger      zerolog.Logger
	Metrics     *obs.Metrics
}

// Loop owns the listener, the poller, and the connection table. One Loop is
// one I/O thread: every conn in the table is mutated only here. Workers and
// TLS pumps reach it exclusively through the ready list + waker.
type Loop struct {
	opts   Options
	poller *Poller
	waker  *Waker
	pool   *Pool

	lfd            int
	listenerClosed bool
	conns          map[int]*conn
	pausedConns    map[int]*conn
	rbuf           []byte

	mu    sync.Mutex
	ready []int // fds with worker or TLS output pending

	stopFlag atomic.Bool
	done     chan struct{}
}

// NewLoop binds and listens on addr ("host:port", IPv4) and prepares the
// loop. Run starts serving.
func NewLoop(addr string, pool *Pool, opts Options) (*Loop, error) {
	if opts.Metrics == nil {
		opts.Metrics = obs.NewMetrics(nil)
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = protocol.DefaultMaxBody
	}

	lfd, err := listenSocket(addr)
	if err != nil {
		return nil, err
	}

	poller, err := NewPoller()
	if err != nil {
		unix.Close(lfd)
		return nil, err
	}
	waker, err := NewWaker()
	if err != nil {
		unix.Close(lfd)
		poller.Close()
		return nil, err
	}

	l := &Loop{
		opts:        opts,
		poller:      poller,
		waker:       waker,
		pool:        pool,
		lfd:         lfd,
		conns:       make(map[int]*conn),
		pausedConns: make(map[int]*conn),
		rbuf:        make([]byte, readChunk),
		done:        make(chan struct{}),
	}
	if err := poller.Register(lfd, Readable); err != nil {
		l.cleanup()
		return nil, err
	}
	if err := poller.Register(waker.FD(), Readable); err != nil {
		l.cleanup()
		return nil, err
	}
	return l, nil
}

// NotifyReady queues fd for servicing and interrupts the wait. Safe from
// any goroutine; this is the only cross-thread entry point into the loop.
func (l *Loop) NotifyReady(fd int) {
	l.mu.Lock()
	l.ready = append(l.ready, fd)
	l.mu.Unlock()
	l.waker.Wake()
}

// Addr returns the bound listen address, useful with port 0.
func (l *Loop) Addr() string {
	sa, err := unix.Getsockname(l.lfd)
	if err != nil {
		return ""
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		ip := net.IPv4(in4.Addr[0], in4.Addr[1], in4.Addr[2], in4.Addr[3])
		return net.JoinHostPort(ip.String(), strconv.Itoa(in4.Port))
	}
	return ""
}

// Run drives the loop until Stop. Each iteration: wait, accept/read/write,
// service worker and TLS completions, retry backpressured submissions,
// sweep idle deadlines.
func (l *Loop) Run() {
	defer close(l.done)
	defer l.cleanup()

	events := make([]Event, maxEvents)
	for {
		n, err := l.poller.Wait(events, waitGranularity)
		if err != nil {
			l.opts.Logger.Error().Err(err).Msg("poller wait")
			return
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			switch ev.FD {
			case l.waker.FD():
				l.waker.Drain()
			case l.lfd:
				if !l.listenerClosed {
					l.accept()
				}
			default:
				c := l.conns[ev.FD]
				if c == nil {
					continue
				}
				if ev.Ready&Errored != 0 {
					l.closeConn(c, "socket error")
					continue
				}
				if ev.Ready&Readable != 0 {
					l.readConn(c)
				}
				if c := l.conns[ev.FD]; c != nil && ev.Ready&Writable != 0 {
					l.tryWrite(c)
				}
			}
		}

		l.serviceReady()
		l.retryPending()
		l.sweepIdle()

		if l.stopFlag.Load() && l.shutdownTick() {
			return
		}
	}
}

// Stop shuts the loop down gracefully: the listener closes immediately,
// in-flight responses flush, then Run returns. Blocks until done.
func (l *Loop) Stop() {
	l.stopFlag.Store(true)
	l.waker.Wake()
	<-l.done
}

func (l *Loop) accept() {
	for {
		nfd, sa, err := unix.Accept4(l.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err != unix.EAGAIN {
				l.opts.Logger.Warn().Err(err).Msg("accept")
			}
			return
		}

		if lim := l.opts.AcceptLimit; lim != nil && !lim.Allow() {
			unix.Close(nfd)
			l.opts.Logger.Debug().Msg("accept rate exceeded, connection dropped")
			continue
		}

		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		c := &conn{
			fd:     nfd,
			id:     ulid.Make().String(),
			parser: protocol.NewParser(l.opts.MaxBody),
		}
		if l.opts.TLSConfig != nil {
			fd := nfd
			c.tls = NewTLSAdapter(l.opts.TLSConfig, func() { l.NotifyReady(fd) })
		}

		if err := l.poller.Register(nfd, Readable); err != nil {
			l.opts.Logger.Warn().Err(err).Msg("register connection")
			if c.tls != nil {
				c.tls.Close()
			}
			unix.Close(nfd)
			continue
		}
		c.touch(l.opts.IdleTimeout)
		l.conns[nfd] = c

		l.opts.Metrics.ConnsAccepted.Inc()
		l.opts.Logger.Debug().Str("conn", c.id).Str("peer", peerAddr(sa)).
			Bool("tls", c.tls != nil).Msg("connection accepted")
	}
}

// readConn drains the socket. Bytes go through the TLS adapter when one is
// attached, otherwise straight into the parser.
func (l *Loop) readConn(c *conn) {
	for {
		n, err := unix.Read(c.fd, l.rbuf)
		if n > 0 {
			c.touch(l.opts.IdleTimeout)
			if c.tls != nil {
				c.tls.FeedIncoming(l.rbuf[:n])
			} else if !l.feedParser(c, l.rbuf[:n]) {
				return
			}
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			l.closeConn(c, "read error")
			return
		}

		// n == 0: peer half-closed
		c.readClosed = true
		if c.tls != nil {
			// remaining plaintext and the parser EOF run there
			l.serviceConn(c)
			return
		}
		if !c.eofFed {
			c.eofFed = true
			if err := c.parser.CloseEOF(func(req *protocol.Request) { l.enqueue(c, req) }); err != nil {
				l.parseFailure(c, err)
				return
			}
		}
		if c.idle() {
			l.closeConn(c, "peer closed")
			return
		}
		l.updateInterest(c)
		return
	}

	if c.tls != nil {
		l.serviceConn(c)
	}
}

// feedParser pushes plaintext through the state machine. Returns false when
// the connection was torn down.
func (l *Loop) feedParser(c *conn, b []byte) bool {
	err := c.parser.Feed(b, func(req *protocol.Request) { l.enqueue(c, req) })
	if err != nil {
		l.parseFailure(c, err)
		return false
	}
	return true
}

// enqueue hands a parsed request to the pool, preserving pipeline order via
// the slot queue. Queue-full flips the connection into the paused set.
func (l *Loop) enqueue(c *conn, req *protocol.Request) {
	if c.closeAfterFlush || c.sawClose {
		return // already winding down, pipelined extras are dropped
	}
	c.sawClose = req.Close
	l.opts.Metrics.Requests.Inc()

	if c.paused || len(c.pending) > 0 {
		c.pending = append(c.pending, req)
		return
	}
	l.trySubmit(c, req)
}

func (l *Loop) trySubmit(c *conn, req *protocol.Request) {
	s := c.nextSlot()
	if err := l.pool.Submit(req, s, c.fd); err != nil {
		c.slots = c.slots[:len(c.slots)-1]
		c.pending = append(c.pending, req)
		l.pause(c)
	}
}

func (l *Loop) pause(c *conn) {
	if c.paused {
		return
	}
	c.paused = true
	l.pausedConns[c.fd] = c
	l.updateInterest(c)
	l.opts.Logger.Debug().Str("conn", c.id).Msg("reads paused, worker queue full")
}

// retryPending resubmits requests queued behind a full worker queue, oldest
// first, and resumes reads once a connection has drained its backlog.
func (l *Loop) retryPending() {
	for fd, c := range l.pausedConns {
		for len(c.pending) > 0 {
			req := c.pending[0]
			s := c.nextSlot()
			if err := l.pool.Submit(req, s, fd); err != nil {
				c.slots = c.slots[:len(c.slots)-1]
				break
			}
			c.pending = c.pending[1:]
		}
		if len(c.pending) == 0 {
			delete(l.pausedConns, fd)
			if c.failure != nil {
				// the held-back parse error answers last, reads stay off
				l.failNow(c, c.failure)
				continue
			}
			c.paused = false
			l.updateInterest(c)
		}
	}
}

// parseFailure answers 400 (413 for an oversized body) and closes once the
// response is flushed. The error response goes through the normal slot path
// so it lands behind earlier pipelined responses; requests still waiting in
// pending must get their slots first, so the failure is held until the
// backlog drains.
func (l *Loop) parseFailure(c *conn, err error) {
	l.opts.Metrics.ParseErrors.Inc()
	l.opts.Logger.Debug().Str("conn", c.id).Err(err).Msg("malformed request")

	c.paused = true // no more reads from this peer
	if len(c.pending) > 0 {
		c.failure = err
		l.pausedConns[c.fd] = c
		l.updateInterest(c)
		return
	}
	l.failNow(c, err)
}

func (l *Loop) failNow(c *conn, err error) {
	code := 400
	if errors.Is(err, protocol.ErrBodyTooLarge) {
		code = 413
	}
	res := &protocol.Response{
		Code: code,
		Body: []byte(fmt.Sprintf("%d %s\n", code, protocol.StatusText(code))),
	}
	res.SetHeader("Content-Type", "text/plain; charset=utf-8")
	res.SetHeader("Connection", "close")

	s := c.nextSlot()
	s.fill(protocol.AppendResponse(nil, "HTTP/1.1", res, false), true)
	l.flushConn(c)
}

// serviceReady drains the cross-thread ready list: worker completions and
// TLS pump output. Entries for fds that died meanwhile are dropped.
func (l *Loop) serviceReady() {
	l.mu.Lock()
	ready := l.ready
	l.ready = nil
	l.mu.Unlock()

	for _, fd := range ready {
		if c := l.conns[fd]; c != nil {
			l.serviceConn(c)
		}
	}
}

func (l *Loop) serviceConn(c *conn) {
	if c.tls != nil {
		if c.tls.State() == TLSFailed {
			l.opts.Metrics.TLSFailures.Inc()
			l.opts.Logger.Debug().Str("conn", c.id).Err(c.tls.Err()).Msg("tls failure")
			l.closeConn(c, "tls failure")
			return
		}

		// handshake flights and wrapped data owed to the peer
		c.wbuf = append(c.wbuf, c.tls.CipherOut()...)

		if pt := c.tls.Plaintext(); len(pt) > 0 && !c.closeAfterFlush {
			if !l.feedParser(c, pt) {
				return
			}
		}

		// close_notify or a peer FIN ends the stream for the parser the same
		// way a plain half-close does, after the plaintext above is drained
		if (c.tls.State() == TLSClosed || c.readClosed) && !c.eofFed {
			c.eofFed = true
			if err := c.parser.CloseEOF(func(req *protocol.Request) { l.enqueue(c, req) }); err != nil {
				l.parseFailure(c, err)
				return
			}
		}
		if c.tls.State() == TLSClosed && c.idle() {
			l.closeConn(c, "tls closed")
			return
		}
	}

	l.flushConn(c)
}

// flushConn moves filled slots into the write buffer (through the TLS
// record layer when active) and writes as much as the socket takes.
func (l *Loop) flushConn(c *conn) {
	var wrap func([]byte) ([]byte, error)
	if c.tls != nil {
		wrap = c.tls.WrapOutgoing
	}
	if _, err := c.popReady(wrap); err != nil {
		l.opts.Metrics.TLSFailures.Inc()
		l.closeConn(c, "tls wrap failure")
		return
	}
	l.tryWrite(c)
}

func (l *Loop) tryWrite(c *conn) {
	for len(c.wbuf) > 0 {
		n, err := unix.Write(c.fd, c.wbuf)
		if n > 0 {
			c.wbuf = c.wbuf[n:]
			c.touch(l.opts.IdleTimeout)
		}
		if err == unix.EAGAIN {
			break
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			l.closeConn(c, "write error")
			return
		}
	}

	if len(c.wbuf) == 0 {
		c.wbuf = c.wbuf[:0]
		if c.closeAfterFlush && len(c.slots) == 0 {
			l.closeConn(c, "close requested")
			return
		}
		if c.readClosed && c.idle() {
			l.closeConn(c, "peer closed")
			return
		}
	}
	l.updateInterest(c)
}

// updateInterest recomputes the poller interest from connection state:
// readable unless paused or half-closed, writable while output is buffered.
func (l *Loop) updateInterest(c *conn) {
	var r Readiness
	if !c.paused && !c.readClosed {
		r |= Readable
	}
	if len(c.wbuf) > 0 {
		r |= Writable
	}
	if cur, ok := l.poller.Interest(c.fd); ok && cur != r {
		if err := l.poller.Modify(c.fd, r); err != nil {
			l.closeConn(c, "poller modify failed")
		}
	}
}

func (l *Loop) sweepIdle() {
	if l.opts.IdleTimeout <= 0 {
		return
	}
	now := time.Now()
	for _, c := range l.conns {
		if !now.After(c.deadline) {
			continue
		}
		if len(c.slots) > 0 || len(c.pending) > 0 {
			// a worker still owes this connection a response; the deadline
			// restarts once it flushes
			c.touch(l.opts.IdleTimeout)
			continue
		}
		l.opts.Metrics.IdleTimeouts.Inc()
		l.closeConn(c, "idle timeout")
	}
}

// closeConn tears the connection down: deregister, close, drop from the
// table. Slots a worker fills later are delivered to a dead fd and ignored.
func (l *Loop) closeConn(c *conn, reason string) {
	if c.tls != nil {
		c.tls.Close()
		c.wbuf = append(c.wbuf, c.tls.CipherOut()...)
		if len(c.wbuf) > 0 {
			// best effort close_notify, the socket may not take it
			_, _ = unix.Write(c.fd, c.wbuf)
		}
	}
	if err := l.poller.Deregister(c.fd); err != nil {
		l.opts.Logger.Warn().Str("conn", c.id).Err(err).Msg("deregister")
	}
	unix.Close(c.fd)
	delete(l.conns, c.fd)
	delete(l.pausedConns, c.fd)
	l.opts.Metrics.ConnsClosed.Inc()
	l.opts.Logger.Debug().Str("conn", c.id).Str("reason", reason).Msg("connection closed")
}

// shutdownTick runs while stopping: closes the listener once, reaps idle
// connections, and reports whether the table is empty.
func (l *Loop) shutdownTick() bool {
	if !l.listenerClosed {
		if err := l.poller.Deregister(l.lfd); err == nil {
			unix.Close(l.lfd)
		}
		l.listenerClosed = true
	}
	for _, c := range l.conns {
		if c.idle() {
			l.closeConn(c, "server stopping")
		}
	}
	return len(l.conns) == 0
}

func (l *Loop) cleanup() {
	for _, c := range l.conns {
		l.closeConn(c, "loop exit")
	}
	if !l.listenerClosed {
		unix.Close(l.lfd)
		l.listenerClosed = true
	}
	l.waker.Close()
	l.poller.Close()
}

func listenSocket(addr string) (int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, fmt.Errorf("engine: bad listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return -1, fmt.Errorf("engine: bad listen port %q", portStr)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return -1, fmt.Errorf("engine: listen address %q is not IPv4", host)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func peerAddr(sa unix.Sockaddr) string {
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		ip := net.IPv4(in4.Addr[0], in4.Addr[1], in4.Addr[2], in4.Addr[3])
		return net.JoinHostPort(ip.String(), strconv.Itoa(in4.Port))
	}
	return "unknown"
}
