// TLS record adapter: moves ciphertext/plaintext buffers, no HTTP knowledge
package engine

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTLSFailed marks handshake or record failures; connection-fatal, closed
// without an HTTP response.
var ErrTLSFailed = errors.New("engine: tls failure")

type TLSState int32

const (
	TLSHandshaking TLSState = iota
	TLSEstablished
	TLSClosing
	TLSClosed
	TLSFailed
)

func (s TLSState) String() string {
	switch s {
	case TLSHandshaking:
		return "handshaking"
	case TLSEstablished:
		return "established"
	case TLSClosing:
		return "closing"
	case TLSClosed:
		return "closed"
	case TLSFailed:
		return "failed"
	}
	return "unknown"
}

// TLSAdapter terminates TLS for one connection. The loop feeds raw socket
// bytes in and drains ciphertext out; decrypted plaintext comes back through
// Plaintext after a wake. crypto/tls has no resumable handshake API, so the
// tls.Conn runs over an in-memory duplex serviced by one pump goroutine;
// the loop itself never blocks on TLS.
type TLSAdapter struct {
	conn   *tls.Conn
	mem    *memConn
	state  atomic.Int32
	notify func()

	mu    sync.Mutex
	plain []byte
	err   error
}

// NewTLSAdapter starts the handshake pump. notify must be safe to call from
// any goroutine; it is invoked whenever ciphertext or plaintext becomes
// available for the loop.
func NewTLSAdapter(cfg *tls.Config, notify func()) *TLSAdapter {
	a := &TLSAdapter{notify: notify}
	a.mem = newMemConn(notify)
	a.conn = tls.Server(a.mem, cfg)
	go a.pump()
	return a
}

func (a *TLSAdapter) State() TLSState {
	return TLSState(a.state.Load())
}

// Err returns the failure that moved the adapter to TLSFailed.
func (a *TLSAdapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// FeedIncoming hands ciphertext read from the socket to the record layer.
// Never blocks and never yields plaintext directly; while the handshake is
// in progress the bytes only advance the handshake.
func (a *TLSAdapter) FeedIncoming(b []byte) {
	a.mem.feed(b)
}

// Plaintext drains decrypted bytes accumulated since the last call.
func (a *TLSAdapter) Plaintext() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.plain
	a.plain = nil
	return p
}

// CipherOut drains ciphertext owed to the peer: handshake flights, wrapped
// application data, close alerts.
func (a *TLSAdapter) CipherOut() []byte {
	return a.mem.takeOut()
}

// WrapOutgoing encrypts plaintext and returns the ciphertext to write. Valid
// once established, including after the peer half-closed with close_notify
// (the write direction stays open until our own Close).
func (a *TLSAdapter) WrapOutgoing(p []byte) ([]byte, error) {
	switch a.State() {
	case TLSEstablished, TLSClosed:
	default:
		return nil, ErrTLSFailed
	}
	if _, err := a.conn.Write(p); err != nil {
		a.fail(err)
		return nil, ErrTLSFailed
	}
	return a.mem.takeOut(), nil
}

// Close sends close_notify and shuts the pump down. Remaining ciphertext is
// still available via CipherOut for a final flush.
func (a *TLSAdapter) Close() {
	if a.State() != TLSFailed {
		a.state.Store(int32(TLSClosing))
		_ = a.conn.Close() // queues the alert into the out buffer
		a.state.Store(int32(TLSClosed))
	}
	a.mem.close()
}

func (a *TLSAdapter) fail(err error) {
	a.mu.Lock()
	if a.err == nil {
		a.err = err
	}
	a.mu.Unlock()
	a.state.Store(int32(TLSFailed))
}

// pump owns the blocking side of the tls.Conn: it completes the handshake,
// then moves decrypted records into the plain buffer until the connection
// winds down.
func (a *TLSAdapter) pump() {
	if err := a.conn.Handshake(); err != nil {
		if a.State() == TLSHandshaking {
			a.fail(err)
			a.notify()
		}
		return
	}
	a.state.CompareAndSwap(int32(TLSHandshaking), int32(TLSEstablished))
	a.notify()

	buf := make([]byte, 16<<10)
	for {
		n, err := a.conn.Read(buf)
		if n > 0 {
			a.mu.Lock()
			a.plain = append(a.plain, buf[:n]...)
			a.mu.Unlock()
			a.notify()
		}
		if err != nil {
			switch a.State() {
			case TLSClosing, TLSClosed:
			default:
				if err != io.EOF {
					a.fail(err)
				} else {
					a.state.Store(int32(TLSClosed))
				}
				a.notify()
			}
			return
		}
	}
}

// memConn is the in-memory net.Conn under the tls.Conn. Read blocks the
// pump until the loop feeds ciphertext; Write collects outgoing ciphertext
// for the loop to drain.
type memConn struct {
	mu      sync.Mutex
	cond    *sync.Cond
	in      []byte
	out     []byte
	closed  bool
	onWrite func()
}

func newMemConn(onWrite func()) *memConn {
	m := &memConn{onWrite: onWrite}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *memConn) feed(b []byte) {
	m.mu.Lock()
	m.in = append(m.in, b...)
	m.mu.Unlock()
	m.cond.Signal()
}

func (m *memConn) takeOut() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.out
	m.out = nil
	return out
}

func (m *memConn) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()
}

func (m *memConn) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.in) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.in) == 0 {
		return 0, io.EOF
	}
	n := copy(b, m.in)
	m.in = m.in[n:]
	return n, nil
}

func (m *memConn) Write(b []byte) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, net.ErrClosed
	}
	m.out = append(m.out, b...)
	notify := m.onWrite
	m.mu.Unlock()
	if notify != nil {
		notify()
	}
	return len(b), nil
}

func (m *memConn) Close() error {
	m.close()
	return nil
}

type memAddr struct{}

func (memAddr) Network() string { return "mem" }
func (memAddr) String() string  { return "mem" }

func (m *memConn) LocalAddr() net.Addr              { return memAddr{} }
func (m *memConn) RemoteAddr() net.Addr             { return memAddr{} }
func (m *memConn) SetDeadline(time.Time) error      { return nil }
func (m *memConn) SetReadDeadline(time.Time) error  { return nil }
func (m *memConn) SetWriteDeadline(time.Time) error { return nil }
