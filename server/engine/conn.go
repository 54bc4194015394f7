// per-connection state, owned exclusively by the loop thread
package engine

import (
	"sync/atomic"
	"time"

	"github.com/s00inx/httpcore/server/protocol"
)

// slot is one pipelined response position. The loop creates it in request
// arrival order; exactly one worker fills it, then the loop flushes filled
// slots strictly from the front of the queue. data is published via the
// done flag (atomic store after the writes), so no lock is needed.
type slot struct {
	data  []byte // serialized wire bytes, plaintext
	close bool   // close the connection once this slot is flushed
	done  atomic.Bool
}

func (s *slot) fill(wire []byte, closeAfter bool) {
	s.data = wire
	s.close = closeAfter
	s.done.Store(true)
}

// conn is one client connection. Only the loop thread touches it; workers
// see immutable Request snapshots and slot handles, never the conn.
type conn struct {
	fd int
	id string // ulid, for log correlation

	parser *protocol.Parser
	tls    *TLSAdapter // nil for plain connections

	wbuf  []byte  // pending socket bytes (ciphertext when tls is set)
	slots []*slot // pipelined responses in request arrival order

	// requests parsed but not yet submitted bc the worker queue was full
	pending []*protocol.Request

	deadline        time.Time
	paused          bool  // read interest dropped due to backpressure
	readClosed      bool  // peer half-closed
	eofFed          bool  // parser already saw the half-close
	failure         error // parse error held back until pending drains
	sawClose        bool  // a request asked for Connection: close
	closeAfterFlush bool
}

// nextSlot appends a fresh response slot preserving arrival order.
func (c *conn) nextSlot() *slot {
	s := &slot{}
	c.slots = append(c.slots, s)
	return s
}

// popReady moves every filled slot at the front of the queue into the write
// buffer, in order. A later filled slot behind an unfilled one stays queued.
// Returns true when anything was flushed into wbuf.
func (c *conn) popReady(wrap func([]byte) ([]byte, error)) (bool, error) {
	flushed := false
	for len(c.slots) > 0 && c.slots[0].done.Load() {
		s := c.slots[0]
		c.slots = c.slots[1:]

		wire := s.data
		if wrap != nil {
			var err error
			wire, err = wrap(wire)
			if err != nil {
				return flushed, err
			}
		}
		c.wbuf = append(c.wbuf, wire...)
		flushed = true
		if s.close {
			c.closeAfterFlush = true
			c.slots = nil
			c.pending = nil
			break
		}
	}
	return flushed, nil
}

// idle reports no in-flight work: nothing buffered, no unanswered requests.
func (c *conn) idle() bool {
	return len(c.wbuf) == 0 && len(c.slots) == 0 && len(c.pending) == 0
}

func (c *conn) touch(idleTimeout time.Duration) {
	if idleTimeout > 0 {
		c.deadline = time.Now().Add(idleTimeout)
	}
}
