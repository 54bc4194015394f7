// fixed worker pool bridging the loop to handler execution
package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/s00inx/httpcore/internal/obs"
	"github.com/s00inx/httpcore/server/protocol"
)

// ErrQueueFull is the backpressure signal: the loop must stop reading from
// the originating connection until queue depth drops.
var ErrQueueFull = errors.New("engine: worker queue full")

// ServeFunc produces the serialized response bytes for one request, plus
// whether the connection must close after writing them. It runs on a worker
// and must not touch connection state.
type ServeFunc func(*protocol.Request) (wire []byte, closeAfter bool)

type job struct {
	req *protocol.Request
	s   *slot
	fd  int
}

// Pool runs a fixed set of workers over a bounded queue. Completion is
// reported through notify, which pushes the fd onto the loop's ready list
// and bumps the waker.
type Pool struct {
	jobs    chan job
	serve   ServeFunc
	notify  func(fd int)
	log     zerolog.Logger
	metrics *obs.Metrics

	size int
	wg   sync.WaitGroup
}

func NewPool(size, depth int, serve ServeFunc, notify func(int), log zerolog.Logger, m *obs.Metrics) *Pool {
	if size <= 0 {
		size = 1
	}
	if depth <= 0 {
		depth = size * 16
	}
	if m == nil {
		m = obs.NewMetrics(nil)
	}
	return &Pool{
		jobs:    make(chan job, depth),
		serve:   serve,
		notify:  notify,
		log:     log,
		metrics: m,
		size:    size,
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Submit enqueues without blocking; a full queue is reported as ErrQueueFull
// rather than stalling the loop thread.
func (p *Pool) Submit(req *protocol.Request, s *slot, fd int) error {
	select {
	case p.jobs <- job{req: req, s: s, fd: fd}:
		return nil
	default:
		p.metrics.QueueFull.Inc()
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for in-flight handlers to finish.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.run(j)
	}
}

// run fills the job's slot no matter what the handler does. A panicking
// serve path produces a canned 500 and the worker keeps going; a slot for a
// connection that died meanwhile is delivered anyway and silently discarded
// by the loop.
func (p *Pool) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Int("fd", j.fd).Interface("panic", r).Msg("handler panic")
			j.s.fill(canned500(j.req.Proto), j.req.Close)
			p.notify(j.fd)
		}
	}()

	wire, closeAfter := p.serve(j.req)
	j.s.fill(wire, closeAfter)
	p.notify(j.fd)
}

func canned500(proto string) []byte {
	res := &protocol.Response{
		Code: 500,
		Body: []byte(fmt.Sprintf("%d %s\n", 500, protocol.StatusText(500))),
	}
	res.SetHeader("Content-Type", "text/plain; charset=utf-8")
	return protocol.AppendResponse(nil, proto, res, false)
}
