// thin epoll wrapper, no HTTP or TLS knowledge lives here
package engine

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// ErrInvalidState is returned for double registration or deregistration of
// an fd the poller does not know about.
var ErrInvalidState = errors.New("engine: invalid poller registration state")

// Readiness flags reported per event.
type Readiness uint8

const (
	Readable Readiness = 1 << iota
	Writable
	Errored
)

// Event is one ready fd from Wait.
type Event struct {
	FD    int
	Ready Readiness
}

// Poller is a level-triggered epoll instance. Interest is re-reported every
// Wait until consumed, so a partial read can never strand a connection.
// All methods except Wait must be called from the loop thread.
type Poller struct {
	epfd       int
	registered map[int]Readiness
	raw        []unix.EpollEvent // reused across Wait calls
}

func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{epfd: epfd, registered: make(map[int]Readiness)}, nil
}

// Register adds fd with the given interest. Registering an fd twice is a
// caller bug and fails with ErrInvalidState.
func (p *Poller) Register(fd int, r Readiness) error {
	if _, ok := p.registered[fd]; ok {
		return ErrInvalidState
	}
	ev := unix.EpollEvent{Events: interestBits(r), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.registered[fd] = r
	return nil
}

// Modify replaces the interest set of an already registered fd.
func (p *Poller) Modify(fd int, r Readiness) error {
	if _, ok := p.registered[fd]; !ok {
		return ErrInvalidState
	}
	ev := unix.EpollEvent{Events: interestBits(r), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return err
	}
	p.registered[fd] = r
	return nil
}

// Deregister removes fd. Deregistering twice fails with ErrInvalidState.
func (p *Poller) Deregister(fd int) error {
	if _, ok := p.registered[fd]; !ok {
		return ErrInvalidState
	}
	delete(p.registered, fd)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Interest returns the current interest for fd, ok false if unregistered.
func (p *Poller) Interest(fd int) (Readiness, bool) {
	r, ok := p.registered[fd]
	return r, ok
}

// Wait blocks until at least one event or the timeout. timeout < 0 blocks
// indefinitely. A zero return with nil error means timeout or EINTR; the
// caller just loops.
func (p *Poller) Wait(events []Event, timeout time.Duration) (int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	if len(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	raw := p.raw[:len(events)]
	n, err := unix.EpollWait(p.epfd, raw, ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		var r Readiness
		bits := raw[i].Events
		if bits&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
			r |= Readable
		}
		if bits&unix.EPOLLOUT != 0 {
			r |= Writable
		}
		if bits&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			r |= Errored
		}
		events[i] = Event{FD: int(raw[i].Fd), Ready: r}
	}
	return n, nil
}

func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

func interestBits(r Readiness) uint32 {
	var bits uint32
	if r&Readable != 0 {
		bits |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if r&Writable != 0 {
		bits |= unix.EPOLLOUT
	}
	return bits
}
