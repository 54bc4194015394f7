package engine

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// Waker interrupts the poller's wait from other threads: workers and TLS
// pumps bump the eventfd, the loop sees it as a readable fd.
type Waker struct {
	fd int
}

func NewWaker() (*Waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Waker{fd: fd}, nil
}

func (w *Waker) FD() int { return w.fd }

// Wake is safe from any goroutine. EAGAIN means the counter is already
// saturated, which still wakes the loop, so it is ignored.
func (w *Waker) Wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(w.fd, buf[:])
}

// Drain resets the counter. Loop thread only.
func (w *Waker) Drain() {
	var buf [8]byte
	_, _ = unix.Read(w.fd, buf[:])
}

func (w *Waker) Close() error {
	return unix.Close(w.fd)
}
