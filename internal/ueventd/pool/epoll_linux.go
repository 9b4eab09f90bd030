// Package pool provides the single epoll-based readiness multiplexer and
// signalfd-backed signal source used by the supervisor's event loop.
//
//go:build linux

package pool

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Event is one readiness notification returned by Wait.
type Event struct {
	Fd     int32
	Ready  uint32 // bitwise OR of unix.EPOLLIN / EPOLLOUT / EPOLLERR / EPOLLHUP
}

// Pool is a single epoll instance. It is not safe for concurrent Wait calls,
// but Add/Remove may be called from the same goroutine that calls Wait
// between iterations (the supervisor's usage pattern).
type Pool struct {
	epfd   int
	closed bool
}

// New creates a new, empty Pool backed by epoll_create1(EPOLL_CLOEXEC).
func New() (*Pool, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("pool: epoll_create1: %w", err)
	}
	return &Pool{epfd: fd}, nil
}

// Add registers fd for the given readiness interest (e.g. unix.EPOLLIN).
func (p *Pool) Add(fd int, interest uint32) error {
	ev := unix.EpollEvent{Events: interest, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("pool: epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// Remove unregisters fd from the pool and closes it. Removing an fd that
// was never added is a no-op aside from the close.
func (p *Pool) Remove(fd int) {
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	_ = unix.Close(fd)
}

// Wait blocks until at least one registered fd is ready, timeoutMs elapses,
// or the pool is closed by another call path. A capacity of up to maxEvents
// events is returned per call. EINTR is treated as "no events this round",
// matching epoll_wait's own semantics under signal delivery.
func (p *Pool) Wait(timeoutMs int, maxEvents int) ([]Event, error) {
	if p.closed {
		return nil, ErrClosed
	}
	raw := make([]unix.EpollEvent, maxEvents)
	n, err := unix.EpollWait(p.epfd, raw, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("pool: epoll_wait: %w", err)
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = Event{Fd: raw[i].Fd, Ready: raw[i].Events}
	}
	return out, nil
}

// Close releases the underlying epoll fd. Subsequent Wait calls return
// ErrClosed. Close is idempotent.
func (p *Pool) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.epfd)
}

// ErrClosed is returned by Wait once the pool has been closed.
var ErrClosed = errors.New("pool: closed")
