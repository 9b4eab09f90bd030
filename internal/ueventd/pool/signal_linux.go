//go:build linux

package pool

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SignalSource delivers a configured set of signals as readable records on
// an fd suitable for registration with a Pool. NewSignalSource blocks the
// same signals in the calling thread's signal mask: the kernel only routes
// blocked signals through signalfd rather than their default disposition.
//
// The Go runtime multiplexes goroutines onto OS threads, and a thread's
// signal mask is thread-local, so NewSignalSource must run on a thread
// whose mask will stick: call it immediately at process start, before any
// other goroutine can spawn an OS thread with a different mask, and pair it
// with runtime.LockOSThread in the calling goroutine for the life of the
// process.
type SignalSource struct {
	fd int
}

// NewSignalSource blocks sigs in the calling thread's signal mask and creates a
// signalfd delivering them. The kernel only routes blocked signals through
// signalfd rather than their default disposition, so the block must happen
// here, before any of sigs can be delivered the old way. ABRT and SEGV are
// deliberately never included by callers so that fault signals retain their
// default disposition for debugging.
func NewSignalSource(sigs ...unix.Signal) (*SignalSource, error) {
	var set unix.Sigset_t
	for _, s := range sigs {
		addSignal(&set, s)
	}
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		return nil, fmt.Errorf("pool: pthread_sigmask: %w", err)
	}
	fd, err := unix.Signalfd(-1, &set, unix.SFD_CLOEXEC|unix.SFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("pool: signalfd: %w", err)
	}
	return &SignalSource{fd: fd}, nil
}

// Fd returns the underlying signalfd descriptor for registration with a Pool.
func (s *SignalSource) Fd() int { return s.fd }

// Signal is one decoded signalfd_siginfo record.
type Signal struct {
	Num unix.Signal
	PID uint32
}

// Read drains all currently pending signal records from the fd. It is
// non-blocking; call it only after the Pool reports the fd as readable.
func (s *SignalSource) Read() ([]Signal, error) {
	const recSize = 128 // sizeof(struct signalfd_siginfo), padded
	buf := make([]byte, recSize*16)
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return nil, nil
		}
		return nil, fmt.Errorf("pool: read signalfd: %w", err)
	}
	var out []Signal
	for off := 0; off+recSize <= n; off += recSize {
		info := (*unix.SignalfdSiginfo)(unsafe.Pointer(&buf[off]))
		out = append(out, Signal{Num: unix.Signal(info.Signo), PID: info.Pid})
	}
	return out, nil
}

// Close releases the signalfd.
func (s *SignalSource) Close() error {
	return unix.Close(s.fd)
}

func addSignal(set *unix.Sigset_t, sig unix.Signal) {
	// Sigset_t on linux/amd64 and linux/arm64 is an array of uint64 words;
	// bit (sig-1) within the flattened bit space selects the signal.
	bit := uint(sig) - 1
	word := bit / 64
	words := (*[16]uint64)(unsafe.Pointer(set))
	words[word] |= 1 << (bit % 64)
}
