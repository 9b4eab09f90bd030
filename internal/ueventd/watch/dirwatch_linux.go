// Package watch provides the inotify-backed directory watcher used to
// detect changes to the base directory, the rules directory, and individual
// queue directories.
//
//go:build linux

package watch

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Interest masks by directory kind. The specific flags that fired are
// irrelevant to callers: any notification triggers an idempotent rescan, so
// the mask is chosen to be maximally inclusive for the kind of change the
// caller cares about.
const (
	BaseDirMask  uint32 = unix.IN_CREATE | unix.IN_DELETE
	RulesDirMask uint32 = unix.IN_ATTRIB | unix.IN_CREATE | unix.IN_DELETE | unix.IN_MOVED_TO | unix.IN_CLOSE_WRITE
	QueueDirMask uint32 = unix.IN_MOVED_TO | unix.IN_CLOSE_WRITE
)

var inotifyEventSize = int(unsafe.Sizeof(unix.InotifyEvent{}))

// DirWatcher wraps a single inotify instance that may watch several
// directories at once, each with its own interest mask. Readiness is
// reported via the pool.Pool the caller registers Fd() with; Drain must be
// called once the fd is reported ready, before acting on the notification,
// to avoid re-triggering on stale kernel queue entries.
type DirWatcher struct {
	fd      int
	targets map[int32]string // watch descriptor -> directory path
}

// New creates an inotify instance with no watches registered yet.
func New() (*DirWatcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("watch: inotify_init1: %w", err)
	}
	return &DirWatcher{fd: fd, targets: make(map[int32]string)}, nil
}

// Fd returns the inotify file descriptor for registration with a pool.Pool.
func (w *DirWatcher) Fd() int { return w.fd }

// Add registers dir for notifications matching mask. Re-adding a directory
// already being watched replaces its mask (inotify's own semantics).
func (w *DirWatcher) Add(dir string, mask uint32) error {
	wd, err := unix.InotifyAddWatch(w.fd, dir, mask)
	if err != nil {
		return fmt.Errorf("watch: inotify_add_watch %q: %w", dir, err)
	}
	w.targets[int32(wd)] = dir
	return nil
}

// Remove unregisters dir, if it is currently watched.
func (w *DirWatcher) Remove(dir string) {
	for wd, d := range w.targets {
		if d == dir {
			_ = unix.InotifyRmWatch(w.fd, uint32(wd))
			delete(w.targets, wd)
			return
		}
	}
}

// Drain reads and discards every currently queued event, returning the set
// of distinct directories that had at least one notification. Callers treat
// any entry in the result as "rescan this directory": the exact event type
// carries no semantic weight in this daemon.
func (w *DirWatcher) Drain() (map[string]struct{}, error) {
	const bufSize = 64 * (16 + 256)
	buf := make([]byte, bufSize)
	changed := make(map[string]struct{})

	for {
		n, err := unix.Read(w.fd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				return changed, nil
			}
			return changed, fmt.Errorf("watch: read: %w", err)
		}
		if n == 0 {
			return changed, nil
		}
		for off := 0; off+inotifyEventSize <= n; {
			ev := (*unix.InotifyEvent)(unsafe.Pointer(&buf[off]))
			off += inotifyEventSize
			if ev.Len > 0 {
				if off+int(ev.Len) > n {
					break
				}
				off += int(ev.Len)
			}
			if ev.Mask&unix.IN_Q_OVERFLOW != 0 {
				// Queue overflowed: treat every watched directory as changed,
				// since we can no longer tell which ones fired.
				for _, d := range w.targets {
					changed[d] = struct{}{}
				}
				continue
			}
			if dir, ok := w.targets[ev.Wd]; ok {
				changed[dir] = struct{}{}
			}
		}
	}
}

// Close releases the inotify instance.
func (w *DirWatcher) Close() error {
	return unix.Close(w.fd)
}
