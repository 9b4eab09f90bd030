//go:build linux

package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestDirWatcherDetectsCreate(t *testing.T) {
	dir := t.TempDir()

	w, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if err := w.Add(dir, BaseDirMask); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "queue-a"), nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// inotify delivery is asynchronous; poll briefly rather than sleeping a
	// fixed duration tied to the real epoll_wait timeout used in production.
	deadline := time.Now().Add(2 * time.Second)
	var changed map[string]struct{}
	for time.Now().Before(deadline) {
		changed, err = w.Drain()
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
		if len(changed) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, ok := changed[dir]; !ok {
		t.Fatalf("expected %q to be reported changed, got %v", dir, changed)
	}
}

func TestDirWatcherRemove(t *testing.T) {
	dir := t.TempDir()

	w, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if err := w.Add(dir, BaseDirMask); err != nil {
		t.Fatalf("Add: %v", err)
	}
	w.Remove(dir)

	if err := os.WriteFile(filepath.Join(dir, "queue-b"), nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	changed, err := w.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("expected no notifications after Remove, got %v", changed)
	}
}

func TestQueueDirMaskIncludesCloseWrite(t *testing.T) {
	if QueueDirMask&unix.IN_CLOSE_WRITE == 0 {
		t.Fatal("QueueDirMask must include IN_CLOSE_WRITE to detect dropped event files")
	}
}
