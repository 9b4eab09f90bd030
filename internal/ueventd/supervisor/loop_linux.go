//go:build linux

package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/midyukov-anton/make-initrd/internal/ueventd/audit"
	"github.com/midyukov-anton/make-initrd/internal/ueventd/pool"
	"github.com/midyukov-anton/make-initrd/internal/ueventd/watch"
	"github.com/midyukov-anton/make-initrd/internal/ueventd/worker"
)

// pollTimeoutMs bounds how long one iteration of the loop can block without
// any fd becoming ready, giving the fallback directory reconciliation a
// guaranteed chance to run even if an inotify event is somehow missed.
const pollTimeoutMs = 500

const maxEventsPerWait = 16

// Start becomes the process's subreaper, opens the audit log, performs the
// initial rules scan and queue reconciliation, launches workers for any
// already-dirty queues, and starts the main loop in a background goroutine.
// It returns once initialisation succeeds; call Stop to shut down.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: already running")
	}
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	runtime.LockOSThread()

	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return s.failStart(fmt.Errorf("supervisor: PR_SET_CHILD_SUBREAPER: %w", err))
	}

	auditLog, err := audit.Open(s.cfg.AuditLogPath, s.mirror)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("supervisor: open audit log: %w", err)
	}
	s.auditLog = auditLog

	ep, err := pool.New()
	if err != nil {
		return s.failStart(fmt.Errorf("supervisor: %w", err))
	}

	sigSrc, err := pool.NewSignalSource(unix.SIGCHLD, unix.SIGHUP, unix.SIGTERM, unix.SIGINT)
	if err != nil {
		return s.failStart(fmt.Errorf("supervisor: %w", err))
	}
	if err := ep.Add(sigSrc.Fd(), unix.EPOLLIN); err != nil {
		return s.failStart(fmt.Errorf("supervisor: %w", err))
	}

	dw, err := watch.New()
	if err != nil {
		return s.failStart(fmt.Errorf("supervisor: %w", err))
	}
	if err := dw.Add(s.cfg.Basedir, watch.BaseDirMask); err != nil {
		return s.failStart(fmt.Errorf("supervisor: watch basedir: %w", err))
	}
	if err := dw.Add(s.cfg.RulesDir, watch.RulesDirMask); err != nil {
		return s.failStart(fmt.Errorf("supervisor: watch rulesdir: %w", err))
	}
	if err := ep.Add(dw.Fd(), unix.EPOLLIN); err != nil {
		return s.failStart(fmt.Errorf("supervisor: %w", err))
	}

	if err := s.ReloadRules(); err != nil {
		s.logger.Warn("supervisor: initial rules scan failed", slog.Any("error", err))
	}

	if err := s.queues.Reconcile(s.cfg.Basedir, func(name string) {
		_ = dw.Add(s.cfg.Basedir+"/"+name, watch.QueueDirMask)
	}, func(name string) {
		dw.Remove(s.cfg.Basedir + "/" + name)
	}); err != nil {
		return s.failStart(fmt.Errorf("supervisor: initial queue reconcile: %w", err))
	}

	if err := s.writePIDFile(); err != nil {
		s.logger.Warn("supervisor: write pidfile failed", slog.Any("error", err))
	}

	s.launchDirtyQueues()

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLoop(loopCtx, ep, sigSrc, dw)
	}()

	s.logger.Info("ueventd started",
		slog.String("basedir", s.cfg.Basedir),
		slog.String("rulesdir", s.cfg.RulesDir),
		slog.Int("queues", len(s.queues.Names())),
	)
	return nil
}

func (s *Supervisor) failStart(err error) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	if s.auditLog != nil {
		_ = s.auditLog.Close()
	}
	return err
}

// Stop cancels the main loop, waits for it to exit, and releases all
// resources. Safe to call multiple times.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.removePIDFile()
	if s.auditLog != nil {
		if err := s.auditLog.Close(); err != nil {
			s.logger.Warn("supervisor: close audit log", slog.Any("error", err))
		}
	}
	s.logger.Info("ueventd stopped")
}

func (s *Supervisor) runLoop(ctx context.Context, ep *pool.Pool, sigSrc *pool.SignalSource, dw *watch.DirWatcher) {
	defer ep.Close()
	defer sigSrc.Close()
	defer dw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, err := ep.Wait(pollTimeoutMs, maxEventsPerWait)
		if err != nil {
			s.logger.Error("supervisor: epoll_wait failed", slog.Any("error", err))
			return
		}

		shutdown := false
		for _, ev := range events {
			switch int(ev.Fd) {
			case sigSrc.Fd():
				if s.handleSignals(sigSrc) {
					shutdown = true
				}
			case dw.Fd():
				s.handleDirChanges(dw)
			}
		}

		if shutdown {
			return
		}

		s.reconcileAndLaunch(dw)
	}
}

func (s *Supervisor) handleSignals(sigSrc *pool.SignalSource) (shutdown bool) {
	sigs, err := sigSrc.Read()
	if err != nil {
		s.logger.Warn("supervisor: read signalfd failed", slog.Any("error", err))
		return false
	}
	for _, sig := range sigs {
		switch sig.Num {
		case unix.SIGCHLD:
			s.reapChildren()
		case unix.SIGHUP:
			if err := s.ReloadRules(); err != nil {
				s.logger.Warn("supervisor: rules reload failed", slog.Any("error", err))
			} else {
				s.logger.Info("supervisor: rules reloaded")
			}
		case unix.SIGTERM, unix.SIGINT:
			s.logger.Info("supervisor: shutdown signal received", slog.String("signal", sig.Num.String()))
			shutdown = true
		}
	}
	return shutdown
}

func (s *Supervisor) reapChildren() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		name, ok := s.pidQueue[pid]
		if !ok {
			continue // a reparented grandchild; subreaper still must reap it
		}
		delete(s.pidQueue, pid)
		if q := s.queues.Get(name); q != nil && q.Worker == pid {
			q.Worker = 0
		}
		outcome := "exited"
		if status.Signaled() {
			outcome = "signaled"
		}
		s.logger.Debug("supervisor: worker exited", slog.String("queue", name), slog.String("outcome", outcome))
	}
}

func (s *Supervisor) handleDirChanges(dw *watch.DirWatcher) {
	changed, err := dw.Drain()
	if err != nil {
		s.logger.Warn("supervisor: drain inotify failed", slog.Any("error", err))
		return
	}
	s.mu.Lock()
	for dir := range changed {
		if dir == s.cfg.Basedir {
			continue // handled by the Reconcile call every iteration
		}
		if dir == s.cfg.RulesDir {
			continue // rules are rescanned per-worker at launch; nothing to do here
		}
		// A queue directory changed: mark it dirty using the trailing path
		// component as its name.
		name := dir
		if idx := lastSlash(dir); idx >= 0 {
			name = dir[idx+1:]
		}
		s.queues.MarkDirty(name)
	}
	s.mu.Unlock()
}

func (s *Supervisor) reconcileAndLaunch(dw *watch.DirWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.queues.Reconcile(s.cfg.Basedir, func(name string) {
		_ = dw.Add(s.cfg.Basedir+"/"+name, watch.QueueDirMask)
	}, func(name string) {
		dw.Remove(s.cfg.Basedir + "/" + name)
	})

	s.launchDirtyQueuesLocked()
}

// launchDirtyQueues acquires the lock and launches workers for any queue
// that is dirty with no live worker. Exported-shape twin of
// launchDirtyQueuesLocked for call sites that do not already hold s.mu.
func (s *Supervisor) launchDirtyQueues() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launchDirtyQueuesLocked()
}

func (s *Supervisor) launchDirtyQueuesLocked() {
	for _, name := range s.queues.Names() {
		q := s.queues.Get(name)
		if q == nil || !q.Dirty || q.Worker != 0 {
			continue
		}
		cmd, err := worker.Launch(s.cfg.Basedir, s.cfg.RulesDir, s.cfg.AuditLogPath, name)
		if err != nil {
			s.logger.Error("supervisor: launch worker failed", slog.String("queue", name), slog.Any("error", err))
			continue
		}
		q.Worker = cmd.Process.Pid
		q.Dirty = false
		// A .dirty marker left in the queue directory keeps the queue dirty,
		// so another worker is launched once this one has been reaped.
		if _, err := os.Stat(s.cfg.Basedir + "/" + name + "/.dirty"); err == nil {
			q.Dirty = true
		}
		s.pidQueue[cmd.Process.Pid] = name
		s.logger.Debug("supervisor: launched worker", slog.String("queue", name), slog.Int("pid", q.Worker))
	}
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}
