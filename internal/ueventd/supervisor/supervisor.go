// Package supervisor is ueventd's single-threaded main loop: it watches the
// base and rules directories for changes, reconciles the set of known
// queues, launches one worker process per dirty queue, and reaps exited
// workers, all multiplexed through one epoll instance.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/midyukov-anton/make-initrd/internal/ueventd/audit"
	"github.com/midyukov-anton/make-initrd/internal/ueventd/config"
	"github.com/midyukov-anton/make-initrd/internal/ueventd/queue"
	"github.com/midyukov-anton/make-initrd/internal/ueventd/rules"
)

// Supervisor is the central orchestrator of the ueventd daemon. Construct
// one with New, then call Start.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger
	mirror audit.Sink

	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.RWMutex
	queues    *queue.Set
	ruleSet   *rules.Set
	pidQueue  map[int]string
	running   bool
	auditLog  *audit.Logger
}

// New creates a Supervisor from cfg and logger. Options customise optional
// dependencies (an audit mirror Sink, by default none).
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		logger:   logger,
		queues:   queue.NewSet(),
		pidQueue: make(map[int]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Option is a functional option for Supervisor construction.
type Option func(*Supervisor)

// WithAuditMirror registers a durable mirror for audit log entries.
func WithAuditMirror(sink audit.Sink) Option {
	return func(s *Supervisor) { s.mirror = sink }
}

// Snapshot is a read-only view of supervisor state exposed to the control
// surface.
type Snapshot struct {
	UptimeS    float64
	Queues     []QueueStatus
	RuleCount  int
	RuleNames  []string
}

// QueueStatus describes one tracked queue's current state.
type QueueStatus struct {
	Name       string
	Dirty      bool
	WorkerPID  int
}

// Snapshot returns the current state for introspection. Safe to call from
// any goroutine, including the control surface's HTTP handlers.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{UptimeS: time.Since(s.startTime).Seconds()}
	for _, name := range s.queues.Names() {
		q := s.queues.Get(name)
		snap.Queues = append(snap.Queues, QueueStatus{Name: q.Name, Dirty: q.Dirty, WorkerPID: q.Worker})
	}
	if s.ruleSet != nil {
		snap.RuleCount = len(s.ruleSet.Rules)
		for _, r := range s.ruleSet.Rules {
			snap.RuleNames = append(snap.RuleNames, r.Name)
		}
	}
	return snap
}

// ReloadRules rescans the rules directory and replaces the cached rule set
// used for introspection. It does not affect workers already running or
// their own independent rescan on launch: each worker scans the rules
// directory itself at launch time, so this method only updates what
// Snapshot reports until the next natural launch.
func (s *Supervisor) ReloadRules() error {
	set, err := rules.Scan(s.cfg.RulesDir)
	if err != nil {
		return fmt.Errorf("supervisor: reload rules: %w", err)
	}
	s.mu.Lock()
	old := s.ruleSet
	s.ruleSet = set
	s.mu.Unlock()
	if old != nil {
		old.Drop()
	}
	return nil
}

func (s *Supervisor) writePIDFile() error {
	if s.cfg.PIDFile == "" {
		return nil
	}
	return os.WriteFile(s.cfg.PIDFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

func (s *Supervisor) removePIDFile() {
	if s.cfg.PIDFile == "" {
		return
	}
	_ = os.Remove(s.cfg.PIDFile)
}
