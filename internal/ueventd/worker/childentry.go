package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/midyukov-anton/make-initrd/internal/ueventd/audit"
	"github.com/midyukov-anton/make-initrd/internal/ueventd/event"
	"github.com/midyukov-anton/make-initrd/internal/ueventd/rules"
)

// Config carries everything ChildEntry needs to process one queue's
// pending events. It is assembled by cmd/ueventd's main() from the
// environment variables Launch set.
type Config struct {
	Basedir string
	Queue   string
	Rules   *rules.Set
	Audit   *audit.Logger
	Logger  *slog.Logger
}

// eventSlot is one event file's cached parse outcome, restored fresh for
// every rule that processes it, so that one rule's invocation cannot see
// state left behind by another rule's invocation of a different event.
type eventSlot struct {
	name     string
	bindings []event.Binding
	poisoned bool
}

// ChildEntry performs only the worker's own work: locating the queue
// directory, parsing its event files, and running every rule against every
// event, followed by a POST pass. It never touches supervisor state and
// never blocks longer than its own rule invocations take. Returns the
// process exit code the caller should use.
func ChildEntry(cfg Config) int {
	log := cfg.Logger
	queueDir := filepath.Join(cfg.Basedir, cfg.Queue)

	if err := os.Chdir(queueDir); err != nil {
		if os.IsNotExist(err) {
			return 0 // queue removed concurrently with our launch
		}
		log.Error("worker: chdir failed", slog.String("queue", cfg.Queue), slog.Any("error", err))
		return 0
	}

	names, err := listEventFiles(queueDir)
	if err != nil {
		log.Error("worker: list event files failed", slog.String("queue", cfg.Queue), slog.Any("error", err))
		return 0
	}
	if len(names) == 0 {
		return 0
	}

	closeExcessFDs()

	base := append(os.Environ(), "QUEUE="+cfg.Queue)

	slots := make([]*eventSlot, len(names))
	for i, name := range names {
		slot := &eventSlot{name: name}
		bindings, perr := event.Parse(filepath.Join(queueDir, name))
		if perr != nil {
			slot.poisoned = true
			log.Warn("worker: event parse failed; skipping for remainder of this pass",
				slog.String("queue", cfg.Queue), slog.String("event", name), slog.Any("error", perr))
		} else {
			slot.bindings = bindings
		}
		slots[i] = slot
	}

	eventEnv := append([]string{"PROCESS=EVENT"}, base...)

	for _, rule := range cfg.Rules.Rules {
		for _, slot := range slots {
			if slot.poisoned {
				continue
			}
			env := append([]string{}, eventEnv...)
			env = append(env, "EVENTNAME="+slot.name)
			for _, b := range slot.bindings {
				env = append(env, b.Name+"="+b.Value)
			}

			outcome := outcomeOf(rule.Handler.Run(env, "EVENT"))
			if cfg.Audit != nil {
				if _, aerr := cfg.Audit.Append(cfg.Queue, slot.name, rule.Name, "EVENT", outcome); aerr != nil {
					log.Warn("worker: audit append failed", slog.Any("error", aerr))
				}
			}
		}
	}

	postEnv := append([]string{"PROCESS=POST"}, base...)
	for _, rule := range cfg.Rules.Rules {
		outcome := outcomeOf(rule.Handler.Run(postEnv, "POST"))
		if cfg.Audit != nil {
			if _, aerr := cfg.Audit.Append(cfg.Queue, "", rule.Name, "POST", outcome); aerr != nil {
				log.Warn("worker: audit append failed", slog.Any("error", aerr))
			}
		}
		rule.Handler.Drop()
	}

	return 0
}

// outcomeOf maps a handler's Run error to an audit outcome: nil is success,
// a handler process killed by a signal is a signal outcome, anything else is
// a failure.
func outcomeOf(err error) audit.Outcome {
	if err == nil {
		return audit.OutcomeSuccess
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return audit.OutcomeSignal
		}
	}
	return audit.OutcomeFailure
}

// listEventFiles returns the regular files directly inside dir, sorted
// ascending.
func listEventFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("worker: readdir %q: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
