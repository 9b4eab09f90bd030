package supervisor

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/midyukov-anton/make-initrd/internal/ueventd/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func TestSnapshotReflectsQueuesAndRules(t *testing.T) {
	basedir := t.TempDir()
	rulesdir := t.TempDir()

	if err := os.Mkdir(filepath.Join(basedir, "alpha"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rulesdir, "10-rule"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{Basedir: basedir, RulesDir: rulesdir}
	sup := New(cfg, testLogger())

	if err := sup.queues.Reconcile(basedir, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := sup.ReloadRules(); err != nil {
		t.Fatal(err)
	}

	snap := sup.Snapshot()
	if len(snap.Queues) != 1 || snap.Queues[0].Name != "alpha" {
		t.Fatalf("got queues %+v, want [alpha]", snap.Queues)
	}
	if snap.RuleCount != 1 || snap.RuleNames[0] != "10-rule" {
		t.Fatalf("got rules %+v, want [10-rule]", snap)
	}
}

func TestPIDFileLifecycle(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "ueventd.pid")
	cfg := &config.Config{Basedir: dir, RulesDir: dir, PIDFile: pidPath}
	sup := New(cfg, testLogger())

	if err := sup.writePIDFile(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(pidPath); err != nil {
		t.Fatalf("pidfile not written: %v", err)
	}
	sup.removePIDFile()
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatal("pidfile should have been removed")
	}
}

func TestPIDFileSkippedWhenUnset(t *testing.T) {
	cfg := &config.Config{Basedir: ".", RulesDir: "."}
	sup := New(cfg, testLogger())
	if err := sup.writePIDFile(); err != nil {
		t.Fatalf("writePIDFile with empty PIDFile should be a no-op, got %v", err)
	}
}
