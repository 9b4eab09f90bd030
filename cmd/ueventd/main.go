// Command ueventd watches queue directories for uevent-style files and
// applies rule handlers to them. Invoked normally it runs the supervisor
// loop; invoked with UEVENTD_WORKER_QUEUE set in its environment (how the
// supervisor re-execs itself to start a worker) it instead runs ChildEntry
// for that one queue and exits.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/midyukov-anton/make-initrd/internal/ueventd/audit"
	"github.com/midyukov-anton/make-initrd/internal/ueventd/auditstore"
	"github.com/midyukov-anton/make-initrd/internal/ueventd/config"
	"github.com/midyukov-anton/make-initrd/internal/ueventd/control"
	"github.com/midyukov-anton/make-initrd/internal/ueventd/rules"
	"github.com/midyukov-anton/make-initrd/internal/ueventd/supervisor"
	"github.com/midyukov-anton/make-initrd/internal/ueventd/worker"
)

func main() {
	if queueName := os.Getenv(worker.WorkerQueueEnv); queueName != "" {
		os.Exit(runWorker(queueName))
	}

	if path, ok := verifyAuditFlag(os.Args[1:]); ok {
		os.Exit(runVerifyAudit(path))
	}

	os.Exit(runSupervisor())
}

// verifyAuditFlag looks for "--verify-audit=PATH" or "--verify-audit PATH"
// among args without disturbing the normal config.Load flag set, since
// --verify-audit runs standalone and doesn't require --basedir/--rulesdir.
func verifyAuditFlag(args []string) (string, bool) {
	for i, arg := range args {
		if path, found := strings.CutPrefix(arg, "--verify-audit="); found {
			return path, true
		}
		if arg == "--verify-audit" && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

// runWorker handles the re-exec path: BASEDIR/RULESDIR arrive via
// environment variables set by worker.Launch, and the rules directory is
// rescanned fresh here rather than inherited, so a worker always runs
// against the rules on disk at its own launch time.
func runWorker(queueName string) int {
	log := newLogger("info")

	basedir := os.Getenv("BASEDIR")
	rulesdir := os.Getenv("RULESDIR")

	ruleSet, err := rules.Scan(rulesdir)
	if err != nil {
		log.Error("worker: failed to scan rules", slog.String("rulesdir", rulesdir), slog.Any("error", err))
		return 1
	}
	defer ruleSet.Drop()

	auditLogPath := os.Getenv("AUDITLOG")
	var auditLog *audit.Logger
	if auditLogPath != "" {
		auditLog, err = audit.Open(auditLogPath, nil)
		if err != nil {
			log.Error("worker: failed to open audit log", slog.Any("error", err))
			return 1
		}
		defer auditLog.Close()
	}

	return worker.ChildEntry(worker.Config{
		Basedir: basedir,
		Queue:   queueName,
		Rules:   ruleSet,
		Audit:   auditLog,
		Logger:  log,
	})
}

func runVerifyAudit(path string) int {
	entries, err := audit.Verify(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ueventd --verify-audit: %v\n", err)
		return 1
	}
	fmt.Printf("ueventd --verify-audit: %d entries, hash chain intact\n", len(entries))
	return 0
}

func runSupervisor() int {
	fs := flag.NewFlagSet("ueventd", flag.ExitOnError)
	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ueventd: %v\n", err)
		return 2
	}

	log := newLogger(cfg.LogLevel)
	log.Info("ueventd starting",
		slog.String("basedir", cfg.Basedir),
		slog.String("rulesdir", cfg.RulesDir),
	)

	var opts []supervisor.Option
	var mirror audit.Sink
	switch cfg.Overlay.AuditMirror.Backend {
	case "sqlite":
		sink, err := auditstore.NewSQLiteSink(cfg.Overlay.AuditMirror.DSN)
		if err != nil {
			log.Error("ueventd: failed to open sqlite audit mirror", slog.Any("error", err))
			return 1
		}
		defer sink.Close()
		mirror = sink
	case "postgres":
		sink, err := auditstore.NewPostgresSink(context.Background(), cfg.Overlay.AuditMirror.DSN,
			auditstore.DefaultBatchSize, auditstore.DefaultFlushInterval)
		if err != nil {
			log.Error("ueventd: failed to open postgres audit mirror", slog.Any("error", err))
			return 1
		}
		defer sink.Close(context.Background())
		mirror = sink
	}
	if mirror != nil {
		opts = append(opts, supervisor.WithAuditMirror(mirror))
	}

	sup := supervisor.New(cfg, log, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		log.Error("ueventd: failed to start supervisor", slog.Any("error", err))
		return 1
	}

	var controlServer *http.Server
	if cfg.Overlay.Control.ListenAddr != "" {
		pubKey, err := loadRSAPublicKey(cfg.Overlay.Control.JWTPublicKeyPath)
		if err != nil {
			log.Error("ueventd: failed to load control JWT public key", slog.Any("error", err))
			sup.Stop()
			return 1
		}
		controlServer = &http.Server{
			Addr:    cfg.Overlay.Control.ListenAddr,
			Handler: control.NewRouter(sup, pubKey),
		}
		go func() {
			log.Info("ueventd: control surface listening", slog.String("addr", cfg.Overlay.Control.ListenAddr))
			if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("ueventd: control surface error", slog.Any("error", err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Info("ueventd: received shutdown signal", slog.String("signal", sig.String()))

	sup.Stop()
	if controlServer != nil {
		_ = controlServer.Close()
	}

	log.Info("ueventd exited cleanly")
	return 0
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%q: no PEM block found", path)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", path, err)
	}
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%q: not an RSA public key", path)
	}
	return key, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
