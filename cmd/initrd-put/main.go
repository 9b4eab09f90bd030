// Command initrd-put copies files and directories into a destination
// directory along with their runtime dependencies: parent directories,
// shebang interpreters, symlink targets, and shared library dependencies.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/midyukov-anton/make-initrd/internal/closure/config"
	"github.com/midyukov-anton/make-initrd/internal/closure/install"
	"github.com/midyukov-anton/make-initrd/internal/closure/node"
	"github.com/midyukov-anton/make-initrd/internal/closure/traverse"
)

func main() {
	progname := filepath.Base(os.Args[0])

	cfg, err := config.Parse(progname, os.Args[1:], os.Stdout)
	if err != nil {
		if errors.Is(err, config.ErrShowHelp) || errors.Is(err, config.ErrShowVersion) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", progname, err)
		fmt.Fprintf(os.Stderr, "Try '%s --help' for more information.\n", progname)
		os.Exit(64) // EX_USAGE
	}

	os.Exit(run(cfg))
}

func run(cfg *config.Config) int {
	log := newLogger(cfg.Verbose)

	table := node.NewTable(cfg.RemovePrefix)
	for _, seed := range cfg.Seeds {
		table.AppendFullPath(seed)
	}

	if err := traverse.Run(context.Background(), table, log); err != nil {
		fmt.Fprintf(os.Stderr, "initrd-put: failed to read files: %v\n", err)
		return 1
	}

	table.Sort()

	opts := install.Options{
		Destdir: cfg.Destdir,
		Prefix:  cfg.RemovePrefix,
		Force:   cfg.Force,
		Verbose: cfg.Verbose,
	}

	if cfg.DryRun {
		log.Info("dry run only, nothing will be installed")
		install.PrintFiles(os.Stdout, table, opts)
		return 0
	}

	if err := install.Run(table, opts, log); err != nil {
		fmt.Fprintf(os.Stderr, "initrd-put: failed to install files: %v\n", err)
		return 1
	}

	if cfg.LogPath != "" {
		logFile, err := os.OpenFile(cfg.LogPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "initrd-put: open %s: %v\n", cfg.LogPath, err)
			return 1
		}
		defer logFile.Close()
		install.PrintFiles(logFile, table, opts)
	}

	return 0
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
