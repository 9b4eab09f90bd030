// Package traverse walks the filesystem closure rooted at each
// not-yet-processed node in a node.Table, classifying regular files and
// following the chains of dependency their classification implies
// (shebang interpreters, shared library dependencies, symlink targets)
// until no unprocessed node remains.
package traverse

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/midyukov-anton/make-initrd/internal/closure/canon"
	"github.com/midyukov-anton/make-initrd/internal/closure/classify"
	"github.com/midyukov-anton/make-initrd/internal/closure/depresolve"
	"github.com/midyukov-anton/make-initrd/internal/closure/node"
)

// Run drives the outer read_files loop: repeatedly take the next
// unprocessed node's source path as a fresh walk root, physically (i.e.
// without following symlinks) walk it, and resolve every regular file and
// symlink encountered into further closure nodes. It returns once
// table.NextUnprocessed reports none remain.
func Run(ctx context.Context, table *node.Table, log *slog.Logger) error {
	for {
		root := table.NextUnprocessed()
		if root == "" {
			return nil
		}

		log.Debug("traverse: walking", slog.String("root", root))

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return fmt.Errorf("traverse: %s: %w", path, walkErr)
			}
			return visit(ctx, table, log, path)
		})
		if err != nil {
			return err
		}
	}
}

// visit records path (and its parents, via AppendFullPath) and, the first
// time it is seen, resolves whatever further dependency its type implies.
func visit(ctx context.Context, table *node.Table, log *slog.Logger, path string) error {
	f := table.AppendFullPath(path)
	if f.Processed {
		return nil
	}

	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return fmt.Errorf("traverse: lstat %s: %w", path, err)
	}
	f.Processed = true
	f.Mode = st.Mode
	f.Size = st.Size
	f.Dev = uint64(st.Rdev)
	f.UID = st.Uid
	f.GID = st.Gid

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		return visitRegular(ctx, table, log, path)
	case unix.S_IFLNK:
		return visitSymlink(table, log, path, f)
	default:
		return nil
	}
}

func visitRegular(ctx context.Context, table *node.Table, log *slog.Logger, path string) error {
	res, err := classify.File(path)
	if err != nil {
		return fmt.Errorf("traverse: classify %s: %w", path, err)
	}

	switch res.Kind {
	case classify.KindScript:
		table.AppendFullPath(res.Interpreter)
	case classify.KindELFDynamic:
		deps, err := depresolve.Dependencies(ctx, path)
		if err != nil {
			return fmt.Errorf("traverse: %s: %w", path, err)
		}
		for _, dep := range deps {
			table.AppendFullPath(dep)
		}
	}
	return nil
}

func visitSymlink(table *node.Table, log *slog.Logger, path string, f *node.FileNode) error {
	target, err := os.Readlink(path)
	if err != nil {
		log.Warn("traverse: readlink failed", slog.String("path", path), slog.Any("error", err))
		return nil
	}
	f.Symlink = target
	table.AppendFullPath(canon.CanonicalizeSymlink(path, target))
	return nil
}
