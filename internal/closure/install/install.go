// Package install materializes a computed dependency closure (node.Table)
// into a destination directory tree: directories, device nodes, symlinks,
// FIFOs, sockets and regular files, in an order that guarantees every
// parent directory exists before anything is installed beneath it.
package install

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/midyukov-anton/make-initrd/internal/closure/node"
)

// Options configures one install or dry-run pass.
type Options struct {
	Destdir string
	Prefix  string
	Force   bool
	Verbose bool
}

// Run installs every node in table beneath opts.Destdir. table must already
// be sorted (node.Table.Sort) so that directories precede their contents.
func Run(table *node.Table, opts Options, log *slog.Logger) error {
	for _, f := range table.Nodes() {
		dest, skip := destPath(f, opts.Prefix)
		if skip {
			continue
		}
		target := opts.Destdir + dest

		if err := installOne(f, dest, target, opts, log); err != nil {
			return err
		}

		if err := unix.Lchown(target, int(f.UID), int(f.GID)); err != nil && err != unix.EPERM {
			return fmt.Errorf("install: chown %s: %w", target, err)
		}
	}
	return nil
}

// destPath computes the destination-relative path for f under --remove-prefix
// handling: a node that equals prefix exactly is skipped outright (it is
// prefix itself, already represented by destdir); a node whose source lives
// under prefix has prefix's length stripped.
func destPath(f *node.FileNode, prefix string) (dest string, skip bool) {
	dest = f.Source
	if prefix == "" {
		return dest, false
	}

	prefixLen := len(prefix)
	if len(dest) != prefixLen && prefixLen < len(dest) && dest[prefixLen] == '/' &&
		strings.HasPrefix(dest, prefix) {
		return dest[prefixLen:], false
	}
	if dest == prefix {
		return dest, true
	}
	return dest, false
}

func installOne(f *node.FileNode, dest, target string, opts Options, log *slog.Logger) error {
	if f.Mode&unix.S_IFMT == unix.S_IFDIR {
		err := os.Mkdir(target, os.FileMode(f.Mode&0o7777))
		switch {
		case err == nil:
			logVerbose(log, opts, "install (directory)", dest)
		case os.IsExist(err):
			logVerbose(log, opts, "skip (directory)", dest)
		default:
			return fmt.Errorf("install: mkdir %s: %w", target, err)
		}
		return nil
	}

	if opts.Force {
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("install: remove %s: %w", target, err)
		}
	}

	switch f.Mode & unix.S_IFMT {
	case unix.S_IFBLK, unix.S_IFCHR:
		err := unix.Mknod(target, f.Mode, int(f.Dev))
		switch {
		case err == nil:
			logVerbose(log, opts, "install (device file)", dest)
		case err == unix.EEXIST:
			logVerbose(log, opts, "skip (device file)", dest)
		default:
			return fmt.Errorf("install: mknod %s: %w", target, err)
		}

	case unix.S_IFLNK:
		err := os.Symlink(f.Symlink, target)
		switch {
		case err == nil:
			logVerbose(log, opts, "install (symlink)", dest)
		case os.IsExist(err):
			logVerbose(log, opts, "skip (symlink)", dest)
		default:
			return fmt.Errorf("install: symlink %s: %w", target, err)
		}

	case unix.S_IFIFO:
		err := unix.Mkfifo(target, f.Mode)
		switch {
		case err == nil:
			logVerbose(log, opts, "install (fifo)", dest)
		case err == unix.EEXIST:
			logVerbose(log, opts, "skip (fifo)", dest)
		default:
			return fmt.Errorf("install: mkfifo %s: %w", target, err)
		}

	case unix.S_IFSOCK:
		if err := mksock(target, f.Mode); err != nil {
			return err
		}
		logVerbose(log, opts, "install (socket)", dest)

	case unix.S_IFREG:
		return installRegular(f, dest, target, log, opts)

	default:
		return fmt.Errorf("install: %s: unsupported file type %o", target, f.Mode&unix.S_IFMT)
	}

	return nil
}

// installRegular copies a regular file's content, unless the destination
// already exists and is executable by the invoking user (access(path,
// X_OK)). A pre-existing non-executable regular file at the destination
// is still recreated.
func installRegular(f *node.FileNode, dest, target string, log *slog.Logger, opts Options) error {
	if unix.Access(target, unix.X_OK) == nil {
		logVerbose(log, opts, "skip (file)", target)
		return nil
	}

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(f.Mode&0o7777))
	if err != nil {
		return fmt.Errorf("install: creat %s: %w", target, err)
	}
	logVerbose(log, opts, "install (file)", target)
	defer dst.Close()

	src, err := os.Open(f.Source)
	if err != nil {
		return fmt.Errorf("install: open %s: %w", f.Source, err)
	}
	defer src.Close()

	srcFD, dstFD := int(src.Fd()), int(dst.Fd())
	remaining := f.Size
	for remaining > 0 {
		n, err := unix.CopyFileRange(srcFD, nil, dstFD, nil, int(remaining), 0)
		if err != nil {
			return fmt.Errorf("install: copy_file_range %s -> %s: %w", f.Source, target, err)
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
	}
	return nil
}

func mksock(path string, mode uint32) error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("install: socket %s: %w", path, err)
	}
	defer unix.Close(fd)

	if err := unix.Fchmod(fd, mode&0o7777); err != nil {
		return fmt.Errorf("install: fchmod socket %s: %w", path, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		return fmt.Errorf("install: bind socket %s: %w", path, err)
	}
	return nil
}

func logVerbose(log *slog.Logger, opts Options, action, path string) {
	if opts.Verbose {
		log.Debug(action, slog.String("path", path))
	}
}

// PrintFiles renders every node's planned installation in the dry-run log
// format: type char, source, destination, symlink target.
func PrintFiles(w io.Writer, table *node.Table, opts Options) {
	typeChar := func(mode uint32) byte {
		switch mode & unix.S_IFMT {
		case unix.S_IFBLK:
			return 'b'
		case unix.S_IFCHR:
			return 'c'
		case unix.S_IFDIR:
			return 'd'
		case unix.S_IFIFO:
			return 'p'
		case unix.S_IFLNK:
			return 'l'
		case unix.S_IFREG:
			return 'f'
		case unix.S_IFSOCK:
			return 's'
		default:
			return '?'
		}
	}

	for _, f := range table.Nodes() {
		dest, skip := destPath(f, opts.Prefix)
		if skip {
			continue
		}
		sep := "/"
		if strings.HasPrefix(dest, "/") {
			sep = ""
		}
		fmt.Fprintf(w, "%c\t%s\t%s%s%s\t%s\n",
			typeChar(f.Mode), f.Source, opts.Destdir, sep, dest, f.Symlink)
	}
}
