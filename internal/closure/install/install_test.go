package install

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/midyukov-anton/make-initrd/internal/closure/node"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// populate lstats every node in tbl and marks it Processed, mimicking what
// the traversal engine would have done before install ever runs.
func populate(t *testing.T, tbl *node.Table) {
	t.Helper()
	for _, f := range tbl.Nodes() {
		var st unix.Stat_t
		if err := unix.Lstat(f.Source, &st); err != nil {
			t.Fatal(err)
		}
		f.Mode = st.Mode
		f.Size = st.Size
		f.Dev = uint64(st.Rdev)
		f.UID = st.Uid
		f.GID = st.Gid
		f.Processed = true
	}
}

func TestRunInstallsDirectoriesAndRegularFile(t *testing.T) {
	srcRoot := t.TempDir()
	destRoot := t.TempDir()

	dir := filepath.Join(srcRoot, "usr", "bin")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(dir, "tool")
	if err := os.WriteFile(file, []byte("binary contents"), 0o644); err != nil {
		t.Fatal(err)
	}

	tbl := node.NewTable("")
	tbl.AppendFullPath(file)
	populate(t, tbl)
	tbl.Sort()

	if err := Run(tbl, Options{Destdir: destRoot}, discardLogger()); err != nil {
		t.Fatal(err)
	}

	installed := filepath.Join(destRoot, file)
	got, err := os.ReadFile(installed)
	if err != nil {
		t.Fatalf("installed file missing: %v", err)
	}
	if string(got) != "binary contents" {
		t.Fatalf("got content %q, want %q", got, "binary contents")
	}

	if fi, err := os.Stat(filepath.Join(destRoot, filepath.Dir(file))); err != nil || !fi.IsDir() {
		t.Fatalf("expected parent directory to be created: %v", err)
	}
}

func TestRunSkipsNodeEqualToPrefix(t *testing.T) {
	srcRoot := t.TempDir()
	destRoot := t.TempDir()

	sub := filepath.Join(srcRoot, "rootfs")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(sub, "bin", "tool")
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tbl := node.NewTable(sub)
	tbl.AppendFullPath(file)
	populate(t, tbl)
	tbl.Sort()

	if err := Run(tbl, Options{Destdir: destRoot, Prefix: sub}, discardLogger()); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(destRoot + sub); err == nil {
		t.Fatalf("expected the prefix node itself not to be installed as a literal path under destdir")
	}

	want := filepath.Join(destRoot, "bin", "tool")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected stripped-prefix install at %s: %v", want, err)
	}
}

func TestRunSkipsExistingExecutableRegularFile(t *testing.T) {
	srcRoot := t.TempDir()
	destRoot := t.TempDir()

	file := filepath.Join(srcRoot, "tool")
	if err := os.WriteFile(file, []byte("new content"), 0o644); err != nil {
		t.Fatal(err)
	}

	target := destRoot + file
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte("old content"), 0o755); err != nil {
		t.Fatal(err)
	}

	tbl := node.NewTable("")
	tbl.AppendFullPath(file)
	populate(t, tbl)
	tbl.Sort()

	if err := Run(tbl, Options{Destdir: destRoot}, discardLogger()); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "old content" {
		t.Fatalf("executable destination file was overwritten; got %q", got)
	}
}

func TestPrintFilesRendersOneLinePerNode(t *testing.T) {
	srcRoot := t.TempDir()
	file := filepath.Join(srcRoot, "tool")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tbl := node.NewTable("")
	tbl.AppendFullPath(file)
	populate(t, tbl)
	tbl.Sort()

	var buf bytes.Buffer
	PrintFiles(&buf, tbl, Options{Destdir: "/newroot"})

	out := buf.String()
	if !strings.Contains(out, "\tf\t") && !strings.HasPrefix(out, "f\t") {
		t.Fatalf("expected a regular-file ('f') line in output:\n%s", out)
	}
	if !strings.Contains(out, file) {
		t.Fatalf("expected source path %s in output:\n%s", file, out)
	}
}
