package traverse

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/midyukov-anton/make-initrd/internal/closure/node"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRunWalksDirectoryAndMarksEverythingProcessed(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	dataFile := filepath.Join(sub, "data.txt")
	if err := os.WriteFile(dataFile, []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tbl := node.NewTable("")
	tbl.AppendFullPath(root)

	if err := Run(context.Background(), tbl, discardLogger()); err != nil {
		t.Fatal(err)
	}

	for _, f := range tbl.Nodes() {
		if !f.Processed {
			t.Fatalf("node %s left unprocessed", f.Source)
		}
	}

	found := false
	for _, f := range tbl.Nodes() {
		if f.Source == dataFile {
			found = true
			if f.Mode&unix.S_IFMT != unix.S_IFREG {
				t.Fatalf("got mode %o for %s, want a regular file", f.Mode, dataFile)
			}
		}
	}
	if !found {
		t.Fatalf("walk never reached %s", dataFile)
	}
}

func TestRunFollowsShebangInterpreterIntoClosure(t *testing.T) {
	root := t.TempDir()
	interpDir := filepath.Join(root, "bin")
	if err := os.Mkdir(interpDir, 0o755); err != nil {
		t.Fatal(err)
	}
	interp := filepath.Join(interpDir, "myshell")
	if err := os.WriteFile(interp, []byte("binary\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	scriptDir := filepath.Join(root, "scripts")
	if err := os.Mkdir(scriptDir, 0o755); err != nil {
		t.Fatal(err)
	}
	script := filepath.Join(scriptDir, "run.sh")
	shebang := "#!" + interp + "\necho hi\n"
	if err := os.WriteFile(script, []byte(shebang), 0o755); err != nil {
		t.Fatal(err)
	}

	tbl := node.NewTable("")
	tbl.AppendFullPath(scriptDir)

	if err := Run(context.Background(), tbl, discardLogger()); err != nil {
		t.Fatal(err)
	}

	var interpNode *node.FileNode
	for _, f := range tbl.Nodes() {
		if f.Source == interp {
			interpNode = f
		}
	}
	if interpNode == nil {
		t.Fatalf("interpreter %s was never added to the closure", interp)
	}
	if !interpNode.Processed {
		t.Fatalf("interpreter %s added but left unprocessed", interp)
	}
}

func TestRunResolvesSymlinkTargetIntoClosure(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real.txt")
	if err := os.WriteFile(target, []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "alias.txt")
	if err := os.Symlink("real.txt", link); err != nil {
		t.Fatal(err)
	}

	tbl := node.NewTable("")
	tbl.AppendFullPath(link)

	if err := Run(context.Background(), tbl, discardLogger()); err != nil {
		t.Fatal(err)
	}

	var linkNode, targetNode *node.FileNode
	for _, f := range tbl.Nodes() {
		switch f.Source {
		case link:
			linkNode = f
		case target:
			targetNode = f
		}
	}
	if linkNode == nil || linkNode.Mode&unix.S_IFMT != unix.S_IFLNK {
		t.Fatalf("expected %s to be recorded as a symlink", link)
	}
	if linkNode.Symlink != "real.txt" {
		t.Fatalf("got Symlink %q, want real.txt", linkNode.Symlink)
	}
	if targetNode == nil || !targetNode.Processed {
		t.Fatalf("expected canonicalized target %s to be in the closure and processed", target)
	}
}
