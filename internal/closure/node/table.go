// Package node tracks the set of filesystem entries discovered while
// computing a dependency closure: every path is recorded at most once,
// keyed by its source path, and callers mark an entry Processed once its
// own dependencies have been walked.
package node

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// FileNode is one file, directory, device node, FIFO, socket, or symlink
// discovered during traversal. Mode/Dev/UID/GID/Size are populated from an
// lstat of Source the first time the node is marked Processed.
type FileNode struct {
	Source    string
	SourceLen int
	Processed bool
	Mode      uint32
	Size      int64
	Dev       uint64 // st_rdev: the device number mknod uses for block/char nodes
	UID       uint32
	GID       uint32
	// Symlink is the raw (possibly relative) link target, set only when
	// Mode&unix.S_IFLNK != 0.
	Symlink string
}

// Table is the growing, deduplicated collection of nodes discovered so far.
// Not safe for concurrent use; the traversal engine owns one Table per run.
type Table struct {
	bySource map[string]*FileNode
	order    []*FileNode
	Prefix   string
}

// NewTable returns an empty Table. prefix, if non-empty, is the path
// component later stripped from destination paths by PrintFiles/Install
// (the --remove-prefix option).
func NewTable(prefix string) *Table {
	return &Table{bySource: make(map[string]*FileNode), Prefix: prefix}
}

// Nodes returns every node in discovery order.
func (t *Table) Nodes() []*FileNode {
	out := make([]*FileNode, len(t.order))
	copy(out, t.order)
	return out
}

// AppendPath records path if it is not already known and returns its node
// (new or existing). It does not touch the filesystem; lstat is deferred
// to the caller.
func (t *Table) AppendPath(path string) *FileNode {
	if f, ok := t.bySource[path]; ok {
		return f
	}
	f := &FileNode{Source: path, SourceLen: len(path)}
	t.bySource[path] = f
	t.order = append(t.order, f)
	return f
}

// AppendFullPath records path and every parent directory up to Prefix (or
// the filesystem root), lstat-ing and marking each newly discovered parent
// directory Processed so the traversal engine never has to walk into it on
// its own. It returns path's own node, still unprocessed.
//
// The parent-walk exists so that every directory on the way to an
// installed file is itself a node in the closure, even when the traversal
// engine never visits it directly.
func (t *Table) AppendFullPath(path string) *FileNode {
	cur := path
	for {
		if t.Prefix != "" && cur == t.Prefix {
			break
		}

		slash := strings.LastIndexByte(cur, '/')
		if slash < 0 || slash == 0 {
			// No '/' at all, or the only one is the leading root slash
			// ("/x" truncating further would only yield "/" itself): stop
			// without adding the bare root.
			break
		}
		cur = cur[:slash]

		p := t.AppendPath(cur)
		if p.Processed {
			continue
		}

		var st unix.Stat_t
		if err := unix.Lstat(cur, &st); err != nil {
			// Leave the node unprocessed so the traversal engine's own lstat
			// on its next visit surfaces the same failure with context.
			continue
		}
		p.Mode = st.Mode
		p.Dev = uint64(st.Rdev)
		p.UID = st.Uid
		p.GID = st.Gid
		if st.Mode&unix.S_IFMT == unix.S_IFDIR {
			p.Processed = true
		}
	}
	return t.AppendPath(path)
}

// NextUnprocessed returns the source path of the first node in discovery
// order that has not yet been marked Processed, or "" if none remain. Used
// to seed another directory walk from any node left by shebang/symlink/ELF
// dependency resolution during the previous walk.
func (t *Table) NextUnprocessed() string {
	for _, f := range t.order {
		if !f.Processed {
			return f.Source
		}
	}
	return ""
}

// Sort orders nodes directories-first, then lexicographically by source
// path, so parent directories are always created before their contents
// during printing or installation.
func (t *Table) Sort() {
	sort.SliceStable(t.order, func(i, j int) bool {
		a, b := t.order[i], t.order[j]
		aDir := a.Mode&unix.S_IFMT == unix.S_IFDIR
		bDir := b.Mode&unix.S_IFMT == unix.S_IFDIR
		if aDir != bDir {
			return aDir
		}
		return a.Source < b.Source
	})
}

// String renders a node for diagnostic logging.
func (f *FileNode) String() string {
	return fmt.Sprintf("%s (mode=%o processed=%v)", f.Source, f.Mode, f.Processed)
}
