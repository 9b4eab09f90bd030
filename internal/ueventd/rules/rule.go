// Package rules scans the rules directory, classifies each surviving file
// into a handler kind, and keeps the resulting ordered rule list. The whole
// set is replaced (never incrementally merged) on every reload.
package rules

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Kind identifies which handler implementation services a Rule.
type Kind int

const (
	KindShell Kind = iota
	KindScript
)

// Handler is the polymorphic rule-invocation interface shared by the shell
// and embedded-script kinds.
type Handler interface {
	// Load prepares the handler from the file at path. Called once when the
	// rule enters the set.
	Load(path string) error
	// Run invokes the handler for one (event, phase) pair with the given
	// environment. phase is "EVENT" or "POST".
	Run(env []string, phase string) error
	// Drop releases any resources Load acquired (e.g. a loaded script VM).
	// Called when the rule leaves the set, after the POST phase; a worker
	// may call it more than once for the same rule, and repeat calls are
	// no-ops.
	Drop()
}

// Rule is one registered handler together with its identity.
type Rule struct {
	Name    string
	Kind    Kind
	Handler Handler
}

// Set is the ordered, immutable-once-built collection of currently active
// rules. A new Set is constructed on every reload; the old one's rules are
// dropped by the caller once no worker can still be using it.
type Set struct {
	Rules []*Rule
}

// Scan rescans dir, filtering and ordering rule files, and classifies each
// survivor into a shell or (when built with the script_embedded tag)
// embedded-script handler. Files that classify as neither are discarded
// silently rather than registered.
func Scan(dir string) (*Set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !ruleFilter(e) {
			continue
		}
		names = append(names, e.Name())
	}

	// Reverse-alphabetical: rules run from the last-sorted name to the
	// first, so a rule file can be inserted before an existing one by name.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	set := &Set{}
	for _, name := range names {
		path := filepath.Join(dir, name)
		kind, handler, ok := classify(path)
		if !ok {
			continue
		}
		if err := handler.Load(path); err != nil {
			continue // unreadable/unloadable rule file: skip, do not fail the whole scan
		}
		set.Rules = append(set.Rules, &Rule{Name: name, Kind: kind, Handler: handler})
	}
	return set, nil
}

// Drop releases every rule's handler resources. Call only after no worker
// can still be referencing this Set (i.e. after its POST phase completed).
func (s *Set) Drop() {
	for _, r := range s.Rules {
		r.Handler.Drop()
	}
}

// ruleFilter accepts regular files only, no leading dot, no trailing '~',
// and not one of the editor/package-manager backup suffixes.
func ruleFilter(e os.DirEntry) bool {
	if e.IsDir() {
		return false
	}
	name := e.Name()
	if strings.HasPrefix(name, ".") {
		return false
	}
	if strings.HasSuffix(name, "~") {
		return false
	}
	for _, suffix := range []string{".#", ".swp", ".rpmnew", ".rpmsave"} {
		if strings.HasSuffix(name, suffix) {
			return false
		}
	}
	return true
}

// classify reads the first bytes of path to decide its handler kind. It
// returns ok=false when the file matches neither the shell-executable nor
// the embedded-script signature.
func classify(path string) (Kind, Handler, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, nil, false
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, nil, false
	}
	var head [3]byte
	n, _ := f.Read(head[:])
	f.Close()

	if n == 3 && head == [3]byte{'#', '!', '/'} && info.Mode()&0o100 != 0 {
		return KindShell, &shellHandler{}, true
	}
	if h, ok := newScriptHandler(); ok {
		return KindScript, h, true
	}
	return 0, nil, false
}
