// Package queue tracks the set of queue subdirectories beneath basedir and
// reconciles that set against the filesystem whenever basedir changes.
package queue

import (
	"os"
	"sort"
	"strings"
)

// Queue is one tracked queue subdirectory. At most one worker may be
// attributed to a Queue at any time.
type Queue struct {
	Name   string
	Dirty  bool
	Worker int // 0 means "no live worker"
}

// Set is the ordered collection of currently known queues, keyed by name.
// Set is not safe for concurrent use; callers (the supervisor) serialise
// access to it themselves.
type Set struct {
	byName map[string]*Queue
	order  []string
}

// NewSet returns an empty queue Set.
func NewSet() *Set {
	return &Set{byName: make(map[string]*Queue)}
}

// Names returns the current queue names in a stable order.
func (s *Set) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Get returns the queue named name, or nil if it is not tracked.
func (s *Set) Get(name string) *Queue {
	return s.byName[name]
}

// MarkDirty sets the dirty bit for an existing queue. It is a no-op if name
// is not currently tracked (the directory may have been removed concurrently
// with the notification that produced this call).
func (s *Set) MarkDirty(name string) {
	if q, ok := s.byName[name]; ok {
		q.Dirty = true
	}
}

// Reconcile rescans basedir and updates the Set in place: entries whose
// name is still present are preserved verbatim (dirty bit and worker handle
// untouched); new directories are added (marked dirty if they hold a
// regular file whose name does not start with '.'); names
// no longer present are dropped. onAdd and onRemove are called for each
// added/removed name so the caller can register/unregister filesystem
// watches; they may be nil.
//
// A fast path skips all diffing when the listing is unchanged, preserving
// the existing Queue values (and their Worker/Dirty state) in that case.
func (s *Set) Reconcile(basedir string, onAdd, onRemove func(name string)) error {
	entries, err := os.ReadDir(basedir)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	if sameNames(names, s.order) {
		return nil
	}

	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		seen[name] = struct{}{}
		if _, ok := s.byName[name]; ok {
			continue // preserve existing entry untouched
		}
		dirty, derr := dirNotEmpty(basedir, name)
		if derr != nil {
			dirty = false
		}
		s.byName[name] = &Queue{Name: name, Dirty: dirty}
		if onAdd != nil {
			onAdd(name)
		}
	}

	for name := range s.byName {
		if _, ok := seen[name]; !ok {
			delete(s.byName, name)
			if onRemove != nil {
				onRemove(name)
			}
		}
	}

	s.order = names
	return nil
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// dirNotEmpty reports whether basedir/name holds at least one regular file
// whose name does not start with '.'.
func dirNotEmpty(basedir, name string) (bool, error) {
	entries, err := os.ReadDir(basedir + "/" + name)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			return true, nil
		}
	}
	return false, nil
}
