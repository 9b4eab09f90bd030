// Package depresolve extracts the shared library dependencies of a
// dynamically linked ELF object by delegating to the platform's own
// dynamic linker resolution (ldd) rather than reimplementing rpath/runpath
// and ld.so.cache resolution.
package depresolve

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Dependencies runs `ldd path` and returns the absolute paths of every
// resolved shared object dependency, in the order ldd reports them.
// Unresolved dependencies (ldd prints "=> not found") and the vDSO
// pseudo-entry (no "=>" arrow and no absolute path) are silently skipped;
// the dynamic linker's own line, which has an absolute path but no arrow,
// is kept.
func Dependencies(ctx context.Context, path string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "ldd", path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		// ldd exits non-zero for, e.g., a non-dynamic executable; the
		// original pipes its output through popen() regardless of exit
		// status and simply finds nothing to parse in that case.
		if len(out) == 0 {
			return nil, fmt.Errorf("depresolve: ldd %q: %w", path, err)
		}
	}

	var deps []string
	for _, line := range strings.Split(string(out), "\n") {
		dep, ok := parseLddLine(line)
		if ok {
			deps = append(deps, dep)
		}
	}
	return deps, nil
}

// parseLddLine extracts the absolute path from one line of ldd output, such
// as:
//
//	libc.so.6 => /lib/x86_64-linux-gnu/libc.so.6 (0x00007f...)
//	/lib64/ld-linux-x86-64.so.2 (0x00007f...)
//
// It returns ok=false for lines with no "(0x" address suffix, or whose
// resolved path is not absolute (e.g. "not found").
func parseLddLine(line string) (string, bool) {
	idx := strings.Index(line, "(0x")
	if idx < 0 {
		return "", false
	}
	line = strings.TrimSpace(line[:idx])

	if arrow := strings.Index(line, " => "); arrow >= 0 {
		line = line[arrow+len(" => "):]
	}
	line = strings.TrimSpace(line)

	if !strings.HasPrefix(line, "/") {
		return "", false
	}
	return line, true
}
