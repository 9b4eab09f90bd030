// Package canon resolves a symlink target relative to the symlink's own
// path into an absolute path, using pure string manipulation. It never
// touches the filesystem, so it works the same whether or not any
// intermediate component actually exists yet.
package canon

import "strings"

// CanonicalizeSymlink resolves target (the raw, possibly relative, contents
// of a symlink at file) into an absolute path. An absolute target is
// returned unchanged.
//
// A sequence of "../" prefixes pops one component off file's directory
// each, "./" prefixes are skipped, and the remaining target is appended
// component by component.
func CanonicalizeSymlink(file, target string) string {
	if strings.HasPrefix(target, "/") {
		return target
	}

	dir := file
	if slash := strings.LastIndexByte(dir, '/'); slash >= 0 {
		dir = dir[:slash]
	} else {
		dir = ""
	}

	for {
		switch {
		case strings.HasPrefix(target, "../"):
			target = target[3:]
			if slash := strings.LastIndexByte(dir, '/'); slash >= 0 {
				dir = dir[:slash]
			} else {
				dir = ""
			}
			continue
		case strings.HasPrefix(target, "./"):
			target = target[2:]
			continue
		}

		slash := strings.IndexByte(target, '/')
		if slash < 0 {
			return dir + "/" + target
		}
		dir = dir + "/" + target[:slash]
		target = target[slash+1:]
	}
}
