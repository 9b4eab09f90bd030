//go:build !linux

package worker

// closeExcessFDs is a no-op outside Linux; ueventd itself is Linux-only,
// but this keeps the package importable on other platforms for
// editors/linters.
func closeExcessFDs() {}
