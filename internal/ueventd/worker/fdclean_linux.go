//go:build linux

package worker

import (
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// closeExcessFDs marks every open file descriptor above stderr close-on-exec,
// so no handler process the worker runs inherits one. The descriptors stay
// open in the worker itself, so the audit log it has already opened and the
// Go runtime's own descriptors remain usable.
func closeExcessFDs() {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return
	}
	for _, e := range entries {
		fd, err := strconv.Atoi(e.Name())
		if err != nil || fd <= 2 {
			continue
		}
		unix.CloseOnExec(fd)
	}
}
