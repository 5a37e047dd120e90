//go:build linux

package registry

import (
	"os"
	"strconv"
)

// ProbeOpen consults the OS to verify path is actually held open by some
// process, by scanning /proc/<pid>/fd/* symlink targets. Files no longer
// open are quietly removed from the Open set by the caller (spec section
// 4.2 "probe_open"). Grounded on the original implementation's psutil-based
// is_file_open: no process/fd-introspection library appears anywhere in the
// example pack, so this walks /proc directly (see DESIGN.md).
func ProbeOpen(path string) bool {
	procEntries, err := os.ReadDir("/proc")
	if err != nil {
		return false
	}
	for _, entry := range procEntries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		fdDir := "/proc/" + strconv.Itoa(pid) + "/fd"
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			target, err := os.Readlink(fdDir + "/" + fd.Name())
			if err != nil {
				continue
			}
			if target == path {
				return true
			}
		}
	}
	return false
}

// Reconcile drops every record in open that ProbeOpen reports as no longer
// held by any process. Called periodically by the orchestrator's reconcile
// loop so stale Open
// entries (closed without a matching CLOSE_* event reaching this process,
// e.g. a process killed mid-write) do not linger forever.
func (s *Set) Reconcile() {
	for _, r := range s.ListAll() {
		if !ProbeOpen(r.Path) {
			s.Remove(r.Path)
		}
	}
}
