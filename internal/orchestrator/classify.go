//go:build linux

package orchestrator

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/ddemuro/fsrsyncd/internal/registry"
)

// classify applies the event-classification decision table (spec section
// 4.3) to one decoded kernel event for a single destination's path. It
// mutates the three registries and returns nothing: every branch's effect
// is a registry add/remove, there is no separate "classification result" to
// thread through.
//
// Ordering matters: CREATE is checked before OPEN so that a CREATE+OPEN
// pair observed in the same read (as inotify commonly delivers for a new
// file) lands in Immediate rather than Open, since the file's initial
// write burst is what admission into Immediate is meant to capture.
func classify(mask uint32, path string, isDir bool, open, immediate, regular *registry.Set, now time.Time) {
	switch {
	case mask&unix.IN_CREATE != 0:
		immediate.Add(path, now)

	case mask&unix.IN_OPEN != 0 && !isDir:
		open.Add(path, now)

	case mask&(unix.IN_CLOSE_WRITE|unix.IN_CLOSE_NOWRITE) != 0 && open.Has(path):
		open.Remove(path)
		immediate.Add(path, now)

	case mask&(unix.IN_ACCESS|unix.IN_MODIFY|unix.IN_DELETE|unix.IN_MOVED_FROM|
		unix.IN_MOVED_TO|unix.IN_MOVE_SELF|unix.IN_DELETE_SELF|unix.IN_ATTRIB|unix.IN_CLOSE_NOWRITE) != 0:
		regular.Add(path, now)
	}
}
