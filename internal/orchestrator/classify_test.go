//go:build linux

package orchestrator

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ddemuro/fsrsyncd/internal/registry"
)

func newSets() (open, immediate, regular *registry.Set) {
	return registry.NewSet(), registry.NewSet(), registry.NewSet()
}

func TestClassifyCreateGoesToImmediate(t *testing.T) {
	open, immediate, regular := newSets()
	classify(unix.IN_CREATE, "/srv/a/new.txt", false, open, immediate, regular, time.Now())

	if !immediate.Has("/srv/a/new.txt") {
		t.Fatal("expected CREATE to land in Immediate")
	}
	if open.Has("/srv/a/new.txt") || regular.Has("/srv/a/new.txt") {
		t.Fatal("CREATE must not land in Open or Regular")
	}
}

func TestClassifyOpenGoesToOpenSet(t *testing.T) {
	open, immediate, regular := newSets()
	classify(unix.IN_OPEN, "/srv/a/file.txt", false, open, immediate, regular, time.Now())

	if !open.Has("/srv/a/file.txt") {
		t.Fatal("expected OPEN on a regular file to land in Open")
	}
	if immediate.Has("/srv/a/file.txt") || regular.Has("/srv/a/file.txt") {
		t.Fatal("OPEN must not land in Immediate or Regular")
	}
}

func TestClassifyOpenOnDirectoryIsIgnored(t *testing.T) {
	open, immediate, regular := newSets()
	classify(unix.IN_OPEN|unix.IN_ISDIR, "/srv/a/subdir", true, open, immediate, regular, time.Now())

	if open.Len() != 0 || immediate.Len() != 0 || regular.Len() != 0 {
		t.Fatal("OPEN on a directory must not be tracked by any registry")
	}
}

func TestClassifyCloseWriteAfterOpenMovesToImmediate(t *testing.T) {
	open, immediate, regular := newSets()
	now := time.Now()
	classify(unix.IN_OPEN, "/srv/a/file.txt", false, open, immediate, regular, now)
	classify(unix.IN_CLOSE_WRITE, "/srv/a/file.txt", false, open, immediate, regular, now)

	if open.Has("/srv/a/file.txt") {
		t.Fatal("expected Open entry to be cleared on close-write")
	}
	if !immediate.Has("/srv/a/file.txt") {
		t.Fatal("expected close-write to promote the file into Immediate")
	}
}

func TestClassifyCloseNowriteWithoutPriorOpenGoesToRegular(t *testing.T) {
	open, immediate, regular := newSets()
	classify(unix.IN_CLOSE_NOWRITE, "/srv/a/file.txt", false, open, immediate, regular, time.Now())

	if !regular.Has("/srv/a/file.txt") {
		t.Fatal("expected unmatched close-nowrite to land in Regular")
	}
}

func TestClassifyModifyDeleteAttribGoToRegular(t *testing.T) {
	for _, mask := range []uint32{unix.IN_MODIFY, unix.IN_DELETE, unix.IN_ATTRIB, unix.IN_MOVED_TO} {
		open, immediate, regular := newSets()
		classify(mask, "/srv/a/file.txt", false, open, immediate, regular, time.Now())
		if !regular.Has("/srv/a/file.txt") {
			t.Fatalf("mask %d expected to land in Regular", mask)
		}
	}
}
