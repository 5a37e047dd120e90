package registry

import (
	"testing"
	"time"
)

func TestAddIsIdempotentAndPreservesFirstSeen(t *testing.T) {
	s := NewSet()
	t0 := time.Now()
	r1 := s.Add("/src/a", t0)
	r2 := s.Add("/src/a", t0.Add(time.Minute))
	if r1.FirstSeen != r2.FirstSeen {
		t.Fatalf("re-add changed FirstSeen: %v != %v", r1.FirstSeen, r2.FirstSeen)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
}

func TestDeleteForPrefixRespectsUpToTime(t *testing.T) {
	s := NewSet()
	t0 := time.Now()
	s.Add("/src/a", t0)
	tStart := t0.Add(time.Second)
	s.Add("/src/b", tStart.Add(time.Second)) // arrives after sync starts

	s.DeleteForPrefix("/src/", &tStart)

	if s.Has("/src/a") {
		t.Fatal("/src/a should have been pruned (FirstSeen before tStart)")
	}
	if !s.Has("/src/b") {
		t.Fatal("/src/b arrived during sync and must be preserved")
	}
}

func TestEvictExpiredOpen(t *testing.T) {
	open := NewSet()
	t0 := time.Now()
	open.Add("/src/open-old", t0.Add(-time.Hour))
	open.Add("/src/open-new", t0)

	remaining := EvictExpiredOpen(open, "/src/", time.Minute, t0)

	if len(remaining) != 1 || remaining[0].Path != "/src/open-new" {
		t.Fatalf("remaining = %+v, want only open-new", remaining)
	}
	if open.Has("/src/open-old") {
		t.Fatal("expired open record should have been evicted")
	}
	if !open.Has("/src/open-new") {
		t.Fatal("non-expired open record should remain")
	}
}

func TestEvictExpiredOpenZeroMaxWaitEvictsAll(t *testing.T) {
	open := NewSet()
	t0 := time.Now()
	open.Add("/src/a", t0)

	remaining := EvictExpiredOpen(open, "/src/", 0, t0)

	if len(remaining) != 0 {
		t.Fatalf("remaining = %+v, want empty (max_wait_locked=0 evicts all)", remaining)
	}
}

func TestListForPrefixIsASnapshot(t *testing.T) {
	s := NewSet()
	t0 := time.Now()
	s.Add("/src/a", t0)

	snap := s.ListForPrefix("/src/")
	s.Add("/src/b", t0)

	if len(snap) != 1 {
		t.Fatalf("snapshot mutated after later Add: len=%d", len(snap))
	}
}
