// Package registry implements the three per-path file registries from spec
// section 4.2: Open, Immediate, and Regular. Each is a hash set keyed by
// absolute path, guarded by its own mutex, with de-dup-on-add preserving
// first_seen and snapshot-then-iterate semantics (the teacher's and the
// original's shared-mutable-set patterns fix the iteration-during-mutation
// bug called out in spec section 9).
package registry

import (
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Record is a FileRecord: identity is Path, equality/hashing by Path only.
type Record struct {
	Path               string
	Extension          string
	FirstSeen          time.Time
	SyncedTime         *time.Time
	SyncedSuccessfully bool
}

// Set is one of the three path-keyed registries (Open, Immediate, Regular).
type Set struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewSet constructs an empty registry.
func NewSet() *Set {
	return &Set{records: make(map[string]*Record)}
}

func extensionOf(path string) string {
	base := filepath.Base(path)
	idx := strings.LastIndex(base, ".")
	if idx <= 0 {
		return ""
	}
	return base[idx+1:]
}

// Add inserts path if absent. Re-adding an existing path is a no-op: the
// existing record (and its FirstSeen) is returned unchanged, per spec
// section 4.2's de-duplication rule.
func (s *Set) Add(path string, now time.Time) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[path]; ok {
		return r
	}
	r := &Record{Path: path, Extension: extensionOf(path), FirstSeen: now}
	s.records[path] = r
	return r
}

// Remove deletes path unconditionally.
func (s *Set) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, path)
}

// Has reports whether path is currently tracked.
func (s *Set) Has(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[path]
	return ok
}

// Get returns a copy of the record for path, if present.
func (s *Set) Get(path string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[path]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Clear drops every record.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*Record)
}

// Len reports the number of tracked records.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// DeleteForPrefix removes every record under prefix. When upToTime is
// non-nil, only records whose FirstSeen is strictly before upToTime are
// removed (spec section 4.2: delete_immediate/delete_regular with
// up_to_time); records that arrived during an in-flight sync are preserved.
func (s *Set) DeleteForPrefix(prefix string, upToTime *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, r := range s.records {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		if upToTime != nil && !r.FirstSeen.Before(*upToTime) {
			continue
		}
		delete(s.records, path)
	}
}

// ListForPrefix returns a snapshot (copy) of every record whose path has
// prefix. Mutation of the returned slice never affects the registry, and
// the caller may safely iterate while other goroutines mutate the set
// (snapshot-then-iterate, per spec section 9).
func (s *Set) ListForPrefix(prefix string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for path, r := range s.records {
		if strings.HasPrefix(path, prefix) {
			out = append(out, *r)
		}
	}
	return out
}

// ListAll returns a snapshot of every record, used by the control plane's
// introspection routes.
func (s *Set) ListAll() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	return out
}

// EvictExpiredOpen removes, from open, every record under prefix whose age
// (now - FirstSeen) exceeds maxWait (every record under prefix when maxWait
// is zero or negative), and returns the remaining (non-expired)
// records under prefix — the definitive exclude-candidate list consumed by
// the regular sync phase (spec section 4.2/9, Open Question b).
func EvictExpiredOpen(open *Set, prefix string, maxWait time.Duration, now time.Time) []Record {
	open.mu.Lock()
	defer open.mu.Unlock()

	remaining := make([]Record, 0)
	for path, r := range open.records {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		age := now.Sub(r.FirstSeen)
		if maxWait <= 0 || age > maxWait {
			delete(open.records, path)
			continue
		}
		remaining = append(remaining, *r)
	}
	return remaining
}

// MarkSynced flags the record for path as synced at t; the caller is
// responsible for then deleting it from the owning set (the orchestrator
// drains a registry only after rsync reports success).
func (s *Set) MarkSynced(path string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[path]; ok {
		r.SyncedSuccessfully = true
		synced := t
		r.SyncedTime = &synced
	}
}
