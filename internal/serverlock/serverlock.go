// Package serverlock implements the Server-Lock Coordinator (spec
// component C4): an in-process registry of remote-host locks, plus a
// client for mirroring acquire/release onto a peer's control plane so that
// two source hosts never push into the same remote simultaneously.
package serverlock

import (
	"encoding/json"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Lock is a ServerLock: per remote hostname acquisition state.
type Lock struct {
	Host        string        `json:"host"`
	Locked      bool          `json:"locked"`
	LockedBy    string        `json:"locked_by"`
	LockedAt    time.Time     `json:"locked_at"`
	MaxLockTime time.Duration `json:"max_lock_time"`
}

// expired reports whether the lock's max_lock_time has elapsed.
func (l *Lock) expired(now time.Time) bool {
	if !l.Locked {
		return false
	}
	if l.MaxLockTime <= 0 {
		return false
	}
	return now.Sub(l.LockedAt) >= l.MaxLockTime
}

var locksBucket = []byte("server_locks")

// Coordinator is the in-process map of ServerLock by hostname, with an
// optional bbolt-backed audit trail of lock transitions.
type Coordinator struct {
	mu    sync.Mutex
	locks map[string]*Lock
	db    *bolt.DB
}

// OpenAuditDB opens (creating if absent) a bbolt database for the
// coordinator's lock-transition audit trail, generalizing the teacher's
// state_bbolt.go bucket-per-concern pattern for a new purpose.
func OpenAuditDB(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(locksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// New constructs a Coordinator. db may be nil to disable the audit trail
// (the coordinator's correctness never depends on it; it is a best-effort
// record of each lock's latest state, keyed by host, and nothing in this
// process reads it back).
func New(db *bolt.DB) *Coordinator {
	return &Coordinator{locks: make(map[string]*Lock), db: db}
}

func (c *Coordinator) audit(l Lock) {
	if c.db == nil {
		return
	}
	b, err := json.Marshal(l)
	if err != nil {
		return
	}
	_ = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(locksBucket).Put([]byte(l.Host), b)
	})
}

// Check returns the current locked-state for host, clearing it first if
// expired (spec section 4.6: "check(host) — returns locked-state,
// consulting expiry").
func (c *Coordinator) Check(host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[host]
	if !ok {
		return false
	}
	if l.expired(time.Now()) {
		l.Locked = false
	}
	return l.Locked
}

// Acquire records by as the owner of host's lock, unless it is already
// locked by a different, non-expired owner (spec section 4.6).
func (c *Coordinator) Acquire(host, by string, maxLockTime time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.locks[host]
	now := time.Now()
	if ok && l.Locked && l.LockedBy != by && !l.expired(now) {
		return false
	}
	if !ok {
		l = &Lock{Host: host}
		c.locks[host] = l
	}
	l.Locked = true
	l.LockedBy = by
	l.LockedAt = now
	l.MaxLockTime = maxLockTime
	c.audit(*l)
	return true
}

// Release clears host's lock iff by matches the current owner, and returns
// false when the lock is held by a different owner. Releasing a host that
// is not locked, or was never locked, is a no-op success.
func (c *Coordinator) Release(host, by string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[host]
	if !ok {
		return true
	}
	if l.Locked && l.LockedBy != by {
		return false
	}
	l.Locked = false
	c.audit(*l)
	return true
}

// Sweep clears every expired lock. Invoked periodically by the full-sync
// scheduler (spec section 4.6/4.7).
func (c *Coordinator) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for _, l := range c.locks {
		if l.expired(now) {
			l.Locked = false
			c.audit(*l)
		}
	}
}

// Snapshot returns a copy of every tracked lock, for the control plane.
func (c *Coordinator) Snapshot() []Lock {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Lock, 0, len(c.locks))
	for _, l := range c.locks {
		out = append(out, *l)
	}
	return out
}

// Close releases the audit database, if any.
func (c *Coordinator) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}
