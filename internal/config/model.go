// Package config holds the typed configuration model for fsrsyncd and the
// JSON load/default/validate pipeline that produces it.
package config

import (
	"sync"
	"time"
)

// Destination describes one local-directory-to-remote-endpoint sync target.
//
// Runtime-only fields (LockedOnSync, LastFullSync, Statistics, mu) are not
// populated from JSON; they are owned by the orchestrator and the components
// it wires together.
type Destination struct {
	Path            string `json:"path"`
	Destination     string `json:"destination"`
	DestinationPath string `json:"destination_path"`
	Enabled         *bool  `json:"enabled,omitempty"`
	Options         string `json:"options"`

	SSHUser string `json:"ssh_user"`
	SSHKey  string `json:"ssh_key"`
	SSHPort int    `json:"ssh_port"`

	Events          []string `json:"events"`
	EventQueueLimit int      `json:"event_queue_limit"`

	MaxWaitLocked       int `json:"max_wait_locked"`
	WarningFileOpenTime int `json:"warning_file_open_time"`

	ExtensionsToIgnore []string `json:"extensions_to_ignore"`
	FilesToExclude     []string `json:"files_to_exclude"`

	PreSyncCommandsLocal            []string `json:"pre_sync_commands_local"`
	PostSyncCommandsLocal           []string `json:"post_sync_commands_local"`
	PreSyncCommandsRemote           []string `json:"pre_sync_commands_remote"`
	PostSyncCommandsRemote          []string `json:"post_sync_commands_remote"`
	PreSyncCommandsCheckexitLocal   []string `json:"pre_sync_commands_checkexit_local"`
	PostSyncCommandsCheckexitLocal  []string `json:"post_sync_commands_checkexit_local"`
	PreSyncCommandsCheckexitRemote  []string `json:"pre_sync_commands_checkexit_remote"`
	PostSyncCommandsCheckexitRemote []string `json:"post_sync_commands_checkexit_remote"`

	NotifyFileLocks     bool   `json:"notify_file_locks"`
	UseGlobalServerLock bool   `json:"use_global_server_lock"`
	RemoteHostname      string `json:"remote_hostname"`

	// MaxLockTimeMinutes bounds how long a ServerLock may be held before it
	// is considered expired and cleared regardless of owner (spec section 3
	// "expiry clears the lock"), mirroring the original implementation's
	// ServerLocker(max_lock_time=30).
	MaxLockTimeMinutes int `json:"max_lock_time"`

	// ControlServer{Host,Port,Secret} address the peer control plane this
	// destination mirrors its global server lock onto.
	ControlServerHost   string `json:"control_server_host"`
	ControlServerPort   int    `json:"control_server_port"`
	ControlServerSecret string `json:"control_server_secret"`

	FullSyncInterval int `json:"full_sync_interval"`

	// Statistics is a bounded ring of the last MaxStats sync outcomes,
	// appended to by the orchestrator and read by the control plane.
	Statistics []StatEntry `json:"-"`
	maxStats   int

	// LockedOnSync is the non-blocking try-lock from spec section 4.5 step 1.
	LockedOnSync bool       `json:"-"`
	LastFullSync *time.Time `json:"-"`

	mu sync.Mutex
}

// StatEntry is one recorded sync outcome, appended to Destination.Statistics.
type StatEntry struct {
	Time          time.Time `json:"time"`
	LogType       string    `json:"log_type"`
	RsyncOK       bool      `json:"rsync_ok"`
	HooksOK       bool      `json:"hooks_ok"`
	CorrelationID string    `json:"correlation_id"`
	Detail        string    `json:"detail,omitempty"`
}

// IsEnabled reports whether the destination should be watched. Defaults to
// true when unset.
func (d *Destination) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Lock and Unlock guard LockedOnSync and Statistics against concurrent
// access from the event loop, the destination worker, and the control plane.
func (d *Destination) Lock()   { d.mu.Lock() }
func (d *Destination) Unlock() { d.mu.Unlock() }

// TryLockSync is the non-blocking try-lock from spec section 4.5 step 1,
// shared by the event-driven destination worker and the full-sync
// scheduler so the two never invoke rsync for the same destination at
// once.
func (d *Destination) TryLockSync() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.LockedOnSync {
		return false
	}
	d.LockedOnSync = true
	return true
}

// UnlockSync releases the try-lock acquired by TryLockSync.
func (d *Destination) UnlockSync() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.LockedOnSync = false
}

// SetMaxStats configures the statistics ring bound; called once at setup.
func (d *Destination) SetMaxStats(n int) { d.maxStats = n }

// RecordStat appends a statistics entry, dropping the oldest on overflow of
// MaxStats (spec section 3 invariant: len(Statistics) <= max_stats).
func (d *Destination) RecordStat(s StatEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	limit := d.maxStats
	if limit <= 0 {
		limit = DefaultMaxStats
	}
	d.Statistics = append(d.Statistics, s)
	if len(d.Statistics) > limit {
		d.Statistics = d.Statistics[len(d.Statistics)-limit:]
	}
}

// SnapshotStatistics returns a copy of the statistics ring for safe external
// reading (the control plane's /dashboard and /stats-running routes).
func (d *Destination) SnapshotStatistics() []StatEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]StatEntry, len(d.Statistics))
	copy(out, d.Statistics)
	return out
}

// Key identifies a destination for duplicate detection: same local path and
// same remote endpoint is rejected at validation time.
func (d *Destination) Key() string {
	return d.Path + "|" + d.Destination
}

// Configuration is the top-level, process-wide configuration document.
type Configuration struct {
	Hostname string `json:"hostname"`
	LogLevel string `json:"loglevel"`
	Logs     string `json:"logs"`

	ControlServerHost   string `json:"control_server_host"`
	ControlServerPort   int    `json:"control_server_port"`
	ControlServerSecret string `json:"control_server_secret"`

	MaxStats int `json:"max_stats"`

	SentryDSN string `json:"SENTRY_DSN"`

	Destinations []*Destination `json:"destinations"`
}
