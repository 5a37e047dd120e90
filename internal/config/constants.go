package config

import "time"

// Default values mirrored from the original implementation's constants
// module, used wherever a configuration field is left unset.
const (
	DefaultConfigPath = "/etc/fsrsync/config.json"
	DefaultLogPath    = "/var/log/fsrsync.log"
	DefaultLogMaxSizeMiB = 100

	DefaultSSHUser = "root"
	DefaultSSHPort = 22

	DefaultMaxWaitLocked       = 60
	DefaultWarningFileOpenTime = 86400
	DefaultFullSyncIntervalMin = 60
	DefaultMaxStats            = 100

	// DefaultMaxLockTimeMin mirrors the original implementation's
	// ServerLocker(max_lock_time=30).
	DefaultMaxLockTimeMin = 30

	// CheckThreadsSleep is the full-sync scheduler's tick interval.
	CheckThreadsSleep = 300 * time.Second

	// PeerLockPollInterval and PeerLockWaitTimeout govern the destination
	// worker's wait loop for a peer-held ServerLock.
	PeerLockPollInterval = 30 * time.Second
	PeerLockWaitTimeout  = time.Hour

	// LockedOnSyncRetryDelay is not referenced by the orchestrator: when a
	// destination is already mid-sync, its sync pass returns at once without
	// sleeping and is retried on the worker's next wake signal or 1s tick.
	LockedOnSyncRetryDelay = 30 * time.Second

	// OpenRegistryReconcileInterval governs how often the Open registry is
	// reconciled against actual OS-held file descriptors (probe_open), so a
	// process killed mid-write without a matching CLOSE_* event does not
	// permanently exclude its path from the regular sync phase.
	OpenRegistryReconcileInterval = 30 * time.Second

	SSHCommandTimeout = 1000 * time.Second
	PeerHTTPTimeout   = 120 * time.Second
)

// ExcludeEverything is the sentinel appended to exclude lists whenever an
// include list is present, per spec section 4.4.
const ExcludeEverything = "*"
