package orchestrator

import "fmt"

// WatchError wraps a failure adding or reading an inotify watch.
type WatchError struct {
	Path string
	Err  error
}

func (e *WatchError) Error() string {
	return fmt.Sprintf("watch error on %s: %v", e.Path, e.Err)
}
func (e *WatchError) Unwrap() error { return e.Err }

// TransferError wraps a failed rsync invocation for a destination.
type TransferError struct {
	Destination string
	Err         error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer error for %s: %v", e.Destination, e.Err)
}
func (e *TransferError) Unwrap() error { return e.Err }

// HookCheckexitError reports a checkexit hook that exited non-zero,
// aborting the sync in progress (spec section 4.4).
type HookCheckexitError struct {
	Destination string
	Phase       string // e.g. "pre-local-checkexit"
	Command     string
	ExitCode    int
}

func (e *HookCheckexitError) Error() string {
	return fmt.Sprintf("hook checkexit failed for %s in phase %s (exit %d): %s",
		e.Destination, e.Phase, e.ExitCode, e.Command)
}

// PeerLockError wraps a failure to acquire or mirror a server lock.
type PeerLockError struct {
	Host string
	Err  error
}

func (e *PeerLockError) Error() string {
	return fmt.Sprintf("peer lock error for %s: %v", e.Host, e.Err)
}
func (e *PeerLockError) Unwrap() error { return e.Err }

// KernelEventError wraps a failure reading from the inotify file descriptor.
type KernelEventError struct {
	Err error
}

func (e *KernelEventError) Error() string { return fmt.Sprintf("kernel event error: %v", e.Err) }
func (e *KernelEventError) Unwrap() error { return e.Err }
