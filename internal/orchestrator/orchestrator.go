//go:build linux

// Package orchestrator wires the event source, registries, transfer
// drivers, and lock coordinator together (spec component C7): one worker
// goroutine per destination consumes classified filesystem events and
// drives rsync, following the eight-step destination sync algorithm from
// spec section 4.5.
package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ddemuro/fsrsyncd/internal/config"
	"github.com/ddemuro/fsrsyncd/internal/fsevents"
	"github.com/ddemuro/fsrsyncd/internal/registry"
	"github.com/ddemuro/fsrsyncd/internal/reporting"
	"github.com/ddemuro/fsrsyncd/internal/serverlock"
)

// Driver is the subset of transfer.Driver's behavior the worker needs,
// satisfied by *transfer.Driver and stubbed in tests.
type Driver interface {
	Run(ctx context.Context, exclude, include []string) (rsyncOK, hooksOK bool)
}

// Destination bundles one configured destination with its transfer driver
// and, when UseGlobalServerLock is set, the peer this destination mirrors
// its lock onto.
type Destination struct {
	Cfg        *config.Destination
	Driver     Driver
	PeerClient *serverlock.PeerClient // nil unless ControlServerHost is set
}

// Orchestrator owns the three shared registries, the inotify watcher, the
// lock coordinator, and one worker per destination.
type Orchestrator struct {
	Destinations  []*Destination
	Watcher       *fsevents.Watcher
	Coordinator   *serverlock.Coordinator
	LocalHostname string
	Log           *zap.SugaredLogger
	Reporter      reporting.Reporter

	Open      *registry.Set
	Immediate *registry.Set
	Regular   *registry.Set

	wakeMu sync.Mutex
	wake   map[string]chan struct{} // destination path -> wake signal

	pathToDest map[string]*Destination // watch base path -> destination
}

// New constructs an Orchestrator. The caller is responsible for calling
// AddWatches before Run.
func New(destinations []*Destination, watcher *fsevents.Watcher, coordinator *serverlock.Coordinator, localHostname string, log *zap.SugaredLogger, reporter reporting.Reporter) *Orchestrator {
	o := &Orchestrator{
		Destinations:  destinations,
		Watcher:       watcher,
		Coordinator:   coordinator,
		LocalHostname: localHostname,
		Log:           log,
		Reporter:      reporter,
		Open:          registry.NewSet(),
		Immediate:     registry.NewSet(),
		Regular:       registry.NewSet(),
		wake:          make(map[string]chan struct{}),
		pathToDest:    make(map[string]*Destination),
	}
	for _, d := range destinations {
		o.pathToDest[d.Cfg.Path] = d
		o.wake[d.Cfg.Path] = make(chan struct{}, 1)
	}
	return o
}

// AddWatches attaches one inotify watch per enabled destination. A
// destination whose watch cannot be added is logged as a WatchError and
// skipped; the other destinations are still watched.
func (o *Orchestrator) AddWatches() error {
	for _, d := range o.Destinations {
		if !d.Cfg.IsEnabled() {
			continue
		}
		mask := fsevents.MaskFromEventNames(d.Cfg.Events)
		if _, err := o.Watcher.AddWatch(d.Cfg.Path, mask); err != nil {
			if o.Log != nil {
				o.Log.Errorw("skipping destination, watch not added", "path", d.Cfg.Path, "error", &WatchError{Path: d.Cfg.Path, Err: err})
			}
			continue
		}
	}
	return nil
}

// Run starts the inotify read loop and one worker goroutine per enabled
// destination, blocking until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	watcherErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := o.Watcher.Run(); err != nil {
			select {
			case watcherErr <- &KernelEventError{Err: err}:
			default:
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.classifyLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.reconcileLoop(ctx)
	}()

	for _, d := range o.Destinations {
		if !d.Cfg.IsEnabled() {
			continue
		}
		wg.Add(1)
		go func(d *Destination) {
			defer wg.Done()
			o.destinationWorker(ctx, d)
		}(d)
	}

	<-ctx.Done()
	_ = o.Watcher.Close()
	wg.Wait()

	select {
	case err := <-watcherErr:
		return err
	default:
		return nil
	}
}

// classifyLoop drains raw kernel events, classifies them into the three
// registries, and wakes the owning destination's worker for an immediate
// pass (spec section 4.3).
func (o *Orchestrator) classifyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.Watcher.Events():
			if !ok {
				return
			}
			base, ok := o.Watcher.PathForWatch(ev.WatchID)
			if !ok {
				if o.Log != nil {
					o.Log.Warnw("event for unknown watch id", "watch_id", ev.WatchID)
				}
				continue
			}
			full := base
			if ev.Name != "" {
				full = filepath.Join(base, ev.Name)
			}
			isDir := ev.Mask&unix.IN_ISDIR != 0
			classify(ev.Mask, full, isDir, o.Open, o.Immediate, o.Regular, time.Now())

			if d, ok := o.pathToDest[base]; ok {
				o.signalWake(d.Cfg.Path)
			}
		}
	}
}

// reconcileLoop periodically reconciles the Open registry against the OS's
// actual held file descriptors (spec section 8 invariant: p is in Open iff
// the OS reports it open), catching processes killed mid-write that never
// emitted a matching CLOSE_* event.
func (o *Orchestrator) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(config.OpenRegistryReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Open.Reconcile()
		}
	}
}

func (o *Orchestrator) signalWake(path string) {
	o.wakeMu.Lock()
	ch := o.wake[path]
	o.wakeMu.Unlock()
	select {
	case ch <- struct{}{}:
	default:
	}
}

// destinationWorker implements the eight-step destination sync algorithm
// (spec section 4.5), triggered either by a wake signal from classifyLoop
// or by a periodic fallback tick (so regular-phase entries admitted with
// no further filesystem activity are still eventually drained).
func (o *Orchestrator) destinationWorker(ctx context.Context, d *Destination) {
	o.wakeMu.Lock()
	ch := o.wake[d.Cfg.Path]
	o.wakeMu.Unlock()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			o.syncOnce(ctx, d)
		case <-ticker.C:
			o.syncOnce(ctx, d)
		}
	}
}

func (o *Orchestrator) syncOnce(ctx context.Context, d *Destination) {
	cfg := d.Cfg

	// Step 1: non-blocking try-lock, shared with the full-sync scheduler.
	if !cfg.TryLockSync() {
		return
	}
	defer cfg.UnlockSync()

	tStart := time.Now()

	// Step 2/3: peer-lock coordination for shared remotes.
	if cfg.UseGlobalServerLock && cfg.RemoteHostname != "" {
		if !o.acquirePeerLock(ctx, d) {
			return
		}
		defer o.releasePeerLock(ctx, d)
	}

	// Step 4: extension pruning — drop ignored extensions before sync.
	o.pruneIgnoredExtensions(d)
	o.warnLongOpenFiles(d, tStart)

	// Step 6: immediate phase.
	immediatePaths := pathsOf(o.Immediate.ListForPrefix(cfg.Path))
	var rsyncOK, hooksOK bool = true, true
	if len(immediatePaths) > 0 {
		rsyncOK, hooksOK = d.Driver.Run(ctx, cfg.FilesToExclude, immediatePaths)
		if rsyncOK {
			o.Immediate.DeleteForPrefix(cfg.Path, &tStart)
		}
	}

	// Step 7: regular phase, excluding files still within the open-file
	// wait window (spec section 4.2/9, Open Question b).
	maxWait := time.Duration(cfg.MaxWaitLocked) * time.Second
	stillOpen := registry.EvictExpiredOpen(o.Open, cfg.Path, maxWait, time.Now())
	excludeSet := append(append([]string{}, cfg.FilesToExclude...), pathsOf(stillOpen)...)

	regularPaths := pathsOf(o.Regular.ListForPrefix(cfg.Path))
	if limit := cfg.EventQueueLimit; limit > 0 && len(regularPaths) > limit {
		if o.Log != nil {
			o.Log.Warnw("regular queue exceeds event_queue_limit, truncating", "destination", cfg.Destination, "limit", limit, "pending", len(regularPaths))
		}
		regularPaths = regularPaths[:limit]
	}
	// The regular phase is admission-gated on event_queue_limit: it does not
	// run until enough regular-change events have accumulated (spec section
	// 4.5 step 7 / section 8), which is what lets many small changes
	// coalesce into a single rsync invocation instead of firing on every one.
	if len(regularPaths) > 0 && len(regularPaths) >= cfg.EventQueueLimit {
		rOK, hOK := d.Driver.Run(ctx, excludeSet, regularPaths)
		rsyncOK = rsyncOK && rOK
		hooksOK = hooksOK && hOK
		if rOK {
			o.Regular.DeleteForPrefix(cfg.Path, &tStart)
		}
	}

	// Step 8: statistics.
	cfg.RecordStat(config.StatEntry{
		Time:    time.Now(),
		LogType: "incremental",
		RsyncOK: rsyncOK,
		HooksOK: hooksOK,
	})
	if !rsyncOK && o.Reporter != nil {
		o.Reporter.ReportCritical("rsync transfer failed", map[string]string{"destination": cfg.Destination})
	}
}

// acquirePeerLock polls the coordinator until the remote is free or the
// wait timeout elapses (spec section 4.5 step 2), then acquires and
// mirrors the lock onto the configured peer control plane.
func (o *Orchestrator) acquirePeerLock(ctx context.Context, d *Destination) bool {
	cfg := d.Cfg
	deadline := time.Now().Add(config.PeerLockWaitTimeout)
	ticker := time.NewTicker(config.PeerLockPollInterval)
	defer ticker.Stop()

	for o.Coordinator.Check(cfg.RemoteHostname) {
		if time.Now().After(deadline) {
			if o.Log != nil {
				o.Log.Warnw("giving up waiting for peer lock", "remote", cfg.RemoteHostname)
			}
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}

	maxLockTime := time.Duration(cfg.MaxLockTimeMinutes) * time.Minute
	if !o.Coordinator.Acquire(cfg.RemoteHostname, o.LocalHostname, maxLockTime) {
		return false
	}
	if d.PeerClient != nil {
		if err := d.PeerClient.AddToGlobalServerLock(ctx, cfg.RemoteHostname); err != nil {
			if o.Log != nil {
				o.Log.Errorw("failed to mirror lock onto peer", "remote", cfg.RemoteHostname, "error", &PeerLockError{Host: cfg.RemoteHostname, Err: err})
			}
			// A partial acquisition counts as a failed one.
			o.Coordinator.Release(cfg.RemoteHostname, o.LocalHostname)
			return false
		}
	}
	return true
}

func (o *Orchestrator) releasePeerLock(ctx context.Context, d *Destination) {
	cfg := d.Cfg
	o.Coordinator.Release(cfg.RemoteHostname, o.LocalHostname)
	if d.PeerClient != nil {
		if err := d.PeerClient.RemoveFromGlobalServerLock(ctx, cfg.RemoteHostname); err != nil && o.Log != nil {
			o.Log.Errorw("failed to clear mirrored peer lock", "remote", cfg.RemoteHostname, "error", err)
		}
	}
}

// pruneIgnoredExtensions drops any Immediate/Regular entries under the
// destination's path whose extension is configured to be ignored, before
// they can be admitted into a sync pass.
func (o *Orchestrator) pruneIgnoredExtensions(d *Destination) {
	if len(d.Cfg.ExtensionsToIgnore) == 0 {
		return
	}
	ignored := make(map[string]struct{}, len(d.Cfg.ExtensionsToIgnore))
	for _, ext := range d.Cfg.ExtensionsToIgnore {
		ignored[ext] = struct{}{}
	}
	for _, set := range []*registry.Set{o.Immediate, o.Regular} {
		for _, rec := range set.ListForPrefix(d.Cfg.Path) {
			if _, skip := ignored[rec.Extension]; skip {
				set.Remove(rec.Path)
			}
		}
	}
}

// warnLongOpenFiles logs a warning for any file that has sat in Open
// longer than the destination's configured warning threshold (spec
// section 4.2: warning_file_open_time is purely observational, distinct
// from max_wait_locked which governs exclusion).
func (o *Orchestrator) warnLongOpenFiles(d *Destination, now time.Time) {
	if d.Cfg.WarningFileOpenTime <= 0 || o.Log == nil {
		return
	}
	threshold := time.Duration(d.Cfg.WarningFileOpenTime) * time.Second
	for _, rec := range o.Open.ListForPrefix(d.Cfg.Path) {
		if now.Sub(rec.FirstSeen) >= threshold {
			o.Log.Warnw("file has been open past warning threshold", "path", rec.Path, "open_since", rec.FirstSeen)
		}
	}
}

func pathsOf(records []registry.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Path
	}
	return out
}
