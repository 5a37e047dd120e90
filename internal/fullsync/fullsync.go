// Package fullsync implements the Full-Sync Scheduler (spec component C5):
// a periodic background task that runs a complete directory sync per
// destination once its configured interval elapses.
package fullsync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ddemuro/fsrsyncd/internal/config"
	"github.com/ddemuro/fsrsyncd/internal/serverlock"
)

// Driver is the subset of transfer.Driver's behavior the scheduler needs,
// satisfied by *transfer.Driver; kept as an interface so tests can stub it.
type Driver interface {
	Run(ctx context.Context, exclude, include []string) (rsyncOK, hooksOK bool)
}

// Destination bundles a configured destination with its transfer driver.
type Destination struct {
	Cfg    *config.Destination
	Driver Driver
}

// Scheduler runs the periodic full-sync sweep described in spec section
// 4.7: every tick interval, sweep the lock coordinator, then for each
// destination whose interval has elapsed (or which has never run), invoke
// a full rsync with no include list.
type Scheduler struct {
	Destinations  []Destination
	Coordinator   *serverlock.Coordinator
	Tick          time.Duration
	Log           *zap.SugaredLogger
	LocalHostname string

	now func() time.Time
}

// New constructs a Scheduler with the default tick interval
// (config.CheckThreadsSleep) unless tick is overridden by the caller.
// localHostname is the acquirer identity used when releasing the global
// server lock after a scheduled full sync.
func New(destinations []Destination, coordinator *serverlock.Coordinator, tick time.Duration, localHostname string, log *zap.SugaredLogger) *Scheduler {
	if tick <= 0 {
		tick = config.CheckThreadsSleep
	}
	return &Scheduler{Destinations: destinations, Coordinator: coordinator, Tick: tick, LocalHostname: localHostname, Log: log, now: time.Now}
}

// Run blocks, ticking until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.Coordinator != nil {
		s.Coordinator.Sweep()
	}
	for _, dest := range s.Destinations {
		s.maybeFullSync(ctx, dest)
	}
}

func (s *Scheduler) maybeFullSync(ctx context.Context, dest Destination) {
	d := dest.Cfg
	now := s.now()
	interval := time.Duration(d.FullSyncInterval) * time.Minute

	d.Lock()
	due := d.LastFullSync == nil || now.Sub(*d.LastFullSync) >= interval
	d.Unlock()
	if !due {
		return
	}

	if !d.TryLockSync() {
		if s.Log != nil {
			s.Log.Debugw("full sync skipped, destination busy", "destination", d.Destination)
		}
		return
	}
	defer d.UnlockSync()

	correlationID := uuid.NewString()
	rsyncOK, hooksOK := dest.Driver.Run(ctx, d.FilesToExclude, nil)

	d.Lock()
	d.LastFullSync = &now
	d.Unlock()
	d.RecordStat(config.StatEntry{
		Time:          now,
		LogType:       "full",
		RsyncOK:       rsyncOK,
		HooksOK:       hooksOK,
		CorrelationID: correlationID,
	})

	if s.Log != nil {
		s.Log.Infow("full sync completed", "destination", d.Destination, "rsync_ok", rsyncOK, "hooks_ok", hooksOK, "correlation_id", correlationID)
	}

	if d.UseGlobalServerLock && s.Coordinator != nil && d.RemoteHostname != "" {
		s.Coordinator.Release(d.RemoteHostname, s.LocalHostname)
	}
}

// RunOnce performs one synchronous full-sync pass across every destination
// and returns once all have completed — the --fullsync CLI one-shot mode
// from spec section 4.7.
func RunOnce(ctx context.Context, destinations []Destination, log *zap.SugaredLogger) {
	for _, dest := range destinations {
		d := dest.Cfg
		correlationID := uuid.NewString()
		rsyncOK, hooksOK := dest.Driver.Run(ctx, d.FilesToExclude, nil)
		now := time.Now()
		d.Lock()
		d.LastFullSync = &now
		d.Unlock()
		d.RecordStat(config.StatEntry{
			Time: now, LogType: "full", RsyncOK: rsyncOK, HooksOK: hooksOK, CorrelationID: correlationID,
		})
		if log != nil {
			log.Infow("one-shot full sync completed", "destination", d.Destination, "rsync_ok", rsyncOK, "hooks_ok", hooksOK)
		}
	}
}
