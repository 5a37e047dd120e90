//go:build linux

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/ddemuro/fsrsyncd/internal/config"
	"github.com/ddemuro/fsrsyncd/internal/registry"
	"github.com/ddemuro/fsrsyncd/internal/serverlock"
)

type stubDriver struct {
	calls     int
	lastExcl  []string
	lastIncl  []string
	rsyncOK   bool
	hooksOK   bool
}

func (s *stubDriver) Run(ctx context.Context, exclude, include []string) (bool, bool) {
	s.calls++
	s.lastExcl = exclude
	s.lastIncl = include
	return s.rsyncOK, s.hooksOK
}

func newTestOrchestrator(cfg *config.Destination, drv *stubDriver) (*Orchestrator, *Destination) {
	dest := &Destination{Cfg: cfg, Driver: drv}
	o := &Orchestrator{
		Destinations:  []*Destination{dest},
		Coordinator:   serverlock.New(nil),
		LocalHostname: "host1",
		Open:          registry.NewSet(),
		Immediate:     registry.NewSet(),
		Regular:       registry.NewSet(),
		wake:          map[string]chan struct{}{cfg.Path: make(chan struct{}, 1)},
		pathToDest:    map[string]*Destination{cfg.Path: dest},
	}
	return o, dest
}

func TestSyncOnceRunsImmediatePhaseAndDrains(t *testing.T) {
	cfg := &config.Destination{Path: "/srv/a", Destination: "host2", MaxWaitLocked: 60}
	drv := &stubDriver{rsyncOK: true, hooksOK: true}
	o, _ := newTestOrchestrator(cfg, drv)

	o.Immediate.Add("/srv/a/file.txt", time.Now())
	o.syncOnce(context.Background(), o.Destinations[0])

	if drv.calls == 0 {
		t.Fatal("expected driver to be invoked")
	}
	if o.Immediate.Len() != 0 {
		t.Fatal("expected immediate registry to be drained after a successful sync")
	}
	stats := cfg.SnapshotStatistics()
	if len(stats) != 1 || !stats[0].RsyncOK {
		t.Fatalf("expected one successful stat entry, got %+v", stats)
	}
}

func TestSyncOnceExcludesStillOpenFilesFromRegularPhase(t *testing.T) {
	cfg := &config.Destination{Path: "/srv/a", Destination: "host2", MaxWaitLocked: 3600}
	drv := &stubDriver{rsyncOK: true, hooksOK: true}
	o, _ := newTestOrchestrator(cfg, drv)

	o.Open.Add("/srv/a/still-open.txt", time.Now())
	o.Regular.Add("/srv/a/ready.txt", time.Now())
	o.syncOnce(context.Background(), o.Destinations[0])

	found := false
	for _, e := range drv.lastExcl {
		if e == "/srv/a/still-open.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected still-open file to be excluded from regular sync, got exclude=%v", drv.lastExcl)
	}
	if o.Open.Len() != 1 {
		t.Fatal("expected the still-open file to remain tracked, not evicted")
	}
}

func TestSyncOnceAdmitsExpiredOpenFileOnceWaitWindowPasses(t *testing.T) {
	cfg := &config.Destination{Path: "/srv/a", Destination: "host2", MaxWaitLocked: 1}
	drv := &stubDriver{rsyncOK: true, hooksOK: true}
	o, _ := newTestOrchestrator(cfg, drv)

	o.Open.Add("/srv/a/expiring.txt", time.Now().Add(-2*time.Second))
	o.Regular.Add("/srv/a/ready.txt", time.Now())
	o.syncOnce(context.Background(), o.Destinations[0])

	if o.Open.Len() != 0 {
		t.Fatal("expected the expired open file to be evicted from Open")
	}
	for _, e := range drv.lastExcl {
		if e == "/srv/a/expiring.txt" {
			t.Fatal("expired open file should no longer be excluded once its wait window has passed")
		}
	}
}

func TestSyncOnceSkipsWhenAlreadyLocked(t *testing.T) {
	cfg := &config.Destination{Path: "/srv/a", Destination: "host2"}
	drv := &stubDriver{rsyncOK: true, hooksOK: true}
	o, _ := newTestOrchestrator(cfg, drv)

	cfg.TryLockSync()
	defer cfg.UnlockSync()

	o.syncOnce(context.Background(), o.Destinations[0])
	if drv.calls != 0 {
		t.Fatal("expected sync to be skipped while already locked")
	}
}
