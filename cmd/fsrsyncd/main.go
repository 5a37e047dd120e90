// Command fsrsyncd watches one or more local directories and mirrors
// changes to remote destinations via rsync, coordinating with peer hosts
// over a lightweight HTTP control plane so that two sources never push
// into the same shared remote at once.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ddemuro/fsrsyncd/internal/config"
	"github.com/ddemuro/fsrsyncd/internal/controlplane"
	"github.com/ddemuro/fsrsyncd/internal/fsevents"
	"github.com/ddemuro/fsrsyncd/internal/fullsync"
	"github.com/ddemuro/fsrsyncd/internal/logging"
	"github.com/ddemuro/fsrsyncd/internal/orchestrator"
	"github.com/ddemuro/fsrsyncd/internal/reporting"
	"github.com/ddemuro/fsrsyncd/internal/serverlock"
	"github.com/ddemuro/fsrsyncd/internal/transfer"
)

var version = "dev"

func main() {
	var (
		configPath  string
		runFullSync bool
		doSetup     bool
		setupFolder string
	)

	root := &cobra.Command{
		Use:     "fsrsyncd",
		Short:   "Filesystem-to-rsync sync daemon",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			if doSetup {
				return runSetup(configPath, setupFolder)
			}
			if runFullSync {
				return runFullSyncOnce(configPath)
			}
			return runDaemon(configPath)
		},
	}

	flags := root.Flags()
	flags.StringVar(&configPath, "config_file", config.DefaultConfigPath, "path to the JSON configuration file")
	flags.BoolVar(&runFullSync, "fullsync", false, "run one synchronous full-sync pass across every destination and exit")
	flags.BoolVar(&doSetup, "setup", false, "create a default configuration file if one is not already present")
	flags.StringVar(&setupFolder, "setupfolder", "", "directory to create the default configuration in (used with --setup)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) && cfgErr.Reason == "decode json" {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// runSetup seeds a default configuration file, mirroring the original
// implementation's app.py setup() wizard.
func runSetup(configPath, setupFolder string) error {
	target := configPath
	if setupFolder != "" {
		target = filepath.Join(setupFolder, "config.json")
	}
	if _, err := os.Stat(target); err == nil {
		fmt.Printf("configuration already exists at %s, leaving it untouched\n", target)
		return nil
	}

	hostname, err := config.SystemHostname()
	if err != nil {
		hostname = "localhost"
	}
	cfg := &config.Configuration{
		Hostname:            hostname,
		LogLevel:            "INFO",
		Logs:                config.DefaultLogPath,
		ControlServerHost:   "0.0.0.0",
		ControlServerPort:   8080,
		ControlServerSecret: "changeme",
		MaxStats:            config.DefaultMaxStats,
		Destinations:        []*config.Destination{},
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := config.Save(target, cfg); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	fmt.Printf("wrote default configuration to %s\n", target)
	return nil
}

// buildDestinations constructs one transfer.Driver (and, for destinations
// with a control server host, one serverlock.PeerClient, used when the
// destination mirrors a global server lock onto a peer) per enabled
// destination in cfg.
func buildDestinations(cfg *config.Configuration, logger *zap.SugaredLogger) []*orchestrator.Destination {
	out := make([]*orchestrator.Destination, 0, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		if !d.IsEnabled() {
			continue
		}
		d.SetMaxStats(cfg.MaxStats)
		dest := &orchestrator.Destination{Cfg: d, Driver: transfer.New(d, logger)}
		if d.ControlServerHost != "" {
			dest.PeerClient = serverlock.NewPeerClient(d.ControlServerHost, d.ControlServerPort, d.ControlServerSecret, logger)
		}
		out = append(out, dest)
	}
	return out
}

func runDaemon(configPath string) error {
	bootLogger := logging.New(logging.Options{Level: logging.EnvLogLevel("INFO")}, nil)

	cfg, err := config.Load(configPath, bootLogger)
	if err != nil {
		bootLogger.Errorw("failed to load config", "path", configPath, "error", err)
		_ = bootLogger.Sync()
		return err
	}

	systemHostname, err := config.SystemHostname()
	if err != nil {
		bootLogger.Errorw("failed to resolve system hostname", "error", err)
		os.Exit(1)
	}
	if err := config.ValidateHostname(cfg, systemHostname); err != nil {
		bootLogger.Errorw("hostname mismatch", "error", err)
		os.Exit(1)
	}
	_ = bootLogger.Sync()

	reporter := reporting.New(cfg.SentryDSN)
	hook := func(entry zapcore.Entry) {
		reporter.ReportCritical(entry.Message, map[string]string{"level": entry.Level.String(), "caller": entry.Caller.String()})
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel, FilePath: cfg.Logs, MaxSizeMiB: config.DefaultLogMaxSizeMiB}, hook)
	defer logger.Sync() //nolint:errcheck

	var auditDB *bolt.DB
	if cfg.Logs != "" {
		db, err := serverlock.OpenAuditDB(filepath.Join(filepath.Dir(cfg.Logs), "locks.db"))
		if err != nil {
			logger.Warnw("failed to open lock audit database, continuing without an audit trail", "error", err)
		} else {
			auditDB = db
		}
	}
	coordinator := serverlock.New(auditDB)
	defer coordinator.Close()

	destinations := buildDestinations(cfg, logger)

	watcher, err := fsevents.New()
	if err != nil {
		logger.Errorw("failed to open inotify", "error", err)
		return err
	}

	orch := orchestrator.New(destinations, watcher, coordinator, cfg.Hostname, logger, reporter)
	if err := orch.AddWatches(); err != nil {
		logger.Errorw("failed to add watches", "error", err)
		return err
	}

	fsDestinations := make([]fullsync.Destination, 0, len(destinations))
	for _, d := range destinations {
		fsDestinations = append(fsDestinations, fullsync.Destination{Cfg: d.Cfg, Driver: d.Driver})
	}
	scheduler := fullsync.New(fsDestinations, coordinator, config.CheckThreadsSleep, cfg.Hostname, logger)

	cpState := &controlplane.State{
		Open:          orch.Open,
		Immediate:     orch.Immediate,
		Regular:       orch.Regular,
		Coordinator:   coordinator,
		Destinations:  cfg.Destinations,
		LocalHostname: cfg.Hostname,
	}
	cp := controlplane.New(cfg.ControlServerHost, cfg.ControlServerPort, cfg.ControlServerSecret, cpState, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cp.Start(ctx); err != nil {
		logger.Errorw("failed to start control plane", "error", err)
		return err
	}
	go scheduler.Run(ctx)
	go func() {
		if err := orch.Run(ctx); err != nil {
			logger.Errorw("orchestrator stopped with an error", "error", err)
		}
	}()

	logger.Infow("fsrsyncd started", "hostname", cfg.Hostname, "destinations", len(destinations))

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infow("signal received, shutting down", "signal", sig.String())

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	cancel()
	<-shCtx.Done()

	logger.Infow("shutdown complete")
	return nil
}

func runFullSyncOnce(configPath string) error {
	logger := logging.New(logging.Options{Level: logging.EnvLogLevel("INFO")}, nil)
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(configPath, logger)
	if err != nil {
		logger.Errorw("failed to load config", "path", configPath, "error", err)
		return err
	}

	destinations := make([]fullsync.Destination, 0, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		if !d.IsEnabled() {
			continue
		}
		d.SetMaxStats(cfg.MaxStats)
		destinations = append(destinations, fullsync.Destination{Cfg: d, Driver: transfer.New(d, logger)})
	}

	fullsync.RunOnce(context.Background(), destinations, logger)
	return nil
}
