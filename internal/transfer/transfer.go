// Package transfer implements the per-destination Transfer Driver (spec
// component C3): include/exclude composition, the four-phase hook
// pipeline, and the rsync subprocess invocation.
package transfer

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/ddemuro/fsrsyncd/internal/config"
	"github.com/ddemuro/fsrsyncd/internal/sshexec"
)

const sshTimeout = config.SSHCommandTimeout

// Hooks holds the four pre/post x local/remote x fire-and-forget/checkexit
// command buckets from spec section 3.
type Hooks struct {
	PreLocalFireAndForget   []string
	PreLocalCheckExit       []string
	PreRemoteFireAndForget  []string
	PreRemoteCheckExit      []string
	PostLocalFireAndForget  []string
	PostLocalCheckExit      []string
	PostRemoteFireAndForget []string
	PostRemoteCheckExit     []string
}

// HooksFromDestination copies the eight hook buckets out of a configured
// destination.
func HooksFromDestination(d *config.Destination) Hooks {
	return Hooks{
		PreLocalFireAndForget:   d.PreSyncCommandsLocal,
		PreLocalCheckExit:       d.PreSyncCommandsCheckexitLocal,
		PreRemoteFireAndForget:  d.PreSyncCommandsRemote,
		PreRemoteCheckExit:      d.PreSyncCommandsCheckexitRemote,
		PostLocalFireAndForget:  d.PostSyncCommandsLocal,
		PostLocalCheckExit:      d.PostSyncCommandsCheckexitLocal,
		PostRemoteFireAndForget: d.PostSyncCommandsRemote,
		PostRemoteCheckExit:     d.PostSyncCommandsCheckexitRemote,
	}
}

// Driver runs rsync and its surrounding hooks for one destination.
type Driver struct {
	Destination     string // user@host
	DestinationPath string
	Path            string // local source directory
	Options         string // rsync flags, space separated
	SSHUser         string
	SSHKey          string
	SSHPort         int
	Hooks           Hooks
	Log             *zap.SugaredLogger

	// runRsync and runSSH are overridable for tests.
	runRsync func(ctx context.Context, argv []string) (ok bool, stdout, stderr string, err error)
	runSSH   func(ctx context.Context, command string) (sshexec.Result, error)
}

// New constructs a Driver for a destination.
func New(d *config.Destination, log *zap.SugaredLogger) *Driver {
	drv := &Driver{
		Destination:     d.Destination,
		DestinationPath: d.DestinationPath,
		Path:            d.Path,
		Options:         d.Options,
		SSHUser:         d.SSHUser,
		SSHKey:          d.SSHKey,
		SSHPort:         d.SSHPort,
		Hooks:           HooksFromDestination(d),
		Log:             log,
	}
	drv.runRsync = drv.execRsync
	drv.runSSH = drv.execSSH
	return drv
}

func (d *Driver) remoteHost() string {
	if idx := strings.LastIndex(d.Destination, "@"); idx >= 0 {
		return d.Destination[idx+1:]
	}
	return d.Destination
}

func (d *Driver) execSSH(ctx context.Context, command string) (sshexec.Result, error) {
	return sshexec.Run(ctx, sshexec.Target{
		Host:    d.remoteHost(),
		User:    d.SSHUser,
		Port:    d.SSHPort,
		KeyPath: d.SSHKey,
	}, command, sshTimeout)
}

func (d *Driver) execRsync(ctx context.Context, argv []string) (bool, string, string, error) {
	cmd := exec.CommandContext(ctx, "rsync", argv...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return false, string(out), exitErr.Error(), nil
		}
		return false, string(out), "", fmt.Errorf("exec rsync: %w", err)
	}
	return true, string(out), "", nil
}

// dedupe preserves first-occurrence order, mirroring the original's
// dedupe_a_list.
func dedupe(items []string) []string {
	if items == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}

// composeIncludeExclude applies spec section 4.4's composition rule:
// exclude wins over include on overlap, and the exclude_everything
// sentinel is appended only when an include list is present.
func composeIncludeExclude(exclude, include []string) (resolvedExclude, resolvedInclude []string) {
	exclude = dedupe(exclude)
	include = dedupe(include)

	if len(exclude) > 0 && len(include) > 0 {
		excluded := make(map[string]struct{}, len(exclude))
		for _, e := range exclude {
			excluded[e] = struct{}{}
		}
		filtered := make([]string, 0, len(include))
		for _, inc := range include {
			if _, ok := excluded[inc]; ok {
				continue
			}
			filtered = append(filtered, inc)
		}
		include = filtered
	}

	if include != nil {
		exclude = append(append([]string{}, exclude...), config.ExcludeEverything)
	}
	return exclude, include
}

// formatBraceList renders the literal rsync brace-comma argument value,
// e.g. {'a','b'}, as a single token — it is never split across argv
// elements (spec section 9: shell composition).
func formatBraceList(items []string) string {
	quoted := make([]string, len(items))
	for i, it := range items {
		quoted[i] = "'" + it + "'"
	}
	return "{" + strings.Join(quoted, ",") + "}"
}

// sshFlag synthesizes rsync's -e argument: a single flag carrying both key
// and port when both are set, otherwise whichever is set (spec section 4.4,
// correcting the original's non-mutually-exclusive if-chain).
func sshFlag(key string, port int) string {
	switch {
	case key != "" && port != 0:
		return fmt.Sprintf("ssh -i %s -p %d", key, port)
	case port != 0:
		return fmt.Sprintf("ssh -p %d", port)
	case key != "":
		return fmt.Sprintf("ssh -i %s", key)
	default:
		return ""
	}
}

func (d *Driver) buildArgv(exclude, include []string) []string {
	var argv []string
	if d.Options != "" {
		argv = append(argv, strings.Fields(d.Options)...)
	}
	argv = append(argv, "--stats")

	if flag := sshFlag(d.SSHKey, d.SSHPort); flag != "" {
		argv = append(argv, "-e", flag)
	}
	if len(exclude) > 0 {
		argv = append(argv, "--exclude="+formatBraceList(exclude))
	}
	if len(include) > 0 {
		argv = append(argv, "--include="+formatBraceList(include))
	}

	dest := fmt.Sprintf("%s:%s", d.Destination, d.DestinationPath)
	if include != nil {
		// Include list is authoritative; src_paths segment is omitted
		// (spec section 4.4).
		argv = append(argv, dest)
	} else {
		argv = append(argv, d.Path, dest)
	}
	return argv
}

func runFireAndForget(ctx context.Context, log *zap.SugaredLogger, commands []string, exec func(context.Context, string) error) {
	for _, c := range commands {
		if c == "" {
			continue
		}
		if err := exec(ctx, c); err != nil && log != nil {
			log.Warnw("fire-and-forget hook failed", "command", c, "error", err)
		}
	}
}

// runCheckExit executes commands in order, returning false on the first
// non-zero exit (spec section 4.4 phase 2/4).
func runCheckExit(ctx context.Context, log *zap.SugaredLogger, commands []string, exec func(context.Context, string) (bool, error)) bool {
	for _, c := range commands {
		if c == "" {
			continue
		}
		ok, err := exec(ctx, c)
		if err != nil {
			if log != nil {
				log.Errorw("checkexit hook errored", "command", c, "error", err)
			}
			return false
		}
		if !ok {
			if log != nil {
				log.Errorw("checkexit hook exited non-zero", "command", c)
			}
			return false
		}
	}
	return true
}

func (d *Driver) runLocalFireAndForget(ctx context.Context, commands []string) {
	runFireAndForget(ctx, d.Log, commands, func(ctx context.Context, c string) error {
		return exec.CommandContext(ctx, "sh", "-c", c).Run()
	})
}

func (d *Driver) runLocalCheckExit(ctx context.Context, commands []string) bool {
	return runCheckExit(ctx, d.Log, commands, func(ctx context.Context, c string) (bool, error) {
		err := exec.CommandContext(ctx, "sh", "-c", c).Run()
		if err == nil {
			return true, nil
		}
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, err
	})
}

func (d *Driver) runRemoteFireAndForget(ctx context.Context, commands []string) {
	runFireAndForget(ctx, d.Log, commands, func(ctx context.Context, c string) error {
		_, err := d.runSSH(ctx, c)
		return err
	})
}

func (d *Driver) runRemoteCheckExit(ctx context.Context, commands []string) bool {
	return runCheckExit(ctx, d.Log, commands, func(ctx context.Context, c string) (bool, error) {
		res, err := d.runSSH(ctx, c)
		if err != nil {
			return false, err
		}
		return res.Success, nil
	})
}

// Run executes the full transfer operation: include/exclude composition,
// the four-phase hook pipeline, and the rsync invocation. It returns
// (rsyncOK, hooksOK) exactly per spec section 4.4's return contract.
func (d *Driver) Run(ctx context.Context, exclude, include []string) (rsyncOK bool, hooksOK bool) {
	resolvedExclude, resolvedInclude := composeIncludeExclude(exclude, include)

	if resolvedInclude != nil && len(resolvedInclude) == 0 {
		if d.Log != nil {
			d.Log.Debugw("include list empty after composition, skipping rsync", "destination", d.Destination)
		}
		return true, true
	}

	d.runLocalFireAndForget(ctx, d.Hooks.PreLocalFireAndForget)
	if !d.runLocalCheckExit(ctx, d.Hooks.PreLocalCheckExit) {
		return false, false
	}
	d.runRemoteFireAndForget(ctx, d.Hooks.PreRemoteFireAndForget)
	if !d.runRemoteCheckExit(ctx, d.Hooks.PreRemoteCheckExit) {
		return false, false
	}

	argv := d.buildArgv(resolvedExclude, resolvedInclude)
	if d.Log != nil {
		d.Log.Infow("running rsync", "destination", d.Destination, "argv", argv)
	}
	ok, stdout, stderr, err := d.runRsync(ctx, argv)
	if err != nil {
		if d.Log != nil {
			d.Log.Errorw("rsync invocation failed", "destination", d.Destination, "error", err)
		}
		ok = false
	} else if d.Log != nil && (stdout != "" || stderr != "") {
		d.Log.Infow("rsync completed", "destination", d.Destination, "ok", ok, "stdout", stdout, "stderr", stderr)
	}
	rsyncOK = ok

	d.runLocalFireAndForget(ctx, d.Hooks.PostLocalFireAndForget)
	if !d.runLocalCheckExit(ctx, d.Hooks.PostLocalCheckExit) {
		return rsyncOK, false
	}
	d.runRemoteFireAndForget(ctx, d.Hooks.PostRemoteFireAndForget)
	if !d.runRemoteCheckExit(ctx, d.Hooks.PostRemoteCheckExit) {
		return rsyncOK, false
	}

	return rsyncOK, true
}
