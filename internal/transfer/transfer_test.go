package transfer

import (
	"context"
	"strings"
	"testing"

	"github.com/ddemuro/fsrsyncd/internal/sshexec"
)

func newTestDriver() *Driver {
	d := &Driver{
		Destination:     "user@remote1",
		DestinationPath: "/backup/a",
		Path:            "/src/a/",
		Options:         "-az",
	}
	d.runRsync = func(ctx context.Context, argv []string) (bool, string, string, error) {
		return true, "", "", nil
	}
	d.runSSH = func(ctx context.Context, command string) (sshexec.Result, error) {
		return sshexec.Result{Success: true}, nil
	}
	return d
}

func TestComposeIncludeExcludeExcludeWins(t *testing.T) {
	exclude, include := composeIncludeExclude([]string{"/src/a/secret"}, []string{"/src/a/secret", "/src/a/ok"})
	if len(include) != 1 || include[0] != "/src/a/ok" {
		t.Fatalf("include = %v, want only /src/a/ok", include)
	}
	found := false
	for _, e := range exclude {
		if e == "*" {
			found = true
		}
	}
	if !found {
		t.Fatal("exclude_everything sentinel must be appended when include is present")
	}
}

func TestComposeIncludeExcludeNoSentinelWithoutInclude(t *testing.T) {
	exclude, include := composeIncludeExclude([]string{"/src/a/secret"}, nil)
	if include != nil {
		t.Fatalf("include = %v, want nil", include)
	}
	for _, e := range exclude {
		if e == "*" {
			t.Fatal("exclude_everything sentinel must not be appended without an include list")
		}
	}
}

func TestRunEmptyIncludeShortCircuits(t *testing.T) {
	d := newTestDriver()
	called := false
	d.runRsync = func(ctx context.Context, argv []string) (bool, string, string, error) {
		called = true
		return true, "", "", nil
	}
	rsyncOK, hooksOK := d.Run(context.Background(), nil, []string{})
	if !rsyncOK || !hooksOK {
		t.Fatalf("expected (true, true), got (%v, %v)", rsyncOK, hooksOK)
	}
	if called {
		t.Fatal("rsync must not be invoked when include list is empty")
	}
}

func TestRunCloseWriteImmediateSync(t *testing.T) {
	d := newTestDriver()
	var gotArgv []string
	d.runRsync = func(ctx context.Context, argv []string) (bool, string, string, error) {
		gotArgv = argv
		return true, "", "", nil
	}
	rsyncOK, hooksOK := d.Run(context.Background(), []string{}, []string{"/src/a"})
	if !rsyncOK || !hooksOK {
		t.Fatalf("expected success, got (%v, %v)", rsyncOK, hooksOK)
	}
	joined := strings.Join(gotArgv, " ")
	if !strings.Contains(joined, "--include={'/src/a'}") {
		t.Fatalf("argv missing formatted include: %v", gotArgv)
	}
	if strings.Contains(joined, "/src/a/ user@remote1") {
		t.Fatal("src_paths segment must be omitted when include is present")
	}
}

func TestRunPreCheckExitAborts(t *testing.T) {
	d := newTestDriver()
	d.Hooks.PreLocalCheckExit = []string{"false"}
	called := false
	d.runRsync = func(ctx context.Context, argv []string) (bool, string, string, error) {
		called = true
		return true, "", "", nil
	}
	rsyncOK, hooksOK := d.Run(context.Background(), nil, []string{"/src/a"})
	if rsyncOK || hooksOK {
		t.Fatalf("expected (false, false), got (%v, %v)", rsyncOK, hooksOK)
	}
	if called {
		t.Fatal("rsync must not run when a pre-checkexit hook fails")
	}
}

func TestRunPostCheckExitDoesNotReverseRsyncResult(t *testing.T) {
	d := newTestDriver()
	d.Hooks.PostLocalCheckExit = []string{"false"}
	rsyncOK, hooksOK := d.Run(context.Background(), nil, []string{"/src/a"})
	if !rsyncOK {
		t.Fatal("rsync result must stand even if a post-checkexit hook fails")
	}
	if hooksOK {
		t.Fatal("hooksOK must be false when a post-checkexit hook fails")
	}
}

func TestSSHFlagSynthesis(t *testing.T) {
	cases := []struct {
		key, want string
		port      int
	}{
		{key: "/k", port: 22, want: "ssh -i /k -p 22"},
		{key: "", port: 2222, want: "ssh -p 2222"},
		{key: "/k", port: 0, want: "ssh -i /k"},
		{key: "", port: 0, want: ""},
	}
	for _, c := range cases {
		got := sshFlag(c.key, c.port)
		if got != c.want {
			t.Errorf("sshFlag(%q, %d) = %q, want %q", c.key, c.port, got, c.want)
		}
	}
}

func TestFormatBraceList(t *testing.T) {
	if got := formatBraceList([]string{"a"}); got != "{'a'}" {
		t.Fatalf("formatBraceList single = %q", got)
	}
	if got := formatBraceList([]string{"a", "b"}); got != "{'a','b'}" {
		t.Fatalf("formatBraceList multi = %q", got)
	}
}
