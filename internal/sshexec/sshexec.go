// Package sshexec runs remote hook commands over SSH with public-key
// authentication, replacing the original implementation's paramiko-based
// run_ssh_command with an idiomatic golang.org/x/crypto/ssh client.
package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

// Result captures the outcome of one remote command execution.
type Result struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
}

// Target identifies the remote host and credentials to use.
type Target struct {
	Host    string
	User    string
	Port    int
	KeyPath string // private key path; password auth is not supported
}

// Run executes command on Target over SSH, enforcing the given timeout
// (spec section 5/6: 1000s SSH command timeout by default). It dials a
// fresh connection per call, matching the original's per-command
// connect/exec/disconnect pattern (no connection pooling across hook
// invocations).
func Run(ctx context.Context, target Target, command string, timeout time.Duration) (Result, error) {
	signer, err := loadSigner(target.KeyPath)
	if err != nil {
		return Result{}, fmt.Errorf("ssh: load key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint // no known_hosts distribution in this deployment model
		Timeout:         15 * time.Second,
	}

	addr := net.JoinHostPort(target.Host, portOrDefault(target.Port))

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var client *ssh.Client
	dialErrCh := make(chan error, 1)
	go func() {
		c, err := ssh.Dial("tcp", addr, cfg)
		if err == nil {
			client = c
		}
		dialErrCh <- err
	}()
	select {
	case <-dialCtx.Done():
		return Result{}, fmt.Errorf("ssh: dial %s: %w", addr, dialCtx.Err())
	case err := <-dialErrCh:
		if err != nil {
			return Result{}, fmt.Errorf("ssh: dial %s: %w", addr, err)
		}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("ssh: new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- session.Run(command) }()

	select {
	case <-dialCtx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return Result{Stdout: stdout.String(), Stderr: stderr.String()}, fmt.Errorf("ssh: command timed out after %s", timeout)
	case err := <-runErrCh:
		if err == nil {
			return Result{Success: true, ExitCode: 0, Stdout: stdout.String(), Stderr: stderr.String()}, nil
		}
		var exitErr *ssh.ExitError
		if ok := asExitError(err, &exitErr); ok {
			return Result{Success: false, ExitCode: exitErr.ExitStatus(), Stdout: stdout.String(), Stderr: stderr.String()}, nil
		}
		return Result{Stdout: stdout.String(), Stderr: stderr.String()}, fmt.Errorf("ssh: run command: %w", err)
	}
}

func asExitError(err error, target **ssh.ExitError) bool {
	if e, ok := err.(*ssh.ExitError); ok {
		*target = e
		return true
	}
	return false
}

func portOrDefault(port int) string {
	if port <= 0 {
		port = 22
	}
	return fmt.Sprintf("%d", port)
}

func loadSigner(keyPath string) (ssh.Signer, error) {
	if keyPath == "" {
		return nil, fmt.Errorf("no ssh key configured")
	}
	b, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(b)
}
