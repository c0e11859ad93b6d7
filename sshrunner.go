package taniwha

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

type (
	// SSHRunner executes commands on nodes over ssh.
	SSHRunner struct {
		// User to connect as. Defaults to root.
		User string
		// ConnectTimeout for establishing the connection. Defaults to
		// 10s.
		ConnectTimeout time.Duration
	}
)

// NewSSHRunner creates an SSHRunner with default settings.
func NewSSHRunner() *SSHRunner {
	return &SSHRunner{
		User:           "root",
		ConnectTimeout: 10 * time.Second,
	}
}

// Run executes command on node via ssh and returns combined output.
func (r *SSHRunner) Run(ctx context.Context, node, command string, args ...string) ([]byte, error) {
	user := r.User
	if user == "" {
		user = "root"
	}
	timeout := r.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	sshArgs := []string{
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(timeout.Seconds())),
		user + "@" + node,
		command,
	}
	sshArgs = append(sshArgs, args...)

	out, err := exec.CommandContext(ctx, "ssh", sshArgs...).CombinedOutput()
	if err != nil {
		return out, &CommandError{
			Node:    node,
			Command: strings.Join(append([]string{command}, args...), " "),
			Output:  out,
			Err:     err,
		}
	}

	return out, nil
}
