// Package remote reaches the host under test. Channel wraps ssh/rsync as
// the single transport primitive; Dispatcher encodes agent operations onto
// it. The transport is not made reliable here; failures are classified so
// callers can tell an unreachable host from a failed operation.
package remote

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/powercycle/internal/shell"
)

// sshErrorStrings are the transport error markers ssh emits when the host
// itself cannot be reached. Application failures never contain these.
var sshErrorStrings = []string{
	"ssh: connect to host",
	"Connection refused",
	"Connection timed out",
	"Connection closed by remote host",
	"lost connection",
	"Operation timed out",
}

const (
	accessAttempts  = 5
	accessRetryWait = 10 * time.Second
)

// Channel executes shell commands and file transfers against one target
// host. Construction probes reachability with bounded retries; the result
// is kept for AccessEstablished/AccessInfo. Individual calls are never
// retried here; retry policy belongs to callers.
type Channel struct {
	userHost    string
	connOptions string
	sshOptions  string

	established  bool
	accessCode   int
	accessOutput string

	// run is the exec primitive; tests replace it.
	run func(cmd string) (int, string)
}

// NewChannel builds a channel and probes the target. The probe failing
// does not return an error: callers decide whether an unreachable host is
// fatal for their phase via AccessEstablished.
func NewChannel(userHost, connOptions, sshOptions string) *Channel {
	c := &Channel{
		userHost:    userHost,
		connOptions: connOptions,
		sshOptions:  sshOptions,
		run:         shell.Run,
	}
	c.probe()
	return c
}

func (c *Channel) probe() {
	for i := 1; i <= accessAttempts; i++ {
		code, output := c.Shell("true")
		c.accessCode, c.accessOutput = code, output
		if code == 0 {
			c.established = true
			return
		}
		slog.Warn("remote access attempt failed", "attempt", i, "of", accessAttempts, "code", code)
		if i < accessAttempts {
			time.Sleep(accessRetryWait)
		}
	}
}

// Shell runs cmds on the remote host and returns the exit code and
// combined output.
func (c *Channel) Shell(cmds string) (int, string) {
	full := fmt.Sprintf("ssh %s %s %s %q", c.connOptions, c.sshOptions, c.userHost, cmds)
	return c.run(full)
}

// CopyTo transfers local files to remoteDir on the target.
func (c *Channel) CopyTo(files []string, remoteDir string) (int, string) {
	dest := fmt.Sprintf("%s:%s", c.userHost, remoteDir)
	cmd := fmt.Sprintf("rsync -az -e 'ssh %s' %s %s", c.connOptions, strings.Join(files, " "), dest)
	return c.run(cmd)
}

// CopyFrom transfers remote files into localDir.
func (c *Channel) CopyFrom(files []string, localDir string) (int, string) {
	srcs := make([]string, 0, len(files))
	for _, f := range files {
		srcs = append(srcs, fmt.Sprintf("%s:%s", c.userHost, f))
	}
	cmd := fmt.Sprintf("rsync -az -e 'ssh %s' %s %s", c.connOptions, strings.Join(srcs, " "), localDir)
	return c.run(cmd)
}

// AccessEstablished reports whether the construction-time probe ever
// succeeded.
func (c *Channel) AccessEstablished() bool { return c.established }

// AccessInfo returns the exit code and output of the last probe attempt.
func (c *Channel) AccessInfo() (int, string) { return c.accessCode, c.accessOutput }

// SSHError reports whether output carries a transport-level ssh error
// rather than an application failure.
func (c *Channel) SSHError(output string) bool {
	for _, s := range sshErrorStrings {
		if strings.Contains(output, s) {
			return true
		}
	}
	return false
}

// UserHost returns the target in user@host form.
func (c *Channel) UserHost() string { return c.userHost }

// ConnOptions returns the ssh connection options the channel was built
// with, for processes (like the port tunnel) that open their own sessions.
func (c *Channel) ConnOptions() string { return c.connOptions }

// SSHOptions returns the extra ssh options (e.g. -tt for sudo).
func (c *Channel) SSHOptions() string { return c.sshOptions }
