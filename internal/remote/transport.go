package remote

import (
	"fmt"
	"log/slog"
)

// Transport pairs a Dispatcher with the Channel it sends over and owns
// channel replacement after a crash. The loop talks to the host under test
// only through this type.
type Transport struct {
	d  Dispatcher
	ch *Channel
}

// NewTransport builds the channel (probing reachability) and binds the
// dispatcher to it.
func NewTransport(invocationPrefix, userHost, connOptions, sshOptions string) *Transport {
	return &Transport{
		d:  Dispatcher{InvocationPrefix: invocationPrefix},
		ch: NewChannel(userHost, connOptions, sshOptions),
	}
}

// Dispatch sends one fail-fast batch of operations to the agent.
func (t *Transport) Dispatch(p Params, ops ...string) (int, string) {
	return t.d.Dispatch(t.ch, p, ops...)
}

// SSHError reports whether output carries a transport-level failure.
func (t *Transport) SSHError(output string) bool { return t.ch.SSHError(output) }

// Established reports whether the current channel's probe succeeded.
func (t *Transport) Established() bool { return t.ch.AccessEstablished() }

// AccessInfo returns the last probe's exit code and output.
func (t *Transport) AccessInfo() (int, string) { return t.ch.AccessInfo() }

// Reconnect discards the channel and probes the host again. The host may
// have rebooted underneath us, so nothing from the old session is reused.
func (t *Transport) Reconnect() (bool, int, string) {
	slog.Info("reestablishing remote access", "host", t.ch.UserHost())
	t.ch = NewChannel(t.ch.UserHost(), t.ch.ConnOptions(), t.ch.SSHOptions())
	code, output := t.ch.AccessInfo()
	return t.ch.AccessEstablished(), code, output
}

// TunnelCommand returns the command line for a background ssh process
// forwarding the secret and standard ports from host to the controller.
// The process is expected to die whenever the host does.
func (t *Transport) TunnelCommand(host string, secretPort, standardPort int) string {
	return fmt.Sprintf("ssh -N -L %d:%s:%d -L %d:%s:%d %s %s %s",
		secretPort, host, secretPort, standardPort, host, standardPort,
		t.ch.ConnOptions(), t.ch.SSHOptions(), t.ch.UserHost())
}
