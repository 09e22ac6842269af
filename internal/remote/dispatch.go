package remote

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Params are the per-dispatch parameters the agent needs beyond the
// operation names. Zero values are omitted from the command line.
type Params struct {
	MongodHost string
	MongodPort int
	// RsyncDest is the (current, renamed-to) backup path pair for
	// rsync_data.
	RsyncDest [2]string
}

// Dispatcher encodes one batch of named operations into a single command
// line appended to the fixed agent invocation prefix and sends it over a
// Channel. The prefix re-executes this program with the same baseline
// arguments the controller was started with, so both sides share
// configuration.
type Dispatcher struct {
	// InvocationPrefix is e.g. "/path/to/powercycle run --taskName x
	// --taskFile /etc/powercycle.toml".
	InvocationPrefix string
}

// Encode builds the remote command line for ops with params.
func (d *Dispatcher) Encode(p Params, ops ...string) string {
	var b strings.Builder
	b.WriteString(d.InvocationPrefix)
	if p.RsyncDest[0] != "" {
		fmt.Fprintf(&b, " --rsyncDest %s,%s", p.RsyncDest[0], p.RsyncDest[1])
	}
	if p.MongodHost != "" {
		fmt.Fprintf(&b, " --mongodHost %s", p.MongodHost)
	}
	if p.MongodPort != 0 {
		fmt.Fprintf(&b, " --mongodPort %d", p.MongodPort)
	}
	b.WriteString(" --remoteOperation")
	for _, op := range ops {
		b.WriteByte(' ')
		b.WriteString(op)
	}
	return b.String()
}

// Dispatch sends one encoded batch over ch and returns the agent's exit
// code and output. Exactly one batch executes per call; the agent runs the
// operations in order and stops at the first failure.
func (d *Dispatcher) Dispatch(ch *Channel, p Params, ops ...string) (int, string) {
	return ch.Shell(d.Encode(p, ops...))
}

var bootTimeRe = regexp.MustCompile(`last booted (.*), up`)

// BootTimeLayout is the timestamp format the agent prints its boot time
// with.
const BootTimeLayout = "2006-01-02 15:04:05"

// BootTime extracts the host boot time the agent logs on every
// invocation. ok is false when output carries no boot time (e.g. the host
// died mid-operation).
func BootTime(output string) (time.Time, bool) {
	m := bootTimeRe.FindStringSubmatch(output)
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.Parse(BootTimeLayout, strings.TrimSpace(m[1]))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
