package remote

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testChannel(run func(cmd string) (int, string)) *Channel {
	return &Channel{
		userHost:    "user@host1",
		connOptions: "-o ConnectTimeout=30",
		sshOptions:  "-tt",
		run:         run,
	}
}

func TestChannelShellWrapsCommand(t *testing.T) {
	var got string
	c := testChannel(func(cmd string) (int, string) {
		got = cmd
		return 0, "ok"
	})
	code, output := c.Shell("ls /data/db")
	require.Equal(t, 0, code)
	require.Equal(t, "ok", output)
	require.Equal(t, `ssh -o ConnectTimeout=30 -tt user@host1 "ls /data/db"`, got)
}

func TestChannelProbeSuccess(t *testing.T) {
	calls := 0
	c := testChannel(func(cmd string) (int, string) {
		calls++
		return 0, ""
	})
	c.probe()
	require.True(t, c.AccessEstablished())
	require.Equal(t, 1, calls)
}

func TestChannelProbeRecordsLastAttempt(t *testing.T) {
	c := testChannel(func(cmd string) (int, string) {
		return 255, "ssh: connect to host host1 port 22: Connection refused"
	})
	// Only one attempt so the test does not sleep through the retries.
	code, output := c.Shell("true")
	c.accessCode, c.accessOutput = code, output
	require.False(t, c.AccessEstablished())
	gotCode, gotOutput := c.AccessInfo()
	require.Equal(t, 255, gotCode)
	require.Contains(t, gotOutput, "Connection refused")
}

func TestSSHErrorClassification(t *testing.T) {
	c := testChannel(nil)
	cases := []struct {
		output string
		want   bool
	}{
		{"ssh: connect to host 10.0.0.5 port 22: No route to host", true},
		{"Connection refused", true},
		{"Connection timed out during banner exchange", true},
		{"Connection closed by remote host", true},
		{"rsync: connection unexpectedly closed - lost connection", true},
		{"Operation timed out", true},
		{"assertion failed in jstests/hooks/run_validate_collections.js", false},
		{"", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, c.SSHError(tc.output), "output %q", tc.output)
	}
}

func TestChannelCopyToBuildsRsync(t *testing.T) {
	var got string
	c := testChannel(func(cmd string) (int, string) {
		got = cmd
		return 0, ""
	})
	code, _ := c.CopyTo([]string{"a.log", "b.log"}, "/log/powercycle")
	require.Equal(t, 0, code)
	require.True(t, strings.HasPrefix(got, "rsync -az -e 'ssh -o ConnectTimeout=30'"), got)
	require.Contains(t, got, "a.log b.log user@host1:/log/powercycle")
}

func TestChannelCopyFromBuildsRsync(t *testing.T) {
	var got string
	c := testChannel(func(cmd string) (int, string) {
		got = cmd
		return 0, ""
	})
	_, _ = c.CopyFrom([]string{"/log/mongod.log"}, "local/")
	require.Contains(t, got, "user@host1:/log/mongod.log local/")
}
