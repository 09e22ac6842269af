//go:build !windows

package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildCommand(t *testing.T) {
	cases := []struct {
		name      string
		in        string
		wantShell bool
	}{
		{name: "plain command", in: "sleep 60", wantShell: false},
		{name: "pipe needs shell", in: "echo hi | wc -l", wantShell: true},
		{name: "redirect needs shell", in: "ls > /dev/null", wantShell: true},
		{name: "quotes need shell", in: `sh -c 'exit 0'`, wantShell: true},
		{name: "semicolons need shell", in: "cd /tmp; ls", wantShell: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := buildCommand(tc.in)
			isShell := strings.HasSuffix(cmd.Path, "/sh")
			require.Equal(t, tc.wantShell, isShell, "args: %v", cmd.Args)
		})
	}
}

func TestStartAndKill(t *testing.T) {
	r := New()
	h, err := r.Start("sleep 60", nil)
	require.NoError(t, err)
	require.Greater(t, h.Pid, 0)

	r.Kill(h)
	// The process group is gone; signalling it again must fail.
	require.False(t, processExists(h.Pid))
}

func TestKillRecycledPidIsNoOp(t *testing.T) {
	r := New()
	h, err := r.Start("sleep 60", nil)
	require.NoError(t, err)

	// Forged creation time simulates the pid having been recycled: the
	// kill must degrade to a logged no-op and leave the process alone.
	forged := &Handle{Pid: h.Pid, CreateTime: 1, Name: h.Name}
	r.Kill(forged)
	require.True(t, processExists(h.Pid))

	r.Kill(h)
}

func TestKillAllDrains(t *testing.T) {
	r := New()
	for i := 0; i < 3; i++ {
		_, err := r.Start("sleep 60", nil)
		require.NoError(t, err)
	}
	r.KillAll()
	r.mu.Lock()
	n := len(r.procs)
	r.mu.Unlock()
	require.Zero(t, n)
}

func TestCleanupIdempotent(t *testing.T) {
	r := New()
	_, err := r.Start("sleep 60", nil)
	require.NoError(t, err)
	_, err = r.TempFile(".log", filepath.Join(t.TempDir(), "tmp"))
	require.NoError(t, err)

	r.Cleanup()
	r.Cleanup()
}

func TestStartWritesOutput(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "client.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY, 0o600)
	require.NoError(t, err)

	r := New()
	h, err := r.Start("echo hello-from-client", f)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(logPath)
		return err == nil && strings.Contains(string(data), "hello-from-client")
	}, 5*time.Second, 50*time.Millisecond)

	r.Kill(h)
}
