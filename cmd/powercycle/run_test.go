package main

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loykin/powercycle"
	"github.com/loykin/powercycle/internal/config"
	"github.com/loykin/powercycle/internal/report"
)

func TestHostPart(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ec2-user@10.0.0.5", "10.0.0.5"},
		{"10.0.0.5", "10.0.0.5"},
		{"user@host@10.0.0.5", "10.0.0.5"},
		{"", ""},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, hostPart(tc.in))
	}
}

func TestRootDirExplicit(t *testing.T) {
	f := RunFlags{RootDir: "/log/powercycle/mongodb-powercycle-test-7"}
	require.Equal(t, "/log/powercycle/mongodb-powercycle-test-7", rootDir(f))
}

func TestRootDirStamped(t *testing.T) {
	got := rootDir(RunFlags{})
	require.True(t, strings.HasPrefix(got, "/log/powercycle/mongodb-powercycle-test-"), got)
}

func TestControllerExitWritesArtifacts(t *testing.T) {
	t.Chdir(t.TempDir())
	rep := report.New("crash_t")
	reg := powercycle.NewRegistry()

	code := controllerExit(rep, reg, 1, "lost connection")
	require.Equal(t, 1, code)

	data, err := os.ReadFile(config.ReportJSONFile)
	require.NoError(t, err)
	require.Contains(t, string(data), `"fail"`)

	data, err = os.ReadFile(config.ExitYAMLFile)
	require.NoError(t, err)
	require.Contains(t, string(data), "exit_code: 1")
	require.Contains(t, string(data), "ssh_failure: lost connection")
}

func TestRunCommandFlags(t *testing.T) {
	root := buildRoot()
	run, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	for _, name := range []string{
		"taskName", "taskFile", "sshUserHost", "sshConnection", "remoteBinary",
		"rootDir", "logLevel", "logFile", "metricsAddr", "historyDB",
		"mongodHost", "mongodPort", "rsyncDest", "remoteOperation",
	} {
		require.NotNil(t, run.Flags().Lookup(name), "flag %q", name)
	}
}
