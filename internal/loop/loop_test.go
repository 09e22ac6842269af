package loop

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/powercycle/internal/config"
	"github.com/loykin/powercycle/internal/registry"
	"github.com/loykin/powercycle/internal/remote"
	"github.com/loykin/powercycle/internal/workload"
)

type dispatchCall struct {
	params remote.Params
	ops    []string
}

// fakeRemote scripts the agent side: every dispatch succeeds and carries a
// boot-time sentence, with the post-crash noop optionally reporting a
// different boot time than the recovery start.
type fakeRemote struct {
	calls []dispatchCall

	bootRecovery   time.Time
	bootAfterCrash time.Time

	crashCode      int
	crashOutput    string
	sshErrorOutput string
	reconnectOK    bool

	events *[]string
}

func bootLine(ts time.Time) string {
	return fmt.Sprintf("System was last booted %s, up 100 seconds", ts.Format(remote.BootTimeLayout))
}

func (f *fakeRemote) Dispatch(p remote.Params, ops ...string) (int, string) {
	f.calls = append(f.calls, dispatchCall{params: p, ops: ops})
	*f.events = append(*f.events, "dispatch "+strings.Join(ops, " "))
	switch ops[0] {
	case "crash_server", "kill_mongod":
		return f.crashCode, f.crashOutput
	case "noop":
		return 0, bootLine(f.bootAfterCrash)
	default:
		return 0, bootLine(f.bootRecovery)
	}
}

func (f *fakeRemote) SSHError(output string) bool {
	return f.sshErrorOutput != "" && strings.Contains(output, f.sshErrorOutput)
}

func (f *fakeRemote) Reconnect() (bool, int, string) {
	*f.events = append(*f.events, "reconnect")
	if f.reconnectOK {
		return true, 0, ""
	}
	return false, 255, "ssh: connect to host host1 port 22: Connection refused"
}

func (f *fakeRemote) TunnelCommand(host string, secretPort, standardPort int) string {
	return "sleep 60"
}

type fakeWorkload struct {
	runs   []string
	starts []string
}

func (f *fakeWorkload) Run(hostPort, testScript, suiteFile string) (int, string) {
	f.runs = append(f.runs, testScript)
	return 0, "ok"
}

func (f *fakeWorkload) Start(hostPort, testScript, suiteFile string, repeat int, logName string) error {
	f.starts = append(f.starts, logName)
	return nil
}

type loopFixture struct {
	runner   *Runner
	remote   *fakeRemote
	workload *fakeWorkload
	reg      *registry.Registry
	events   []string
	canaries []interface{}
}

func newFixture(t *testing.T, task config.Task) *loopFixture {
	t.Helper()
	t.Chdir(t.TempDir())

	fx := &loopFixture{reg: registry.New(), workload: &fakeWorkload{}}
	t.Cleanup(fx.reg.Cleanup)

	boot := time.Date(2026, 8, 30, 11, 22, 33, 0, time.UTC)
	fx.remote = &fakeRemote{
		bootRecovery:   boot,
		bootAfterCrash: boot.Add(time.Minute),
		reconnectOK:    true,
		events:         &fx.events,
	}

	r := New(task, fx.remote, fx.reg, fx.workload, nil, "host1")
	r.sleep = func(time.Duration) {}
	r.writeSuite = func(dest string, td workload.TestData, evalStr string) error { return nil }
	r.insertCanary = func(ctx context.Context, port int, doc interface{}) error {
		fx.events = append(fx.events, "insert-canary")
		fx.canaries = append(fx.canaries, doc)
		return nil
	}
	r.findCanary = func(ctx context.Context, port int, doc interface{}) (bool, error) {
		fx.events = append(fx.events, "find-canary")
		require.Equal(t, config.SecretPort, port)
		require.Equal(t, fx.canaries[len(fx.canaries)-1], doc)
		return true, nil
	}
	fx.runner = r
	return fx
}

func killTask(loops int) config.Task {
	return config.Task{
		Name:           "kill",
		CrashMethod:    "kill",
		TestLoops:      loops,
		FCV:            "7.0",
		NumCrudClients: 2,
		NumFsmClients:  2,
	}
}

func TestFirstLoopSeedsAndSkipsCanaryCheck(t *testing.T) {
	fx := newFixture(t, killTask(1))
	res := fx.runner.Run(context.Background())
	require.Equal(t, Success, res.Outcome)

	// The first start batch pins the FCV and seeds the collection.
	require.Equal(t, []string{"rsync_data", "start_mongod", "set_fcv", "seed_docs"}, fx.remote.calls[0].ops)
	require.Equal(t, config.SecretPort, fx.remote.calls[0].params.MongodPort)
	require.Equal(t, "host1", fx.remote.calls[0].params.MongodHost)

	for _, e := range fx.events {
		require.NotEqual(t, "find-canary", e)
	}
	require.Len(t, fx.canaries, 1)
	require.Equal(t, []string{config.ValidateCollectionsScript}, fx.workload.runs)
	require.Equal(t, []string{"crud_0", "crud_1", "fsm_0", "fsm_1"}, fx.workload.starts)
}

func TestSecondLoopValidatesCanaryBeforeShutdown(t *testing.T) {
	fx := newFixture(t, killTask(2))
	res := fx.runner.Run(context.Background())
	require.Equal(t, Success, res.Outcome)

	// Loop 2's recovery batch drops the one-time operations.
	var secretBatches [][]string
	for _, c := range fx.remote.calls {
		if len(c.ops) >= 2 && c.ops[0] == "rsync_data" && c.params.MongodPort == config.SecretPort {
			secretBatches = append(secretBatches, c.ops)
		}
	}
	require.Len(t, secretBatches, 2)
	require.Equal(t, []string{"rsync_data", "start_mongod", "set_fcv", "seed_docs"}, secretBatches[0])
	require.Equal(t, []string{"rsync_data", "start_mongod"}, secretBatches[1])

	// In loop 2 the canary check runs after the recovery start and before
	// anything else touches the secret-port server.
	var loop2Events []string
	seen := 0
	for _, e := range fx.events {
		if strings.HasPrefix(e, "dispatch rsync_data start_mongod") {
			seen++
		}
		if seen == 3 { // loop 2's secret-port batch
			loop2Events = append(loop2Events, e)
		}
	}
	require.GreaterOrEqual(t, len(loop2Events), 2)
	require.Equal(t, "find-canary", loop2Events[1])
}

func TestBackupPathSequence(t *testing.T) {
	fx := newFixture(t, killTask(3))
	res := fx.runner.Run(context.Background())
	require.Equal(t, Success, res.Outcome)

	var beforePairs [][2]string
	for _, c := range fx.remote.calls {
		if c.params.MongodPort == config.SecretPort && len(c.ops) >= 2 && c.ops[0] == "rsync_data" {
			beforePairs = append(beforePairs, c.params.RsyncDest)
		}
	}
	require.Equal(t, [][2]string{
		{config.BackupPathBefore + "-1", config.BackupPathBefore + "-1"},
		{config.BackupPathBefore + "-1", config.BackupPathBefore + "-2"},
		{config.BackupPathBefore + "-2", config.BackupPathBefore + "-3"},
	}, beforePairs)
}

func TestKillCrashIgnoresStaleBootTime(t *testing.T) {
	fx := newFixture(t, killTask(1))
	// No reboot happened, so both sides report the same boot time.
	fx.remote.bootAfterCrash = fx.remote.bootRecovery
	res := fx.runner.Run(context.Background())
	require.Equal(t, Success, res.Outcome)
}

func internalTask(loops int) config.Task {
	t := killTask(loops)
	t.Name = "crash"
	t.CrashMethod = "internal"
	return t
}

func TestInternalCrashRequiresBootTimeAdvance(t *testing.T) {
	fx := newFixture(t, internalTask(1))
	fx.remote.crashCode = 1
	fx.remote.crashOutput = "Crash did not occur"
	fx.remote.bootAfterCrash = fx.remote.bootRecovery
	res := fx.runner.Run(context.Background())
	require.Equal(t, Failure, res.Outcome)
	require.Contains(t, res.Detail, "not newer")
}

func TestInternalCrashWithRebootSucceeds(t *testing.T) {
	fx := newFixture(t, internalTask(1))
	fx.remote.crashCode = 1
	fx.remote.crashOutput = "Connection closed by remote host" // expected: the host died under us
	fx.remote.sshErrorOutput = ""                              // not classified as a transport failure
	res := fx.runner.Run(context.Background())
	require.Equal(t, Success, res.Outcome)
}

func TestInternalCrashWaitsBeforeReconnect(t *testing.T) {
	fx := newFixture(t, internalTask(1))
	fx.remote.crashCode = 1
	fx.remote.crashOutput = "Connection closed by remote host"
	fx.remote.sshErrorOutput = ""
	var sleeps []time.Duration
	fx.runner.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }

	res := fx.runner.Run(context.Background())
	require.Equal(t, Success, res.Outcome)
	// The jittered pre-crash delay comes first, then the post-crash
	// settle before reconnecting.
	require.Len(t, sleeps, 2)
	require.GreaterOrEqual(t, sleeps[0], config.CrashWaitTime)
	require.Equal(t, postCrashWait(), sleeps[1])
}

func TestKillCrashDoesNotWaitAfterCrash(t *testing.T) {
	fx := newFixture(t, killTask(1))
	var sleeps []time.Duration
	fx.runner.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }

	res := fx.runner.Run(context.Background())
	require.Equal(t, Success, res.Outcome)
	require.Len(t, sleeps, 1)
}

func TestReconnectFailureIsSSHFailure(t *testing.T) {
	fx := newFixture(t, internalTask(1))
	fx.remote.crashCode = 1
	fx.remote.crashOutput = "session terminated"
	fx.remote.reconnectOK = false
	res := fx.runner.Run(context.Background())
	require.Equal(t, SSHFailure, res.Outcome)
	require.Equal(t, 2, res.Outcome.ExitCode())
	require.Contains(t, res.Detail, "Connection refused")
}

func TestInternalCrashSSHErrorOutput(t *testing.T) {
	fx := newFixture(t, internalTask(1))
	fx.remote.crashCode = 255
	fx.remote.crashOutput = "ssh: connect to host host1 port 22: Connection timed out"
	fx.remote.sshErrorOutput = "ssh: connect to host"
	res := fx.runner.Run(context.Background())
	require.Equal(t, SSHFailure, res.Outcome)
}

func TestKillCrashFailureIsFatal(t *testing.T) {
	fx := newFixture(t, killTask(1))
	fx.remote.crashCode = 1
	fx.remote.crashOutput = "pkill failed"
	res := fx.runner.Run(context.Background())
	require.Equal(t, Failure, res.Outcome)
	require.Equal(t, 1, res.Outcome.ExitCode())
}

func TestNextBackupPath(t *testing.T) {
	cases := []struct {
		path string
		loop int
		want string
	}{
		{"/data/backup/beforerecovery-1", 1, "/data/backup/beforerecovery-1"},
		{"/data/backup/beforerecovery-1", 2, "/data/backup/beforerecovery-2"},
		{"/data/backup/afterrecovery-9", 10, "/data/backup/afterrecovery-10"},
		{"/data/backup/afterrecovery-10", 11, "/data/backup/afterrecovery-11"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, nextBackupPath(tc.path, tc.loop))
	}
}

func TestOutcomeMapping(t *testing.T) {
	require.Equal(t, 0, Success.ExitCode())
	require.Equal(t, 1, Failure.ExitCode())
	require.Equal(t, 2, SSHFailure.ExitCode())
	require.Equal(t, "success", Success.String())
	require.Equal(t, "failure", Failure.String())
	require.Equal(t, "ssh-failure", SSHFailure.String())
}

func TestConcernSetup(t *testing.T) {
	r := &Runner{Task: config.Task{WriteConcern: "{w: majority}"}}
	wc, evalStr, readLevel, err := r.concernSetup()
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"w": "majority"}, wc)
	require.Equal(t, "local", readLevel)
	require.Contains(t, evalStr, config.SetConcernScript)

	r = &Runner{Task: config.Task{}}
	wc, evalStr, readLevel, err = r.concernSetup()
	require.NoError(t, err)
	require.Empty(t, wc)
	require.Empty(t, evalStr)
	require.Empty(t, readLevel)

	r = &Runner{Task: config.Task{WriteConcern: "{w: ["}}
	_, _, _, err = r.concernSetup()
	require.Error(t, err)
}
