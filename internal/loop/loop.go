// Package loop runs the crash/recovery cycle: back up and recover the data
// directory on the remote host, verify the previous iteration's canary
// document survived, pile workload on the server, crash it, and repeat.
// The loop is strictly sequential; the only concurrency is the background
// tunnel and workload-client processes, which are killed at the end of
// every iteration.
package loop

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"runtime"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"gopkg.in/yaml.v3"

	"github.com/loykin/powercycle/internal/config"
	"github.com/loykin/powercycle/internal/dbclient"
	"github.com/loykin/powercycle/internal/history"
	"github.com/loykin/powercycle/internal/metrics"
	"github.com/loykin/powercycle/internal/registry"
	"github.com/loykin/powercycle/internal/remote"
	"github.com/loykin/powercycle/internal/workload"
)

// Outcome is the terminal state of a run.
type Outcome int

const (
	Success Outcome = iota
	Failure
	// SSHFailure means the host could not be reached again after a
	// crash. Automation treats it as infrastructure flakiness, not a
	// test failure.
	SSHFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case SSHFailure:
		return "ssh-failure"
	}
	return "unknown"
}

// ExitCode maps the outcome to the process exit code automation keys on.
func (o Outcome) ExitCode() int {
	switch o {
	case Success:
		return 0
	case SSHFailure:
		return 2
	}
	return 1
}

// Result is what a finished run reports.
type Result struct {
	Outcome Outcome
	// Detail carries the transport output for SSHFailure and the failing
	// step's output otherwise.
	Detail string
}

// Remote is the transport seam between the loop and the host under test.
// remote.Transport is the production implementation.
type Remote interface {
	Dispatch(p remote.Params, ops ...string) (int, string)
	SSHError(output string) bool
	Reconnect() (established bool, code int, output string)
	TunnelCommand(host string, secretPort, standardPort int) string
}

// Workload runs the external test runner. *workload.Runner is the
// production implementation.
type Workload interface {
	Run(hostPort, testScript, suiteFile string) (int, string)
	Start(hostPort, testScript, suiteFile string, repeat int, logName string) error
}

// postCrashWait gives a real crash time to take the host down before we
// try to talk to it again. A bugcheck on Windows takes far longer than a
// sysrq reboot.
func postCrashWait() time.Duration {
	if runtime.GOOS == "windows" {
		return 2 * time.Minute
	}
	return 10 * time.Second
}

// Runner drives the iteration state machine.
type Runner struct {
	Task       config.Task
	Remote     Remote
	Reg        *registry.Registry
	Workload   Workload
	History    *history.DB
	MongodHost string

	// Canary document written at the end of iteration n, checked at the
	// top of iteration n+1.
	canary bson.D

	sleep        func(time.Duration)
	writeSuite   func(dest string, td workload.TestData, evalStr string) error
	insertCanary func(ctx context.Context, port int, doc interface{}) error
	findCanary   func(ctx context.Context, port int, doc interface{}) (bool, error)
}

// New wires a runner with the production database and suite-config seams.
func New(task config.Task, rem Remote, reg *registry.Registry, wl Workload, hist *history.DB, mongodHost string) *Runner {
	r := &Runner{
		Task:       task,
		Remote:     rem,
		Reg:        reg,
		Workload:   wl,
		History:    hist,
		MongodHost: mongodHost,
		sleep:      time.Sleep,
	}
	r.writeSuite = func(dest string, td workload.TestData, evalStr string) error {
		return workload.WriteSuiteConfig(config.BaseSuiteConfig, dest, td, evalStr)
	}
	r.insertCanary = r.insertCanaryLocal
	r.findCanary = r.findCanaryLocal
	return r
}

var backupSuffixRe = regexp.MustCompile(`-[0-9]+$`)

// nextBackupPath replaces the previous loop's numeric suffix with the
// current one. For loop 1 the path already carries "-1" and is returned
// unchanged, so the agent sees an identical source/destination pair and
// skips the rename.
func nextBackupPath(path string, loopNum int) string {
	return backupSuffixRe.ReplaceAllString(path, fmt.Sprintf("-%d", loopNum))
}

// Run executes iterations until the loop budget is exhausted or a step
// fails.
func (r *Runner) Run(ctx context.Context) Result {
	writeConcern, evalStr, readLevel, err := r.concernSetup()
	if err != nil {
		return Result{Outcome: Failure, Detail: err.Error()}
	}

	backupBefore := config.BackupPathBefore + "-1"
	backupAfter := config.BackupPathAfter + "-1"
	start := time.Now()

	for loopNum := 1; ; loopNum++ {
		slog.Info("starting test loop", "loop", loopNum,
			"test_time_secs", int(time.Since(start).Seconds()))
		iterStart := time.Now()

		// On loop 1 the new path equals the old one, so the agent skips
		// the directory rename.
		beforePair := [2]string{backupBefore, nextBackupPath(backupBefore, loopNum)}
		afterPair := [2]string{backupAfter, nextBackupPath(backupAfter, loopNum)}
		backupBefore, backupAfter = beforePair[1], afterPair[1]
		res := r.iteration(ctx, loopNum, beforePair, afterPair, writeConcern, readLevel, evalStr)
		r.record(ctx, loopNum, iterStart, res)
		if res != nil {
			metrics.IncFailure(res.Outcome.String())
			return *res
		}
		metrics.IncLoop(time.Since(iterStart))
		slog.Info("completed test loop", "loop", loopNum,
			"test_time_secs", int(time.Since(start).Seconds()))
		if loopNum == r.Task.TestLoops {
			return Result{Outcome: Success}
		}

		// Advisory only: a full disk is worth knowing about but is not a
		// correctness failure.
		if code, output := r.dispatch(remote.Params{}, "check_disk"); code != 0 {
			slog.Error("check_disk failed", "code", code, "output", output)
		}
	}
}

// concernSetup parses the task's write concern fragment and derives the
// read concern level and shell eval string the workload clients need.
func (r *Runner) concernSetup() (map[string]interface{}, string, string, error) {
	var writeConcern map[string]interface{}
	if s := strings.TrimSpace(r.Task.WriteConcern); s != "" {
		if err := yaml.Unmarshal([]byte(s), &writeConcern); err != nil {
			return nil, "", "", fmt.Errorf("parse write concern %q: %w", s, err)
		}
	}
	readLevel := r.Task.ReadConcernLevel
	if len(writeConcern) > 0 && readLevel == "" {
		readLevel = "local"
	}
	evalStr := ""
	if len(writeConcern) > 0 || readLevel != "" {
		evalStr = fmt.Sprintf("load('%s');", config.SetConcernScript)
	}
	return writeConcern, evalStr, readLevel, nil
}

// iteration runs one full crash/recovery cycle. A nil result means the
// iteration passed.
func (r *Runner) iteration(ctx context.Context, loopNum int, beforePair, afterPair [2]string,
	writeConcern map[string]interface{}, readLevel, evalStr string) *Result {

	var tempFiles []string
	defer func() {
		for _, f := range tempFiles {
			r.Reg.DeleteTemp(f)
		}
	}()

	// Recover on the secret port, seeding the collection and pinning the
	// feature compatibility version on the first loop only.
	ops := []string{"rsync_data", "start_mongod"}
	if loopNum == 1 {
		if r.Task.FCV != "" {
			ops = append(ops, "set_fcv")
		}
		ops = append(ops, "seed_docs")
	}
	p := remote.Params{
		MongodHost: r.MongodHost,
		MongodPort: config.SecretPort,
		RsyncDest:  beforePair,
	}
	code, output := r.dispatch(p, ops...)
	slog.Info("rsync_data beforerecovery & start mongod", "code", code, "output", output)
	if code != 0 {
		return &Result{Outcome: Failure, Detail: output}
	}

	// The tunnel runs until the host dies or KillAll takes it down with
	// the workload clients.
	slog.Info("tunneling mongod connections through ssh")
	tunnelCmd := r.Remote.TunnelCommand(r.MongodHost, config.SecretPort, config.StandardPort)
	if _, err := r.Reg.Start(tunnelCmd, nil); err != nil {
		return &Result{Outcome: Failure, Detail: err.Error()}
	}

	// The canary check must run before anything else touches the
	// secret-port server: it is the run's core correctness signal.
	if loopNum > 1 {
		found, err := r.findCanary(ctx, config.SecretPort, r.canary)
		if err != nil {
			return &Result{Outcome: Failure, Detail: fmt.Sprintf("canary validation: %v", err)}
		}
		if !found {
			return &Result{Outcome: Failure, Detail: fmt.Sprintf("canary document %v not found after recovery", r.canary)}
		}
		slog.Info("canary document validated", "loop", loopNum)
	}

	// Validate all collections against the quiesced server.
	suiteFile, err := r.suiteConfig(&tempFiles,
		workload.TestData{"skipValidationOnNamespaceNotFound": true}, "")
	if err != nil {
		return &Result{Outcome: Failure, Detail: err.Error()}
	}
	hostPort := fmt.Sprintf("localhost:%d", config.SecretPort)
	code, output = r.Workload.Run(hostPort, config.ValidateCollectionsScript, suiteFile)
	slog.Info("local collection validation", "code", code, "output", output)
	if code != 0 {
		return &Result{Outcome: Failure, Detail: output}
	}

	code, output = r.dispatch(remote.Params{MongodPort: config.SecretPort}, "shutdown_mongod")
	slog.Info("shutdown_mongod", "code", code, "output", output)
	if code != 0 {
		return &Result{Outcome: Failure, Detail: output}
	}

	// Post-recovery backup, then restart on the standard port for the
	// workload phase. This step's output carries the pre-crash boot time.
	p = remote.Params{
		MongodHost: r.MongodHost,
		MongodPort: config.StandardPort,
		RsyncDest:  afterPair,
	}
	code, output = r.dispatch(p, "rsync_data", "start_mongod")
	slog.Info("rsync_data afterrecovery & start mongod", "code", code, "output", output)
	if code != 0 {
		return &Result{Outcome: Failure, Detail: output}
	}
	bootBeforeCrash, haveBootBefore := remote.BootTime(output)

	if res := r.startClients(&tempFiles, writeConcern, readLevel, evalStr); res != nil {
		return res
	}

	if res := r.crash(ctx); res != nil {
		return res
	}

	// Take down everything we spawned locally; the host may be rebooting
	// underneath the tunnel already.
	r.Reg.KillAll()

	if res := r.verifyCrash(bootBeforeCrash, haveBootBefore); res != nil {
		return res
	}
	return nil
}

// suiteConfig writes one generated suite config as a registered temp file.
func (r *Runner) suiteConfig(tempFiles *[]string, td workload.TestData, evalStr string) (string, error) {
	f, err := r.Reg.TempFile(".yml", "tmp")
	if err != nil {
		return "", err
	}
	*tempFiles = append(*tempFiles, f)
	if err := r.writeSuite(f, td, evalStr); err != nil {
		return "", err
	}
	return f, nil
}

// startClients launches the CRUD and FSM workload clients against the
// standard port. Their exit codes are never inspected; their logs are
// advisory.
func (r *Runner) startClients(tempFiles *[]string, writeConcern map[string]interface{}, readLevel, evalStr string) *Result {
	hostPort := fmt.Sprintf("localhost:%d", config.StandardPort)

	base := workload.TestData{}
	if readLevel != "" {
		base["defaultReadConcernLevel"] = readLevel
	}
	if len(writeConcern) > 0 {
		base["defaultWriteConcern"] = writeConcern
	}

	for i := 0; i < r.Task.NumCrudClients; i++ {
		td := workload.TestData{"dbName": config.DBName,
			"collectionName": fmt.Sprintf("%s-%d", config.CollectionName, i)}
		for k, v := range base {
			td[k] = v
		}
		suiteFile, err := r.suiteConfig(tempFiles, td, evalStr)
		if err != nil {
			return &Result{Outcome: Failure, Detail: err.Error()}
		}
		if err := r.Workload.Start(hostPort, config.CrudClientScript, suiteFile, 100, fmt.Sprintf("crud_%d", i)); err != nil {
			return &Result{Outcome: Failure, Detail: err.Error()}
		}
	}
	slog.Info("started CRUD clients", "count", r.Task.NumCrudClients)

	for i := 0; i < r.Task.NumFsmClients; i++ {
		td := workload.TestData{
			"fsmDbBlacklist": []string{config.DBName},
			"dbNamePrefix":   fmt.Sprintf("fsm-%d", i),
			// Collection validation only on the first FSM client.
			"validateCollections": i == 0,
		}
		for k, v := range base {
			td[k] = v
		}
		suiteFile, err := r.suiteConfig(tempFiles, td, evalStr)
		if err != nil {
			return &Result{Outcome: Failure, Detail: err.Error()}
		}
		if err := r.Workload.Start(hostPort, config.FsmClientScript, suiteFile, 100, fmt.Sprintf("fsm_%d", i)); err != nil {
			return &Result{Outcome: Failure, Detail: err.Error()}
		}
	}
	slog.Info("started FSM clients", "count", r.Task.NumFsmClients)
	return nil
}

// crash writes a fresh canary document and takes the server (or the whole
// host) down after a jittered delay.
func (r *Runner) crash(ctx context.Context) *Result {
	wait := config.CrashWaitTime + time.Duration(rand.Intn(config.CrashWaitJitter+1))*time.Second
	op := "crash_server"
	msg := "crashing server"
	if r.Task.CrashMethod == "kill" {
		op = "kill_mongod"
		msg = "killing mongod"
	}
	slog.Info(msg, "in_seconds", int(wait.Seconds()))
	r.sleep(wait)

	// The canary goes in with a journaled write immediately before the
	// crash; next iteration's validation proves it survived.
	doc := bson.D{{Key: "x", Value: float64(time.Now().UnixNano()) / 1e9}}
	if err := r.insertCanary(ctx, config.StandardPort, doc); err != nil {
		return &Result{Outcome: Failure, Detail: fmt.Sprintf("canary insert: %v", err)}
	}
	r.canary = doc

	code, output := r.dispatch(remote.Params{}, op)
	slog.Info("crash server or kill mongod", "code", code, "output", output)

	// A real crash kills the ssh session out from under the dispatch, so
	// a non-zero code is only meaningful for plain kills.
	if r.Task.CrashMethod == "kill" && code != 0 {
		return &Result{Outcome: Failure, Detail: output}
	}
	if r.Task.CrashMethod == "internal" {
		if r.Remote.SSHError(output) {
			return &Result{Outcome: SSHFailure, Detail: output}
		}
		// Let the host actually go down before reconnecting.
		r.sleep(postCrashWait())
	}
	return nil
}

// verifyCrash reestablishes remote access and, for a true host crash,
// checks the boot time moved forward.
func (r *Runner) verifyCrash(bootBeforeCrash time.Time, haveBootBefore bool) *Result {
	established, code, output := r.Remote.Reconnect()
	if !established {
		slog.Error("unable to reestablish remote access", "code", code, "output", output)
		return &Result{Outcome: SSHFailure, Detail: output}
	}

	code, output = r.dispatch(remote.Params{}, "noop")
	if code != 0 {
		return &Result{Outcome: Failure, Detail: output}
	}
	bootAfterCrash, haveBootAfter := remote.BootTime(output)
	switch {
	case !haveBootBefore || !haveBootAfter:
		slog.Warn("cannot compare boot times across the crash",
			"before", haveBootBefore, "after", haveBootAfter)
	case r.Task.CrashMethod != "kill" && !bootAfterCrash.After(bootBeforeCrash):
		return &Result{Outcome: Failure, Detail: fmt.Sprintf(
			"boot time after crash (%s) is not newer than boot time before crash (%s)",
			bootAfterCrash.Format(remote.BootTimeLayout), bootBeforeCrash.Format(remote.BootTimeLayout))}
	}
	return nil
}

// dispatch forwards to the transport and counts per-operation outcomes.
func (r *Runner) dispatch(p remote.Params, ops ...string) (int, string) {
	code, output := r.Remote.Dispatch(p, ops...)
	for _, op := range ops {
		metrics.IncRemoteOp(op, code == 0)
	}
	return code, output
}

func (r *Runner) record(ctx context.Context, loopNum int, started time.Time, res *Result) {
	rec := history.Record{
		Task:        r.Task.Name,
		Loop:        loopNum,
		CrashMethod: r.Task.CrashMethod,
		CanaryFound: loopNum > 1 && res == nil,
		StartedAt:   started,
		FinishedAt:  time.Now(),
		Outcome:     "ok",
	}
	if res != nil {
		rec.Outcome = res.Outcome.String()
		rec.Detail = sql.NullString{String: res.Detail, Valid: res.Detail != ""}
	}
	r.History.Record(ctx, rec)
}

func (r *Runner) insertCanaryLocal(ctx context.Context, port int, doc interface{}) error {
	c, err := dbclient.Connect(ctx, dbclient.Options{
		Host:             "localhost",
		Port:             port,
		SelectionTimeout: config.OneHour,
		SocketTimeout:    config.OneHour,
	})
	if err != nil {
		return err
	}
	defer func() { _ = c.Close(ctx) }()
	return c.InsertCanary(ctx, config.DBName, config.CollectionName, doc)
}

func (r *Runner) findCanaryLocal(ctx context.Context, port int, doc interface{}) (bool, error) {
	c, err := dbclient.Connect(ctx, dbclient.Options{
		Host:             "localhost",
		Port:             port,
		SelectionTimeout: config.OneHour,
		SocketTimeout:    config.OneHour,
	})
	if err != nil {
		return false, err
	}
	defer func() { _ = c.Close(ctx) }()
	return c.FindCanary(ctx, config.DBName, config.CollectionName, doc)
}
