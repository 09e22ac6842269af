package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/powercycle"
	"github.com/loykin/powercycle/internal/config"
	"github.com/loykin/powercycle/internal/logger"
	"github.com/loykin/powercycle/internal/metrics"
	"github.com/loykin/powercycle/internal/report"
)

// run executes either side of the harness and returns the process exit
// code.
func run(f RunFlags) int {
	logger.Setup(logger.Config{Level: f.LogLevel, File: f.LogFile})
	slog.Info("powercycle invocation", "args", strings.Join(os.Args, " "))

	task, err := powercycle.LoadTask(f.TaskFile, f.TaskName)
	if err != nil {
		slog.Error("cannot load task", "file", f.TaskFile, "task", f.TaskName, "error", err)
		return 1
	}
	if err := task.Validate(); err != nil {
		slog.Error("invalid task", "task", f.TaskName, "error", err)
		return 1
	}
	slog.Info("task config", "task", fmt.Sprintf("%+v", task))

	reg := powercycle.NewRegistry()
	watchStackDumpSignal()

	if len(f.RemoteOperations) > 0 {
		exitOnInterrupt(func() int { reg.Cleanup(); return 1 })
		code := runAgent(f, task)
		reg.Cleanup()
		return code
	}
	return runController(f, task, reg)
}

func runAgent(f RunFlags, task powercycle.Task) int {
	port := f.MongodPort
	if port == 0 {
		port = config.StandardPort
	}
	var dest [2]string
	if len(f.RsyncDest) == 2 {
		dest = [2]string{f.RsyncDest[0], f.RsyncDest[1]}
	}
	h := powercycle.NewAgent(powercycle.AgentConfig{
		Task:       task,
		Port:       port,
		MongodHost: f.MongodHost,
		RsyncDest:  dest,
		RootDir:    rootDir(f),
	})
	return h.Run(f.RemoteOperations)
}

func runController(f RunFlags, task powercycle.Task, reg *powercycle.Registry) int {
	ctx := context.Background()

	rep := report.New(f.TaskName)
	exit := func(code int, sshDetail string) int {
		return controllerExit(rep, reg, code, sshDetail)
	}
	// An interrupt still leaves report.json and the exit YAML behind.
	exitOnInterrupt(func() int { return exit(1, "") })

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		slog.Warn("cannot register metrics", "error", err)
	}
	if f.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(f.MetricsAddr); err != nil {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
	}

	var hist *powercycle.History
	if f.HistoryDB != "" {
		var err error
		if hist, err = powercycle.OpenHistory(ctx, f.HistoryDB); err != nil {
			slog.Warn("cannot open history db", "path", f.HistoryDB, "error", err)
		} else {
			defer func() { _ = hist.Close() }()
		}
	}

	// ssh honors the first occurrence of a parameter, so the defaults must
	// follow any user-specified connection options.
	connOptions := strings.TrimSpace(f.SSHConnection + " " + config.DefaultSSHConnectionOptions)
	// Remote sudo needs a pseudo-tty; RequestTTY is too new, so -tt.
	sshOptions := ""
	if runtime.GOOS != "windows" {
		sshOptions = "-tt"
	}

	remoteBinary := f.RemoteBinary
	if remoteBinary == "" {
		remoteBinary = config.RemoteDir + "/powercycle"
	}
	prefix := fmt.Sprintf("%s run --taskName %s --taskFile %s --rootDir %s",
		remoteBinary, f.TaskName, f.TaskFile, rootDir(f))
	slog.Info("agent invocation prefix", "prefix", prefix)

	t := powercycle.NewTransport(prefix, f.SSHUserHost, connOptions, sshOptions)
	if !t.Established() {
		code, output := t.AccessInfo()
		slog.Error("unable to establish remote access", "code", code, "output", output)
		return exit(powercycle.SSHFailure.ExitCode(), output)
	}

	code, output := t.Dispatch(powercycle.DispatchParams{}, "install_mongod")
	slog.Info("install_mongod", "code", code, "output", output)
	if code != 0 {
		return exit(1, "")
	}

	wd, err := os.Getwd()
	if err != nil {
		slog.Error("cannot determine working directory", "error", err)
		return exit(1, "")
	}
	wl := &powercycle.WorkloadRunner{
		Reg:        reg,
		WorkDir:    wd,
		RunnerPath: config.RunnerEntry,
		ShellPath:  config.MongoShellPath,
		LogDir:     wd,
	}

	mongodHost := f.MongodHost
	if mongodHost == "" {
		mongodHost = hostPart(f.SSHUserHost)
	}

	runner := powercycle.NewRunner(task, t, reg, wl, hist, mongodHost)
	res := runner.Run(ctx)
	if res.Outcome != powercycle.Success {
		slog.Error("run failed", "outcome", res.Outcome.String(), "detail", res.Detail)
	}
	detail := ""
	if res.Outcome == powercycle.SSHFailure {
		detail = res.Detail
	}
	return exit(res.Outcome.ExitCode(), detail)
}

// controllerExit writes the report and exit artifacts, drains the
// registry and returns code. Every controller exit path, including the
// interrupt handler, goes through here.
func controllerExit(rep *report.Report, reg *powercycle.Registry, code int, sshDetail string) int {
	rep.Finalize(config.ReportJSONFile, code == 0)
	report.Exit{ExitCode: code, SSHFailure: sshDetail}.Write(config.ExitYAMLFile)
	reg.Cleanup()
	return code
}

// exitOnInterrupt runs fn and exits with its code when the process is
// interrupted, so no tunnel or client outlives the run.
func exitOnInterrupt(fn func() int) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-ch
		slog.Warn("terminating on signal", "signal", s.String())
		os.Exit(fn())
	}()
}

// rootDir returns the server install root shared by every agent
// invocation of one run. The controller stamps it once and forwards it via
// --rootDir so all batches agree.
func rootDir(f RunFlags) string {
	if f.RootDir != "" {
		return f.RootDir
	}
	return fmt.Sprintf("%s/mongodb-powercycle-test-%d", config.RemoteDir, time.Now().Unix())
}

func hostPart(userHost string) string {
	if i := strings.LastIndex(userHost, "@"); i >= 0 {
		return userHost[i+1:]
	}
	return userHost
}
