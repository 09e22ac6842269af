// Package agent is the remote side of the harness: the same binary
// re-invoked over ssh with --remoteOperation executes operations against
// the local database server. Operations run strictly in the order given
// and the batch aborts at the first failure; operations after a failure
// are never attempted.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/loykin/powercycle/internal/config"
	"github.com/loykin/powercycle/internal/dbclient"
	"github.com/loykin/powercycle/internal/service"
)

// Config carries the per-invocation agent parameters decoded from the
// command line. There is no session state between invocations beyond what
// lives on this host's filesystem.
type Config struct {
	Task       config.Task
	Port       int
	MongodHost string
	RsyncDest  [2]string
	RootDir    string // server install root
}

// Handler executes one ordered batch of operations.
type Handler struct {
	cfg    Config
	mongod *service.MongodControl
}

func New(cfg Config) *Handler {
	opts := cfg.Task.MongodOptions
	if cfg.Task.ReplSet != "" {
		opts = fmt.Sprintf("%s --replSet %s", opts, cfg.Task.ReplSet)
	}
	binDir := filepath.Join(cfg.RootDir, "bin")
	return &Handler{
		cfg:    cfg,
		mongod: service.NewMongodControl(binDir, config.DBPath, config.LogPath, cfg.Port, opts),
	}
}

// Run performs the operations in order and returns the exit code of the
// first failure, or 0. The host's boot time is logged first so the
// controller can read it out of any operation's output.
func (h *Handler) Run(ops []string) int {
	printUptime()
	if len(ops) == 0 {
		slog.Error("no remote operation specified")
		return 1
	}
	slog.Info("operations to perform", "ops", ops)
	for _, op := range ops {
		if ret := h.runOne(op); ret != 0 {
			return ret
		}
	}
	return 0
}

func (h *Handler) runOne(op string) int {
	switch op {
	case "noop":
		return 0
	case "crash_server":
		return h.crashServer()
	case "kill_mongod":
		return h.killMongod()
	case "install_mongod":
		return h.installMongod()
	case "start_mongod":
		return h.startMongod()
	case "stop_mongod":
		return h.stopMongod()
	case "shutdown_mongod":
		return h.shutdownMongod()
	case "rsync_data":
		return h.rsyncData()
	case "seed_docs":
		return h.seedDocs()
	case "set_fcv":
		return h.setFCV()
	case "check_disk":
		return h.checkDisk()
	default:
		slog.Error("unsupported remote operation", "op", op)
		return 1
	}
}

func (h *Handler) clientOptions() dbclient.Options {
	return dbclient.Options{
		Host:             "localhost",
		Port:             h.cfg.Port,
		WriteConcern:     h.cfg.Task.WriteConcern,
		ReadConcernLevel: h.cfg.Task.ReadConcernLevel,
	}
}

func (h *Handler) installMongod() int {
	if err := h.mongod.Install(h.cfg.RootDir); err != nil {
		slog.Error("install failed", "root", h.cfg.RootDir, "error", err)
		return 1
	}
	for _, dir := range []string{config.DBPath, filepath.Dir(config.LogPath)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			slog.Error("cannot create directory", "dir", dir, "error", err)
			return 1
		}
	}
	slog.Info("server installed", "root", h.cfg.RootDir)
	return 0
}

func (h *Handler) startMongod() int {
	// Options may have changed between iterations; re-apply before start.
	if err := h.mongod.Update(); err != nil {
		slog.Error("service update failed", "error", err)
		return 1
	}
	if err := h.mongod.Start(); err != nil {
		slog.Error("failed to start server", "port", h.cfg.Port, "error", err)
		return 1
	}
	slog.Info("started server", "port", h.cfg.Port, "pids", h.mongod.Pids())

	ctx := context.Background()
	cl, err := dbclient.Connect(ctx, h.clientOptions())
	if err != nil {
		slog.Error("cannot connect to started server", "error", err)
		return 1
	}
	defer func() { _ = cl.Close(ctx) }()
	info, err := cl.WaitForServer(ctx, 100)
	if err != nil {
		slog.Error("server did not come up", "error", err)
		return 1
	}
	slog.Info("server buildinfo", "version", info["version"])
	if h.cfg.Task.ReplSet != "" {
		hostPort := fmt.Sprintf("%s:%d", h.cfg.MongodHost, h.cfg.Port)
		if err := cl.ReconfigReplSet(ctx, hostPort, h.cfg.Task.ReplSet); err != nil {
			slog.Error("replica set reconfig failed", "error", err)
			return 1
		}
	}
	return 0
}

func (h *Handler) stopMongod() int {
	if err := h.mongod.Stop(2 * config.OneHour); err != nil {
		slog.Error("stop failed", "error", err)
		return 1
	}
	if err := h.mongod.WaitForShutdown(2 * config.OneHour); err != nil {
		return 1
	}
	return 0
}

func (h *Handler) shutdownMongod() int {
	ctx := context.Background()
	cl, err := dbclient.Connect(ctx, h.clientOptions())
	if err != nil {
		slog.Error("cannot connect for shutdown", "error", err)
		return 1
	}
	cl.Shutdown(ctx)
	_ = cl.Close(ctx)
	if err := h.mongod.WaitForShutdown(2 * config.OneHour); err != nil {
		return 1
	}
	return 0
}

func (h *Handler) killMongod() int {
	ret, output := killServerProcesses()
	if ret != 0 {
		slog.Error("kill_mongod failed", "output", output)
		return ret
	}
	// The storage engine can take a long time to settle after a hard
	// kill; wait out the full cleanup rather than force anything here.
	if err := h.mongod.Stop(2 * config.OneHour); err != nil {
		slog.Error("stop after kill failed", "error", err)
		return 1
	}
	if st := h.mongod.Status(); st != service.StateStopped {
		slog.Error("unable to stop the server service", "state", string(st))
		return 1
	}
	return 0
}

func (h *Handler) seedDocs() int {
	ctx := context.Background()
	cl, err := dbclient.Connect(ctx, h.clientOptions())
	if err != nil {
		slog.Error("cannot connect for seeding", "error", err)
		return 1
	}
	defer func() { _ = cl.Close(ctx) }()
	if err := cl.SeedDocs(ctx, config.DBName, config.CollectionName, h.cfg.Task.SeedDocNum); err != nil {
		slog.Error("seeding failed", "error", err)
		return 1
	}
	return 0
}

func (h *Handler) setFCV() int {
	ctx := context.Background()
	cl, err := dbclient.Connect(ctx, h.clientOptions())
	if err != nil {
		slog.Error("cannot connect for set_fcv", "error", err)
		return 1
	}
	defer func() { _ = cl.Close(ctx) }()
	if err := cl.SetFCV(ctx, h.cfg.Task.FCV); err != nil {
		slog.Error("set_fcv failed", "fcv", h.cfg.Task.FCV, "error", err)
		return 1
	}
	return 0
}

func (h *Handler) rsyncData() int {
	ret, output := rsync(config.DBPath, h.cfg.RsyncDest[0], config.RsyncExcludeFiles)
	if output != "" {
		slog.Info(output)
	}
	if ret != 0 {
		return ret
	}
	// Rename only when the computed new path differs from the old one.
	if h.cfg.RsyncDest[0] != h.cfg.RsyncDest[1] {
		slog.Info("renaming backup directory", "from", h.cfg.RsyncDest[0], "to", h.cfg.RsyncDest[1])
		if err := os.Rename(h.cfg.RsyncDest[0], h.cfg.RsyncDest[1]); err != nil {
			slog.Error("rename failed", "error", err)
			return 1
		}
	}
	return 0
}

// checkDisk is advisory: it reports filesystem usage for the data
// directory and never fails the batch on its own.
func (h *Handler) checkDisk() int {
	usage, err := disk.Usage(config.DBPath)
	if err != nil {
		slog.Warn("disk check failed", "path", config.DBPath, "error", err)
		return 0
	}
	slog.Info("disk usage", "path", config.DBPath, "usedPercent", usage.UsedPercent,
		"free", usage.Free)
	return 0
}

// crashSettle keeps the agent alive after issuing the crash; on Windows
// the bugcheck is not immediate and returning early would report a
// spurious batch result.
var (
	crashSettle     = 30 * time.Second
	internalCrashFn = internalCrash
)

func (h *Handler) crashServer() int {
	ret, output := internalCrashFn()
	slog.Info("internal crash issued, waiting", "code", ret, "output", output)
	time.Sleep(crashSettle)
	return ret
}

// printUptime logs the host's last boot time in the exact sentence the
// controller parses out of remote output.
func printUptime() {
	bt, err := host.BootTime()
	if err != nil {
		slog.Warn("cannot determine boot time", "error", err)
		return
	}
	boot := time.Unix(int64(bt), 0)
	up := time.Since(boot) / time.Second
	slog.Info(fmt.Sprintf("System was last booted %s, up %d seconds",
		boot.Format("2006-01-02 15:04:05"), up))
}
