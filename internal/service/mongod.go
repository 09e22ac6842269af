package service

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// ServiceName is the fixed name the server is registered under on hosts
// with a service table.
const ServiceName = "mongod-powercycle-test"

// MongodControl drives one mongod instance through the platform's
// Controller variant. It owns the canonical option string: port, paths and
// fork/service mode are applied on top of whatever the task configured,
// and the latest options are re-applied before every start.
type MongodControl struct {
	processName string
	binDir      string
	binPath     string
	opts        *Options
	dbPath      string
	logPath     string
	port        int
	svc         Controller
}

func NewMongodControl(binDir, dbPath, logPath string, port int, options string) *MongodControl {
	c := &MongodControl{
		processName: "mongod" + exeSuffix(),
		binDir:      binDir,
		dbPath:      dbPath,
		logPath:     logPath,
		port:        port,
		opts:        ParseOptions(options),
	}
	c.opts.Set("dbpath", dbPath)
	c.opts.Set("logpath", logPath)
	c.opts.Set("logappend", "")
	c.opts.Set("port", strconv.Itoa(port))
	c.opts.Set("bind_ip", "0.0.0.0")
	if runtime.GOOS == "windows" {
		c.opts.Set("service", "")
	} else {
		c.opts.Set("fork", "")
	}
	if binDir != "" {
		c.binPath = filepath.Join(binDir, c.processName)
		if _, err := os.Stat(c.binPath); err != nil {
			slog.Error("server binary does not exist", "path", c.binPath)
		}
		c.svc = newPlatformService(ServiceName, c.binPath, c.opts.String(), dbPath)
	}
	return c
}

func exeSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}

// SetOption overrides one server option before the next Update/Start.
func (c *MongodControl) SetOption(name, value string) { c.opts.Set(name, value) }

// MongodOptions returns the assembled option string.
func (c *MongodControl) MongodOptions() string { return c.opts.String() }

// Install verifies the installed tree under rootDir and registers the
// service. Binary download/unpack is outside the harness; root must
// already hold a bin directory with the server binary.
func (c *MongodControl) Install(rootDir string) error {
	binDir := findBinDir(rootDir)
	if binDir == "" {
		return fmt.Errorf("no bin dir found under %s", rootDir)
	}
	c.binDir = binDir
	c.binPath = filepath.Join(binDir, c.processName)
	// The service can only be fully described once the binary path is
	// known, so it is rebuilt here.
	c.svc = newPlatformService(ServiceName, c.binPath, c.opts.String(), c.dbPath)
	return c.svc.Create()
}

// findBinDir locates a "bin" directory within the rootDir tree.
func findBinDir(rootDir string) string {
	var found string
	_ = filepath.WalkDir(rootDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if found == "" && d.IsDir() && d.Name() == "bin" {
			found = path
		}
		return nil
	})
	return found
}

func (c *MongodControl) Uninstall() error { return c.svc.Delete() }

func (c *MongodControl) Update() error { return c.svc.Update(c.opts.String()) }

func (c *MongodControl) Start() error { return c.svc.Start() }

func (c *MongodControl) Stop(timeout time.Duration) error { return c.svc.Stop(timeout) }

func (c *MongodControl) Status() State { return c.svc.Status() }

func (c *MongodControl) Pids() []Pid { return c.svc.Pids() }

// shutdownSettleDelay is the extra wait after a clean stop: files may
// still be flushing, which used to break the subsequent rsync with
// "file has vanished" errors.
var shutdownSettleDelay = 5 * time.Second

// WaitForShutdown polls the service state until it reports stopped or the
// deadline passes.
func (c *MongodControl) WaitForShutdown(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := c.Status()
		if st == StateStopped {
			break
		}
		if time.Now().After(deadline) {
			slog.Error("server process has not stopped", "status", string(st))
			return fmt.Errorf("%w: status %s", ErrStopTimeout, st)
		}
		slog.Info("waiting for server process to stop", "status", string(st))
		time.Sleep(stopPollInterval)
	}
	slog.Info("server process has stopped")
	time.Sleep(shutdownSettleDelay)
	return nil
}
