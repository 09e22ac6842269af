// Package registry tracks background processes and temporary files spawned
// by the harness so that every exit path can drain them. Workload clients
// and the ssh tunnel run detached from the main loop; the registry is the
// only component that knows how to take them down again.
package registry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/powercycle/internal/shell"
)

// Handle identifies one spawned process. The creation time is captured at
// spawn and re-checked before every kill so a recycled pid is never
// signalled by mistake.
type Handle struct {
	Pid        int
	CreateTime int64 // unix milliseconds, 0 when unavailable
	Name       string

	cmd    *exec.Cmd
	closer io.Closer
}

// Registry owns all locally spawned background processes and temp files.
// A single instance is shared by controller and agent code paths.
type Registry struct {
	mu    sync.Mutex
	procs []*Handle
	files []string
	dirs  []string
}

func New() *Registry { return &Registry{} }

// buildCommand constructs an *exec.Cmd for a shell-ish command string,
// avoiding a shell when no metacharacters are present.
func buildCommand(cmdStr string) *exec.Cmd {
	return shell.Build(cmdStr)
}

// Start spawns command in its own process group and registers it. When out
// is non-nil both stdout and stderr are attached to it and it is closed
// after the process is killed.
func (r *Registry) Start(command string, out io.WriteCloser) (*Handle, error) {
	cmd := buildCommand(command)
	configureSysProcAttr(cmd)
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	} else {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stdout = null
		cmd.Stderr = null
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", command, err)
	}
	h := &Handle{Pid: cmd.Process.Pid, Name: filepath.Base(cmd.Path), cmd: cmd, closer: out}
	if p, err := gopsproc.NewProcess(int32(h.Pid)); err == nil {
		if ct, err := p.CreateTime(); err == nil {
			h.CreateTime = ct
		}
	}
	// Reap in the background so killed children do not linger as zombies.
	go func() { _ = cmd.Wait() }()

	r.mu.Lock()
	r.procs = append(r.procs, h)
	r.mu.Unlock()
	slog.Debug("spawned process", "name", h.Name, "pid", h.Pid)
	return h, nil
}

// Kill terminates the handle's process group. A pid whose creation time no
// longer matches the recorded one has been recycled by the OS; killing it
// would hit an unrelated process, so the kill degrades to a logged no-op.
func (r *Registry) Kill(h *Handle) {
	if h == nil {
		return
	}
	if !identityMatches(h) {
		slog.Warn("could not kill process, as it no longer exists", "pid", h.Pid, "name", h.Name)
	} else {
		slog.Debug("killing process", "name", h.Name, "pid", h.Pid)
		killGroup(h.Pid)
		waitGone(h.Pid, 30*time.Second)
	}
	if h.closer != nil {
		_ = h.closer.Close()
	}
	r.mu.Lock()
	for i, p := range r.procs {
		if p == h {
			r.procs = append(r.procs[:i], r.procs[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

// KillAll drains the process list.
func (r *Registry) KillAll() {
	r.mu.Lock()
	procs := append([]*Handle(nil), r.procs...)
	r.mu.Unlock()
	for _, h := range procs {
		r.Kill(h)
	}
}

func identityMatches(h *Handle) bool {
	p, err := gopsproc.NewProcess(int32(h.Pid))
	if err != nil {
		return false
	}
	if h.CreateTime == 0 {
		return true
	}
	ct, err := p.CreateTime()
	if err != nil {
		return false
	}
	return ct == h.CreateTime
}

func waitGone(pid int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processExists(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	slog.Error("process still alive after kill", "pid", pid)
}

// TempFile creates a registered temporary file. dir is created (and
// registered for removal) when it does not already exist.
func (r *Registry) TempFile(suffix, dir string) (string, error) {
	if dir != "" {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return "", err
			}
			r.mu.Lock()
			r.dirs = append(r.dirs, dir)
			r.mu.Unlock()
		}
	}
	f, err := os.CreateTemp(dir, "*"+suffix)
	if err != nil {
		return "", err
	}
	name := f.Name()
	_ = f.Close()
	r.mu.Lock()
	r.files = append(r.files, name)
	r.mu.Unlock()
	return name, nil
}

// DeleteTemp removes a single registered temp file. Unknown names are a
// logged no-op: cleanup must never fail the run.
func (r *Registry) DeleteTemp(name string) {
	r.mu.Lock()
	idx := -1
	for i, f := range r.files {
		if f == name {
			idx = i
			break
		}
	}
	if idx >= 0 {
		r.files = append(r.files[:idx], r.files[idx+1:]...)
	}
	r.mu.Unlock()
	if idx < 0 {
		slog.Warn("unknown temporary file", "name", name)
		return
	}
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		slog.Warn("unable to delete temporary file", "name", name, "error", err)
	}
}

// RemoveAll deletes every registered temp file and directory.
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	files := append([]string(nil), r.files...)
	dirs := append([]string(nil), r.dirs...)
	r.files = nil
	r.dirs = nil
	r.mu.Unlock()
	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			slog.Warn("unable to delete temporary file", "name", f, "error", err)
		}
	}
	for _, d := range dirs {
		if err := os.RemoveAll(d); err != nil {
			slog.Warn("unable to delete temporary directory", "name", d, "error", err)
		}
	}
}

// Cleanup kills all spawned processes and removes all temp files. It is
// invoked from every exit path and is safe to call more than once.
func (r *Registry) Cleanup() {
	slog.Debug("exit cleanup: killing processes")
	r.KillAll()
	slog.Debug("exit cleanup: removing temporary files")
	r.RemoveAll()
}
