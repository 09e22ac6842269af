//go:build windows

package service

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

// newPlatformService selects the service-table variant on Windows hosts.
func newPlatformService(name, binPath, options, dbPath string) Controller {
	return NewManagedService(name, binPath, options, dbPath)
}

// ManagedService controls the server through the Windows service table.
type ManagedService struct {
	name    string
	binPath string
	binName string
	options string

	mu   sync.Mutex
	pids []Pid
}

func NewManagedService(name, binPath, options, _ string) *ManagedService {
	return &ManagedService{
		name:    name,
		binPath: binPath,
		binName: filepath.Base(binPath),
		options: options,
	}
}

func (s *ManagedService) config() mgr.Config {
	return mgr.Config{
		DisplayName:      s.name,
		StartType:        mgr.StartManual,
		BinaryPathName:   fmt.Sprintf("%s %s", s.binPath, s.options),
		ServiceStartName: "",
	}
}

func (s *ManagedService) Create() error {
	if s.Status().Known() {
		return fmt.Errorf("%w: %s in state %s", ErrAlreadyInstalled, s.name, s.Status())
	}
	m, err := mgr.Connect()
	if err != nil {
		return err
	}
	defer func() { _ = m.Disconnect() }()
	srv, err := m.CreateService(s.name, s.binPath, s.config())
	if err != nil {
		return err
	}
	return srv.Close()
}

func (s *ManagedService) Update(options string) error {
	if !s.Status().Known() {
		return fmt.Errorf("%w: %s", ErrNotInstalled, s.name)
	}
	s.mu.Lock()
	s.options = options
	s.mu.Unlock()
	m, err := mgr.Connect()
	if err != nil {
		return err
	}
	defer func() { _ = m.Disconnect() }()
	srv, err := m.OpenService(s.name)
	if err != nil {
		return err
	}
	defer func() { _ = srv.Close() }()
	return srv.UpdateConfig(s.config())
}

func (s *ManagedService) Delete() error {
	if !s.Status().Known() {
		return fmt.Errorf("%w: %s", ErrNotInstalled, s.name)
	}
	m, err := mgr.Connect()
	if err != nil {
		return err
	}
	defer func() { _ = m.Disconnect() }()
	srv, err := m.OpenService(s.name)
	if err != nil {
		return err
	}
	defer func() { _ = srv.Close() }()
	return srv.Delete()
}

func (s *ManagedService) Start() error {
	if !s.Status().Known() {
		return fmt.Errorf("%w: %s", ErrNotInstalled, s.name)
	}
	m, err := mgr.Connect()
	if err != nil {
		return err
	}
	defer func() { _ = m.Disconnect() }()
	srv, err := m.OpenService(s.name)
	if err != nil {
		return err
	}
	defer func() { _ = srv.Close() }()
	if err := srv.Start(); err != nil {
		return err
	}
	pids := findByName(s.binName)
	s.mu.Lock()
	s.pids = pids
	s.mu.Unlock()
	return nil
}

// Stop requests a graceful stop and polls until the state leaves
// stop-pending or the deadline passes. A broken-pipe error from the
// service control pipe after the process already exited counts as a
// successful stop.
func (s *ManagedService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	s.pids = nil
	s.mu.Unlock()
	if !s.Status().Known() {
		return fmt.Errorf("%w: %s", ErrNotInstalled, s.name)
	}
	m, err := mgr.Connect()
	if err != nil {
		return err
	}
	defer func() { _ = m.Disconnect() }()
	srv, err := m.OpenService(s.name)
	if err != nil {
		return err
	}
	defer func() { _ = srv.Close() }()
	if _, err := srv.Control(svc.Stop); err != nil {
		if errors.Is(err, windows.ERROR_BROKEN_PIPE) {
			slog.Warn("assuming service stopped despite error", "service", s.name, "error", err)
			return nil
		}
		return err
	}
	deadline := time.Now().Add(timeout)
	for s.Status() == StateStopPending {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s still stop-pending", ErrStopTimeout, s.name)
		}
		time.Sleep(stopPollInterval)
	}
	return nil
}

func (s *ManagedService) Status() State {
	m, err := mgr.Connect()
	if err != nil {
		return StateUnknown
	}
	defer func() { _ = m.Disconnect() }()
	srv, err := m.OpenService(s.name)
	if err != nil {
		return StateNotInstalled
	}
	defer func() { _ = srv.Close() }()
	st, err := srv.Query()
	if err != nil {
		return StateNotInstalled
	}
	switch st.State {
	case svc.Running:
		return StateRunning
	case svc.StopPending:
		return StateStopPending
	case svc.Stopped:
		return StateStopped
	case svc.StartPending, svc.ContinuePending, svc.PausePending, svc.Paused:
		return StateInstalled
	}
	return StateUnknown
}

func (s *ManagedService) Pids() []Pid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Pid(nil), s.pids...)
}
