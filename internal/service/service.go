// Package service provides platform-polymorphic lifecycle control over the
// database server process. The controller machine and the agent both model
// the server as a service with a small state vocabulary; the concrete
// implementation is chosen once at startup per platform.
package service

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the shared lifecycle vocabulary across all controller variants.
type State string

const (
	StateNotInstalled State = "not-installed"
	StateInstalled    State = "installed"
	StateRunning      State = "running"
	StateStopPending  State = "stop-pending"
	StateStopped      State = "stopped"
	StateUnknown      State = "unknown"
)

// Known reports whether s is a state a registered service can be in.
func (s State) Known() bool {
	switch s {
	case StateInstalled, StateRunning, StateStopPending, StateStopped:
		return true
	}
	return false
}

var (
	ErrAlreadyInstalled = errors.New("service already installed")
	ErrNotInstalled     = errors.New("service not installed")
	ErrStopTimeout      = errors.New("service stop timed out")
)

// Pid is a process identity: the pid plus its creation time in unix
// milliseconds, captured when the process was first resolved. The creation
// time guards kills against pid reuse.
type Pid struct {
	Pid        int
	CreateTime int64
}

// Controller is the capability set shared by the managed-service and
// forked-daemon variants. Status is always derived fresh from the OS; it
// is never cached across calls.
type Controller interface {
	Create() error
	Update(options string) error
	Delete() error
	Start() error
	Stop(timeout time.Duration) error
	Status() State
	Pids() []Pid
}

// stopPollInterval is the fixed cadence for every poll-with-deadline loop
// in this package; both variants use the same value. A variable so tests
// can shrink the cadence.
var stopPollInterval = 3 * time.Second

// ExitError reports a non-zero exit from a service control command along
// with its combined output.
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d: %s", e.Code, strings.TrimSpace(e.Output))
}
