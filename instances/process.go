package instances

import (
	"os/exec"
	"sync"
	"time"
)

// ProcessState represents the lifecycle of a launched bot process.
type ProcessState int

const (
	// StateStarting means the launch is in progress.
	StateStarting ProcessState = iota
	// StateRunning means the process was spawned and has not exited yet.
	StateRunning
	// StateStopping means a shutdown signal was sent.
	StateStopping
	// StateStopped means the process exited after being told to stop.
	StateStopped
	// StateExited means the process exited on its own with status 0.
	StateExited
	// StateFailed means the process exited on its own with a non-zero status.
	StateFailed
)

// String returns a string representation of the ProcessState.
func (ps ProcessState) String() string {
	switch ps {
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateExited:
		return "Exited"
	case StateFailed:
		return "Failed"
	default:
		return "InvalidState"
	}
}

func (ps ProcessState) MarshalText() ([]byte, error) {
	return []byte(ps.String()), nil
}

// Active reports whether a process in this state may still be alive.
func (ps ProcessState) Active() bool {
	return ps == StateStarting || ps == StateRunning || ps == StateStopping
}

// ProcessStatus is a point-in-time copy of a ManagedProcess.
type ProcessStatus struct {
	LaunchID  string       `json:"launchId"`
	State     ProcessState `json:"state"`
	PID       int          `json:"pid"`
	Port      int          `json:"port"`
	ExitCode  *int         `json:"exitCode,omitempty"`
	StartedAt time.Time    `json:"startedAt"`
	ExitedAt  *time.Time   `json:"exitedAt,omitempty"`
}

// ManagedProcess is one detached launch of an instance.
type ManagedProcess struct {
	InstanceID int64
	Instance   Instance
	LaunchID   string

	mu        sync.Mutex
	port      int
	cmd       *exec.Cmd
	pid       int
	state     ProcessState
	startedAt time.Time
	exitedAt  time.Time
	exitCode  int

	// done is closed once the exit has been recorded.
	done chan struct{}
}

func newManagedProcess(id int64, instance Instance, launchID string) *ManagedProcess {
	return &ManagedProcess{
		InstanceID: id,
		Instance:   instance,
		LaunchID:   launchID,
		state:      StateStarting,
		done:       make(chan struct{}),
	}
}

// markRunning records a successful spawn.
func (mp *ManagedProcess) markRunning(cmd *exec.Cmd, port int) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.cmd = cmd
	mp.port = port
	mp.pid = cmd.Process.Pid
	mp.state = StateRunning
	mp.startedAt = time.Now()
}

// markStopping moves a running process to StateStopping and returns the
// command to signal, or nil if it is no longer running.
func (mp *ManagedProcess) markStopping() *exec.Cmd {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.state != StateRunning {
		return nil
	}
	mp.state = StateStopping
	return mp.cmd
}

// markExited records the exit status and returns the resulting state.
func (mp *ManagedProcess) markExited(exitCode int) ProcessState {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	switch {
	case mp.state == StateStopping:
		mp.state = StateStopped
	case exitCode == 0:
		mp.state = StateExited
	default:
		mp.state = StateFailed
	}
	mp.exitCode = exitCode
	mp.exitedAt = time.Now()
	mp.cmd = nil
	close(mp.done)
	return mp.state
}

func (mp *ManagedProcess) Port() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.port
}

func (mp *ManagedProcess) GetState() ProcessState {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.state
}

// Done is closed when the process has exited and its status is recorded.
func (mp *ManagedProcess) Done() <-chan struct{} {
	return mp.done
}

func (mp *ManagedProcess) Status() ProcessStatus {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	status := ProcessStatus{
		LaunchID:  mp.LaunchID,
		State:     mp.state,
		PID:       mp.pid,
		Port:      mp.port,
		StartedAt: mp.startedAt,
	}
	if !mp.state.Active() {
		exitCode := mp.exitCode
		exitedAt := mp.exitedAt
		status.ExitCode = &exitCode
		status.ExitedAt = &exitedAt
	}
	return status
}
