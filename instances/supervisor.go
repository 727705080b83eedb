package instances

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	defaultShutdownGrace = 10 * time.Second
	defaultLogFileName   = "nonebot.log"
)

// SupervisorConfig holds configuration options for the Supervisor.
type SupervisorConfig struct {
	PortManager   *PortManager  // Required
	VenvDir       string        // Optional, defaults to "env"
	Entrypoint    string        // Optional, defaults to "bot.py"
	LogFileName   string        // Optional, defaults to "nonebot.log"
	ShutdownGrace time.Duration // Optional, defaults to 10s
	Logger        *slog.Logger  // Optional, defaults to slog.Default()
}

// StartOutcome acknowledges that a bot process was spawned. It says nothing
// about whether the process kept running.
type StartOutcome struct {
	LaunchID  string    `json:"launchId"`
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"startedAt"`
}

// Supervisor launches instance entrypoints as detached child processes. The
// caller gets control back as soon as the process is spawned; exits are
// observed in the background and only surface through Status and the log.
type Supervisor struct {
	mu        sync.Mutex
	processes map[int64]*ManagedProcess // Keyed by instance id
	closing   bool

	portManager   *PortManager
	venvDir       string
	entrypoint    string
	logFileName   string
	shutdownGrace time.Duration
	logger        *slog.Logger

	wg sync.WaitGroup
}

func NewSupervisor(config SupervisorConfig) (*Supervisor, error) {
	if config.PortManager == nil {
		return nil, fmt.Errorf("PortManager is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := config.ShutdownGrace
	if grace == 0 {
		grace = defaultShutdownGrace
	}

	return &Supervisor{
		processes:     make(map[int64]*ManagedProcess),
		portManager:   config.PortManager,
		venvDir:       valueOr(config.VenvDir, defaultVenvDir),
		entrypoint:    valueOr(config.Entrypoint, defaultEntrypoint),
		logFileName:   valueOr(config.LogFileName, defaultLogFileName),
		shutdownGrace: grace,
		logger:        logger.With("component", "Supervisor"),
	}, nil
}

// Interpreter returns the python binary inside an instance's environment.
func (s *Supervisor) Interpreter(workingDirectory string) string {
	return filepath.Join(workingDirectory, s.venvDir, "bin", "python")
}

// Start spawns the entrypoint of instance and returns without waiting for it
// to exit. Only one process per instance id may be active at a time.
func (s *Supervisor) Start(ctx context.Context, id int64, instance Instance) (StartOutcome, error) {
	if err := ctx.Err(); err != nil {
		return StartOutcome{}, err
	}

	launchID := uuid.New().String()
	logger := s.logger.With("instanceID", id, "launchID", launchID)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return StartOutcome{}, fmt.Errorf("%w: instance %d", ErrShuttingDown, id)
	}
	if existing, ok := s.processes[id]; ok && existing.GetState().Active() {
		s.mu.Unlock()
		return StartOutcome{}, fmt.Errorf("%w: instance %d (launch %s)", ErrAlreadyRunning, id, existing.LaunchID)
	}
	// Placeholder so a concurrent Start for the same id is rejected. wg is
	// bumped under the lock Shutdown holds while setting closing.
	mp := newManagedProcess(id, instance, launchID)
	s.processes[id] = mp
	s.wg.Add(1)
	s.mu.Unlock()

	abort := func(err error) (StartOutcome, error) {
		s.mu.Lock()
		if s.processes[id] == mp {
			delete(s.processes, id)
		}
		s.mu.Unlock()
		s.wg.Done()
		logger.Error("Failed to start instance", "error", err)
		return StartOutcome{}, err
	}

	port, err := s.portManager.AllocatePort()
	if err != nil {
		return abort(fmt.Errorf("%w: %w", ErrSpawnFailed, err))
	}

	wd, err := filepath.Abs(instance.WorkingDirectory)
	if err != nil {
		s.portManager.ReleasePort(port)
		return abort(fmt.Errorf("%w: resolving %s: %w", ErrSpawnFailed, instance.WorkingDirectory, err))
	}

	logPath := filepath.Join(wd, s.logFileName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		s.portManager.ReleasePort(port)
		return abort(fmt.Errorf("%w: opening %s: %w", ErrSpawnFailed, logPath, err))
	}
	// The child holds its own copy of the descriptor after Start.
	defer logFile.Close()

	cmd := exec.Command(s.Interpreter(wd), s.entrypoint)
	cmd.Dir = wd
	cmd.Env = append(os.Environ(),
		"HOST="+s.portManager.Host(),
		"PORT="+strconv.Itoa(port),
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		s.portManager.ReleasePort(port)
		return abort(fmt.Errorf("%w: %s: %w", ErrSpawnFailed, cmd.String(), err))
	}
	mp.markRunning(cmd, port)
	logger.Info("Instance started", "pid", cmd.Process.Pid, "port", port, "command", cmd.String())

	go func() {
		defer s.wg.Done()
		s.handleProcessExit(mp, cmd.Wait())
	}()

	// Shutdown began while this launch was in flight and skipped it.
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		if stopping := mp.markStopping(); stopping != nil {
			go s.stopProcess(context.Background(), mp, stopping)
		}
	}

	status := mp.Status()
	return StartOutcome{
		LaunchID:  launchID,
		PID:       status.PID,
		Port:      port,
		StartedAt: status.StartedAt,
	}, nil
}

// handleProcessExit records how a process ended and frees its port. There is
// no restart policy.
func (s *Supervisor) handleProcessExit(mp *ManagedProcess, waitErr error) {
	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	port := mp.Port()
	s.portManager.ReleasePort(port)
	state := mp.markExited(exitCode)

	logger := s.logger.With("instanceID", mp.InstanceID, "launchID", mp.LaunchID, "port", port)
	if state == StateFailed {
		logger.Warn("Instance exited", "state", state.String(), "exitCode", exitCode, "error", waitErr)
	} else {
		logger.Info("Instance exited", "state", state.String(), "exitCode", exitCode)
	}
}

// Status returns the last known status of the most recent launch of id.
func (s *Supervisor) Status(id int64) (ProcessStatus, bool) {
	s.mu.Lock()
	mp, ok := s.processes[id]
	s.mu.Unlock()
	if !ok {
		return ProcessStatus{}, false
	}
	return mp.Status(), true
}

// Shutdown asks every running bot to terminate, kills those still alive after
// the grace period, and waits for all exits to be recorded.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closing = true
	running := make([]*ManagedProcess, 0, len(s.processes))
	for _, mp := range s.processes {
		running = append(running, mp)
	}
	s.mu.Unlock()

	s.logger.Info("Shutting down instances", "count", len(running))
	var shutdownWg sync.WaitGroup
	for _, mp := range running {
		mp := mp
		cmd := mp.markStopping()
		if cmd == nil {
			continue
		}
		shutdownWg.Add(1)
		go func() {
			defer shutdownWg.Done()
			s.stopProcess(ctx, mp, cmd)
		}()
	}
	shutdownWg.Wait()
	s.wg.Wait()
	s.logger.Info("All instances stopped")
}

func (s *Supervisor) stopProcess(ctx context.Context, mp *ManagedProcess, cmd *exec.Cmd) {
	logger := s.logger.With("instanceID", mp.InstanceID, "pid", cmd.Process.Pid)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Warn("Failed to send SIGTERM", "error", err)
	}

	timer := time.NewTimer(s.shutdownGrace)
	defer timer.Stop()

	select {
	case <-mp.Done():
		return
	case <-timer.C:
		logger.Warn("Instance did not exit in time, sending SIGKILL")
	case <-ctx.Done():
		logger.Warn("Shutdown cancelled, sending SIGKILL")
	}
	if err := cmd.Process.Kill(); err != nil {
		logger.Error("Failed to send SIGKILL", "error", err)
		return
	}
	<-mp.Done()
}
