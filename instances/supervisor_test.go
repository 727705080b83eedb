package instances

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupInstanceDir creates a working directory whose env/bin/python runs body.
func setupInstanceDir(t *testing.T, body string) Instance {
	t.Helper()
	wd := t.TempDir()
	bin := filepath.Join(wd, "env", "bin")
	require.NoError(t, os.MkdirAll(bin, 0755))
	writeScript(t, bin, "python", "#!/bin/sh\n"+body+"\n")
	require.NoError(t, os.WriteFile(filepath.Join(wd, "bot.py"), EntrypointSource(), 0644))
	return New(wd)
}

func newTestSupervisor(t *testing.T) (*Supervisor, *PortManager) {
	t.Helper()
	ports, err := NewPortManager("127.0.0.1", 41000, 41099)
	require.NoError(t, err)
	s, err := NewSupervisor(SupervisorConfig{PortManager: ports, ShutdownGrace: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Shutdown(context.Background())
	})
	return s, ports
}

func waitForState(t *testing.T, s *Supervisor, id int64, want ProcessState) ProcessStatus {
	t.Helper()
	var status ProcessStatus
	require.Eventually(t, func() bool {
		var ok bool
		status, ok = s.Status(id)
		return ok && status.State == want
	}, 5*time.Second, 10*time.Millisecond, "instance %d never reached %s", id, want)
	return status
}

func TestNewSupervisorRequiresPortManager(t *testing.T) {
	_, err := NewSupervisor(SupervisorConfig{})
	assert.Error(t, err)
}

func TestStartReturnsWithoutWaiting(t *testing.T) {
	skipUnlessUnix(t)
	s, ports := newTestSupervisor(t)
	instance := setupInstanceDir(t, `echo "$1 $HOST $PORT" > started.txt
exec sleep 30`)

	start := time.Now()
	outcome, err := s.Start(context.Background(), 1, instance)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.NotEmpty(t, outcome.LaunchID)
	assert.NotZero(t, outcome.PID)
	assert.GreaterOrEqual(t, outcome.Port, 41000)
	assert.Equal(t, 1, ports.Allocated())

	status, ok := s.Status(1)
	require.True(t, ok)
	assert.Equal(t, StateRunning, status.State)
	assert.Nil(t, status.ExitCode)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(instance.WorkingDirectory, "started.txt"))
		return err == nil && len(data) > 0
	}, 5*time.Second, 10*time.Millisecond)
	data, err := os.ReadFile(filepath.Join(instance.WorkingDirectory, "started.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bot.py 127.0.0.1 "+strconv.Itoa(outcome.Port), strings.TrimSpace(string(data)))
}

func TestStartRejectsSecondLaunch(t *testing.T) {
	skipUnlessUnix(t)
	s, _ := newTestSupervisor(t)
	instance := setupInstanceDir(t, "exec sleep 30")

	first, err := s.Start(context.Background(), 7, instance)
	require.NoError(t, err)

	_, err = s.Start(context.Background(), 7, instance)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	status, ok := s.Status(7)
	require.True(t, ok)
	assert.Equal(t, first.LaunchID, status.LaunchID)
}

func TestConcurrentStartsLaunchOnce(t *testing.T) {
	skipUnlessUnix(t)
	s, _ := newTestSupervisor(t)
	instance := setupInstanceDir(t, "exec sleep 30")

	var wg sync.WaitGroup
	var mu sync.Mutex
	launched := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Start(context.Background(), 3, instance); err == nil {
				mu.Lock()
				launched++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrAlreadyRunning)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, launched)
}

func TestExitIsRecorded(t *testing.T) {
	skipUnlessUnix(t)
	s, ports := newTestSupervisor(t)
	instance := setupInstanceDir(t, "echo crashing >&2\nexit 7")

	_, err := s.Start(context.Background(), 2, instance)
	require.NoError(t, err)

	status := waitForState(t, s, 2, StateFailed)
	require.NotNil(t, status.ExitCode)
	assert.Equal(t, 7, *status.ExitCode)
	assert.NotNil(t, status.ExitedAt)
	assert.Equal(t, 0, ports.Allocated(), "port is released after exit")

	log, err := os.ReadFile(filepath.Join(instance.WorkingDirectory, "nonebot.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "crashing")
}

func TestRestartAfterExit(t *testing.T) {
	skipUnlessUnix(t)
	s, _ := newTestSupervisor(t)
	instance := setupInstanceDir(t, "exit 0")

	first, err := s.Start(context.Background(), 4, instance)
	require.NoError(t, err)
	waitForState(t, s, 4, StateExited)

	second, err := s.Start(context.Background(), 4, instance)
	require.NoError(t, err)
	assert.NotEqual(t, first.LaunchID, second.LaunchID)
}

func TestStartSpawnFailure(t *testing.T) {
	s, ports := newTestSupervisor(t)
	// No environment was ever created in this directory.
	instance := New(t.TempDir())

	_, err := s.Start(context.Background(), 5, instance)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawnFailed)
	assert.Equal(t, 0, ports.Allocated())

	_, ok := s.Status(5)
	assert.False(t, ok, "failed launches leave no record")
}

func TestStartNoPortAvailable(t *testing.T) {
	skipUnlessUnix(t)
	ports, err := NewPortManager("127.0.0.1", 41200, 41200)
	require.NoError(t, err)
	_, err = ports.AllocatePort()
	require.NoError(t, err)

	s, err := NewSupervisor(SupervisorConfig{PortManager: ports})
	require.NoError(t, err)

	_, err = s.Start(context.Background(), 1, setupInstanceDir(t, "exit 0"))
	assert.ErrorIs(t, err, ErrSpawnFailed)
	assert.ErrorIs(t, err, ErrNoPortAvailable)
}

func TestShutdownStopsRunningInstances(t *testing.T) {
	skipUnlessUnix(t)
	ports, err := NewPortManager("127.0.0.1", 41300, 41399)
	require.NoError(t, err)
	s, err := NewSupervisor(SupervisorConfig{PortManager: ports, ShutdownGrace: 2 * time.Second})
	require.NoError(t, err)

	_, err = s.Start(context.Background(), 1, setupInstanceDir(t, "exec sleep 30"))
	require.NoError(t, err)
	_, err = s.Start(context.Background(), 2, setupInstanceDir(t, "exec sleep 30"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.Shutdown(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	for _, id := range []int64{1, 2} {
		status, ok := s.Status(id)
		require.True(t, ok)
		assert.Equal(t, StateStopped, status.State)
	}
	assert.Equal(t, 0, ports.Allocated())
}

func TestShutdownKillsStubbornInstances(t *testing.T) {
	skipUnlessUnix(t)
	ports, err := NewPortManager("127.0.0.1", 41400, 41499)
	require.NoError(t, err)
	s, err := NewSupervisor(SupervisorConfig{PortManager: ports, ShutdownGrace: 200 * time.Millisecond})
	require.NoError(t, err)

	instance := setupInstanceDir(t, `trap '' TERM
echo ready > ready.txt
while true; do sleep 1; done`)
	_, err = s.Start(context.Background(), 1, instance)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(instance.WorkingDirectory, "ready.txt"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	s.Shutdown(context.Background())

	status, ok := s.Status(1)
	require.True(t, ok)
	assert.Equal(t, StateStopped, status.State)
	require.NotNil(t, status.ExitCode)
	assert.Equal(t, -1, *status.ExitCode, "killed by signal")
}

func TestStartAfterShutdownIsRejected(t *testing.T) {
	skipUnlessUnix(t)
	s, ports := newTestSupervisor(t)
	s.Shutdown(context.Background())

	_, err := s.Start(context.Background(), 1, setupInstanceDir(t, "exec sleep 30"))
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Equal(t, 0, ports.Allocated())

	_, ok := s.Status(1)
	assert.False(t, ok)
}

func TestShutdownWaitsForConcurrentStarts(t *testing.T) {
	skipUnlessUnix(t)
	s, ports := newTestSupervisor(t)

	var wg sync.WaitGroup
	for i := int64(1); i <= 4; i++ {
		i := i
		instance := setupInstanceDir(t, "exec sleep 30")
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Start(context.Background(), i, instance)
			if err != nil {
				assert.ErrorIs(t, err, ErrShuttingDown)
			}
		}()
	}
	s.Shutdown(context.Background())
	wg.Wait()

	for i := int64(1); i <= 4; i++ {
		if status, ok := s.Status(i); ok {
			assert.False(t, status.State.Active(), "instance %d still %s after shutdown", i, status.State)
		}
	}
	assert.Equal(t, 0, ports.Allocated())
}

func TestProcessStateString(t *testing.T) {
	assert.Equal(t, "Running", StateRunning.String())
	assert.Equal(t, "Failed", StateFailed.String())
	assert.Equal(t, "InvalidState", ProcessState(99).String())
	assert.True(t, StateStopping.Active())
	assert.False(t, StateExited.Active())
}
