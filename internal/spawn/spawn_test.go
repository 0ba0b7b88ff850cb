package spawn

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gopulse/pulseclient/internal/config"
	"github.com/gopulse/pulseclient/internal/pidfile"
)

func TestSpawnDisabledReturnsError(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.AutospawnEnabled = false
	s := New(cfg)

	result := s.Spawn(context.Background(), Hooks{})
	require.ErrorIs(t, result.Err, ErrAutospawnDisabled)
	require.False(t, result.Spawned)
}

func TestSpawnRunsHooksInOrder(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DaemonBinary = "true"
	s := New(cfg)

	var order []string
	hooks := Hooks{
		Prefork:  func() { order = append(order, "prefork") },
		Atfork:   func() { order = append(order, "atfork") },
		Postfork: func() { order = append(order, "postfork") },
	}

	result := s.Spawn(context.Background(), hooks)
	require.NoError(t, result.Err)
	require.True(t, result.Spawned)
	require.Equal(t, []string{"prefork", "atfork", "postfork"}, order)

	time.Sleep(50 * time.Millisecond)
}

func TestSpawnExecFailureReportsError(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DaemonBinary = "/nonexistent/binary/pulseaudio"
	s := New(cfg)

	result := s.Spawn(context.Background(), Hooks{})
	require.Error(t, result.Err)
	require.False(t, result.Spawned)
}

func TestIsAliveForCurrentProcess(t *testing.T) {
	require.True(t, IsAlive(os.Getpid()))
}

func TestIsAliveFalseForImplausiblePID(t *testing.T) {
	require.False(t, IsAlive(1<<30))
}

func TestWaitReadyTimesOutWithoutPidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	err := WaitReady(path, 50*time.Millisecond)
	require.Error(t, err)
}

func TestWaitReadySucceedsOncePidFileWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	pf := pidfile.New(path)
	require.NoError(t, pf.Write())

	err := WaitReady(path, time.Second)
	require.NoError(t, err)
}
