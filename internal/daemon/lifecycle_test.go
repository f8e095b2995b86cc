package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	tmpDir := t.TempDir()
	lm := NewLifecycleManager(tmpDir, zerolog.Nop())
	assert.Equal(t, filepath.Join(tmpDir, "deskagent.pid"), lm.PIDFile())
	assert.False(t, lm.IsRunning())
}

func TestLifecycleManagerStartStop(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "nested")
	lm := NewLifecycleManager(dataDir, zerolog.Nop())

	require.NoError(t, lm.Start())
	_, err := os.Stat(lm.PIDFile())
	assert.NoError(t, err)

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, lm.IsRunning())

	// Restarting from the same process is allowed.
	require.NoError(t, lm.Start())

	require.NoError(t, lm.Stop())
	_, err = os.Stat(lm.PIDFile())
	assert.True(t, os.IsNotExist(err))
	assert.False(t, lm.IsRunning())

	// Stop without a PID file is a no-op.
	assert.NoError(t, lm.Stop())
}

func TestLifecycleManagerGetPID(t *testing.T) {
	tmpDir := t.TempDir()
	lm := NewLifecycleManager(tmpDir, zerolog.Nop())

	_, err := lm.GetPID()
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(lm.PIDFile(), []byte(" 4242\n"), 0o644))
	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	require.NoError(t, os.WriteFile(lm.PIDFile(), []byte("not-a-pid"), 0o644))
	_, err = lm.GetPID()
	assert.ErrorContains(t, err, "invalid PID file")
	assert.False(t, lm.IsRunning())
}

func TestLifecycleManagerAlreadyRunning(t *testing.T) {
	tmpDir := t.TempDir()
	lm := NewLifecycleManager(tmpDir, zerolog.Nop())

	// The parent of the test binary is alive and is not us.
	require.NoError(t, os.WriteFile(lm.PIDFile(), []byte(strconv.Itoa(os.Getppid())), 0o644))
	err := lm.Start()
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestLifecycleManagerSignal(t *testing.T) {
	lm := NewLifecycleManager(t.TempDir(), zerolog.Nop())
	assert.ErrorContains(t, lm.Signal(syscall.SIGTERM), "not running")

	require.NoError(t, lm.Start())
	defer lm.Stop()
	assert.NoError(t, lm.Signal(syscall.Signal(0)))
}
