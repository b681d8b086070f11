package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLifecycle(t *testing.T) *LifecycleManager {
	t.Helper()

	d, err := New(testConfig(t), testLogger(t))
	require.NoError(t, err)

	return d.lifecycle
}

func TestLifecycleStartStop(t *testing.T) {
	l := newTestLifecycle(t)

	require.NoError(t, l.Start())

	pid, err := l.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, l.IsRunning())

	require.NoError(t, l.Stop())

	_, err = l.GetPID()
	assert.Error(t, err)
	assert.False(t, l.IsRunning())

	// Stop is idempotent once the PID file is gone
	assert.NoError(t, l.Stop())
}

func TestLifecycleInvalidPIDFile(t *testing.T) {
	l := newTestLifecycle(t)

	require.NoError(t, os.WriteFile(l.pidFile, []byte("not-a-pid"), 0644))

	_, err := l.GetPID()
	assert.Error(t, err)
	assert.False(t, l.IsRunning())
}

func TestLifecycleDeadProcess(t *testing.T) {
	l := newTestLifecycle(t)

	// PID 1 is init and always alive; an absurd PID is not
	require.NoError(t, os.WriteFile(l.pidFile, []byte(strconv.Itoa(1<<22+17)), 0644))
	assert.False(t, l.IsRunning())
}

func TestLifecyclePIDFilePath(t *testing.T) {
	d, err := New(testConfig(t), testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(d.config.DataDir, "relia.pid"), d.lifecycle.pidFile)
}
