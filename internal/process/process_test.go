package process

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAliveSelf(t *testing.T) {
	assert.True(t, Alive(os.Getpid()))
}

func TestAliveBadPIDs(t *testing.T) {
	assert.False(t, Alive(0))
	assert.False(t, Alive(-1))
	// PID far beyond pid_max on any sane host.
	assert.False(t, Alive(99999999))
}

func TestIsForemanDaemonRejectsSelf(t *testing.T) {
	// The test binary is not "fm daemon run".
	assert.False(t, IsForemanDaemon(os.Getpid()))
}

func TestTerminateGraceful(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	// Reap concurrently so the child doesn't linger as a zombie, which
	// signal-0 would still report as alive.
	go func() { _ = cmd.Wait() }()

	gone, err := Terminate(pid, 2*time.Second, false)
	require.NoError(t, err)
	assert.True(t, gone)
}

func TestTerminateAlreadyDead(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	require.NoError(t, cmd.Wait())

	gone, err := Terminate(pid, 100*time.Millisecond, true)
	require.NoError(t, err)
	assert.True(t, gone)
}
