package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/flock/internal/daemon"
)

func TestPidFile_Path(t *testing.T) {
	dir := testEnv(t)
	assert.Equal(t, filepath.Join(dir, "flock-serve.pid"), pidFile().Path)
}

func TestServeLogPath(t *testing.T) {
	dir := testEnv(t)
	assert.Equal(t, filepath.Join(dir, "flock-serve.log"), serveLogPath())
}

func TestServeStatusRun_NotRunning(t *testing.T) {
	testEnv(t)

	require.NoError(t, serveStatusRun())
	assert.Contains(t, stdout(), "not running")
}

func TestServeStatusRun_Running(t *testing.T) {
	dir := testEnv(t)
	pf := daemon.NewPIDFile(filepath.Join(dir, "flock-serve.pid"))
	require.NoError(t, pf.Write(":8181"))

	require.NoError(t, serveStatusRun())
	assert.Contains(t, stdout(), "server running")
	assert.Contains(t, stdout(), ":8181")
}

func TestServeStopRun_NotRunning(t *testing.T) {
	dir := testEnv(t)

	// A stale PID file is cleaned up.
	pf := daemon.NewPIDFile(filepath.Join(dir, "flock-serve.pid"))
	require.NoError(t, pf.WriteRecord(daemon.Record{PID: 999999}))

	err := serveStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
	_, statErr := os.Stat(pf.Path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestServeStartRun_AlreadyRunning(t *testing.T) {
	dir := testEnv(t)

	// Write a PID file for the current process (which is alive).
	pf := daemon.NewPIDFile(filepath.Join(dir, "flock-serve.pid"))
	require.NoError(t, pf.Write(":8080"))
	t.Cleanup(func() { _ = os.Remove(pf.Path) })

	err := serveStartRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}
