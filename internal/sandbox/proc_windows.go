//go:build windows

package sandbox

import "os/exec"

// setProcessGroup is a no-op on Windows (no process groups).
func setProcessGroup(_ *exec.Cmd) {}

// terminateGroup kills the process; Windows has no SIGTERM.
func terminateGroup(c *exec.Cmd) {
	if c.Process != nil {
		_ = c.Process.Kill()
	}
}

// killGroup kills the process.
func killGroup(c *exec.Cmd) {
	if c.Process != nil {
		_ = c.Process.Kill()
	}
}
