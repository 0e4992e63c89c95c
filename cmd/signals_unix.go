//go:build !windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// Signals that end a foreground command or the API server.
var shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

var (
	termSignal = syscall.SIGTERM
	killSignal = syscall.SIGKILL
)

// detach starts c in its own session so it outlives the terminal.
func detach(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
