//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

var shutdownSignals = []os.Signal{os.Interrupt}

// Windows only delivers a kill reliably, so stop escalates immediately.
var (
	termSignal = syscall.SIGKILL
	killSignal = syscall.SIGKILL
)

// detach starts c in a new process group so console interrupts sent to
// the parent do not reach it.
func detach(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
