//go:build windows

package daemon

import (
	"fmt"
	"os"
	"syscall"
)

// IsRunning reports the recorded server and whether its process is alive.
func (p *PIDFile) IsRunning() (Record, bool) {
	r, err := p.Read()
	if err != nil {
		return Record{}, false
	}
	proc, err := os.FindProcess(r.PID)
	if err != nil {
		return r, false
	}
	// FindProcess always succeeds on Windows.
	return r, proc.Signal(syscall.Signal(0)) == nil
}

// Signal sends sig to the recorded process. Only a kill is reliable on
// Windows.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	r, err := p.Read()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	proc, err := os.FindProcess(r.PID)
	if err != nil {
		return fmt.Errorf("find process %d: %w", r.PID, err)
	}
	return proc.Signal(sig)
}
