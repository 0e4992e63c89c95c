//go:build !windows

package daemon

import (
	"fmt"
	"syscall"
)

// IsRunning reports the recorded server and whether its process is alive.
func (p *PIDFile) IsRunning() (Record, bool) {
	r, err := p.Read()
	if err != nil {
		return Record{}, false
	}
	// Signal 0 tests if the process exists without sending a signal.
	return r, syscall.Kill(r.PID, 0) == nil
}

// Signal sends sig to the recorded process.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	r, err := p.Read()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	return syscall.Kill(r.PID, sig)
}
