// Package daemon tracks the background API server through a PID file.
package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Record is the content of a PID file.
type Record struct {
	PID     int       `json:"pid"`
	Addr    string    `json:"addr,omitempty"`
	Started time.Time `json:"started"`
}

// PIDFile manages a PID file for daemon process tracking.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write records the current process listening on addr.
func (p *PIDFile) Write(addr string) error {
	return p.WriteRecord(Record{PID: os.Getpid(), Addr: addr, Started: time.Now().UTC()})
}

// WriteRecord replaces the file atomically, creating its directory.
func (p *PIDFile) WriteRecord(r Record) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	tmp := p.Path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p.Path)
}

// Read reads the record from the file.
func (p *PIDFile) Read() (Record, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return Record{}, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil || r.PID <= 0 {
		return Record{}, fmt.Errorf("invalid PID file content in %s", p.Path)
	}
	return r, nil
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}

// RemoveIfOwned deletes the file only if it names the current process, so
// an exiting server never removes the record of its replacement.
func (p *PIDFile) RemoveIfOwned() error {
	r, err := p.Read()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if r.PID != os.Getpid() {
		return nil
	}
	return p.Remove()
}
