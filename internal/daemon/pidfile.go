// Package daemon tracks the background sentinell server through a PID file.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrAlreadyRunning is returned by Acquire when a live process owns the PID file.
var ErrAlreadyRunning = errors.New("already running")

// ErrNotRunning is returned by Stop when no live process owns the PID file.
var ErrNotRunning = errors.New("not running")

// PIDFile manages a PID file for daemon process tracking.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write writes the current process's PID to the file.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID writes the given PID to the file, creating the parent directory.
func (p *PIDFile) WritePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create PID dir: %w", err)
	}
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read reads the PID from the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}

// Acquire claims the PID file for pid. A file left behind by a dead process is
// replaced; one owned by a live process fails with ErrAlreadyRunning.
func (p *PIDFile) Acquire(pid int) error {
	if existing, running := p.IsRunning(); running && existing != pid {
		return fmt.Errorf("server %w (PID %d)", ErrAlreadyRunning, existing)
	}
	return p.WritePID(pid)
}

// Release removes the PID file if it still names pid.
func (p *PIDFile) Release(pid int) {
	if current, err := p.Read(); err == nil && current == pid {
		_ = p.Remove()
	}
}

// IsRunning reports the recorded PID and whether that process is alive.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	return pid, processAlive(pid)
}

// Signal sends sig to the process named in the PID file.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	if err := signalProcess(pid, sig); err != nil {
		return fmt.Errorf("signal %d: %w", pid, err)
	}
	return nil
}

// Stop asks the owning process to exit and waits up to grace, then kills it.
// The PID file is removed once the process is gone.
func (p *PIDFile) Stop(grace time.Duration) (int, error) {
	pid, running := p.IsRunning()
	if !running {
		if pid != 0 {
			_ = p.Remove()
		}
		return pid, fmt.Errorf("server %w", ErrNotRunning)
	}

	if err := p.Signal(termSignal); err != nil {
		return pid, err
	}
	if p.waitExit(grace) {
		_ = p.Remove()
		return pid, nil
	}

	if err := p.Signal(killSignal); err != nil {
		return pid, err
	}
	p.waitExit(grace)
	_ = p.Remove()
	return pid, nil
}

func (p *PIDFile) waitExit(grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if _, running := p.IsRunning(); !running {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	_, running := p.IsRunning()
	return !running
}
