//go:build windows

package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

// Windows has no graceful signal for another process; both map to TerminateProcess.
const (
	termSignal = syscall.SIGKILL
	killSignal = syscall.SIGKILL
)

// processAlive relies on Signal(0) failing for an exited process, since
// FindProcess succeeds for any pid.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func signalProcess(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

// Detach is a no-op on Windows.
func Detach(_ *exec.Cmd) {}

// ShutdownSignals are the signals a foreground server treats as a stop request.
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
