// Package lockfile implements the orchestrator's advisory PID lock. The
// lock only guards against accidentally starting a second orchestrator on
// the same vault; correctness does not depend on it - the atomic
// claim-by-move remains safe even if the lock is bypassed.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrHeld is returned when a live process already holds the lock.
var ErrHeld = errors.New("lock already held")

// Lock is an acquired PID lock.
type Lock struct {
	path string
	pid  int
}

// Acquire takes the lock at path. A lock file naming a dead PID is stale
// and is taken over; a live PID yields ErrHeld.
func Acquire(path string) (*Lock, error) {
	if data, err := os.ReadFile(path); err == nil {
		existing, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if convErr == nil && processAlive(existing) {
			return nil, fmt.Errorf("%w by pid %d (remove %s if that process is not an orchestrator)", ErrHeld, existing, path)
		}
		// Stale or unreadable lock: take over.
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}

	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}

	return &Lock{path: path, pid: pid}, nil
}

// Release removes the lock file, but only if it still names our PID -
// a takeover by a later process must not be clobbered.
func (l *Lock) Release() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read lock file: %w", err)
	}

	stored, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
	if convErr != nil || stored != l.pid {
		return nil
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// processAlive probes a PID with signal 0. Any error (no such process,
// permission denied on a recycled PID owned by another user is treated as
// alive to stay on the safe side) decides liveness.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
