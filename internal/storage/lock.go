package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// LockHolder identifies the scheduler in the lock file
const LockHolder = "dedup-scheduler"

// ExclusiveLock is the content of the lock file that claims a database for one
// scheduler process. Only `dedup serve` takes it; synchronous runs coordinate
// through the database write lock.
type ExclusiveLock struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

// LockPath returns the lock file path for the database at dbPath
func LockPath(dbPath string) string {
	return dbPath + ".lock"
}

// ReadExclusiveLock returns the current lock, or nil if the database is not locked
func ReadExclusiveLock(dbPath string) (*ExclusiveLock, error) {
	data, err := os.ReadFile(LockPath(dbPath))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock: %w", err)
	}
	var lock ExclusiveLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("malformed lock file %s: %w", LockPath(dbPath), err)
	}
	return &lock, nil
}

// IsStale reports whether the process holding the lock is gone
func (l *ExclusiveLock) IsStale() bool {
	return !isProcessAlive(l.PID, l.Hostname)
}

// AcquireExclusiveLock creates the scheduler lock file next to the database
// and returns its path for ReleaseExclusiveLock. Creation is exclusive, so two
// schedulers starting together cannot both win. A lock left by a dead process
// is removed and the claim retried once.
func AcquireExclusiveLock(dbPath, version string) (string, error) {
	if dbPath == "" {
		return "", fmt.Errorf("invalid database path: empty")
	}
	lockPath := LockPath(dbPath)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create lock directory: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	data, err := json.MarshalIndent(ExclusiveLock{
		Holder:    LockHolder,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now().UTC(),
		Version:   version,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}

	for attempt := 0; ; attempt++ {
		err := writeNewFile(lockPath, data)
		if err == nil {
			return lockPath, nil
		}
		if !errors.Is(err, fs.ErrExist) || attempt > 0 {
			return "", fmt.Errorf("failed to create exclusive lock: %w", err)
		}

		existing, readErr := ReadExclusiveLock(dbPath)
		if readErr != nil {
			return "", readErr
		}
		if existing != nil && !existing.IsStale() {
			return "", fmt.Errorf("another scheduler is already running (PID %d on %s, started %s)",
				existing.PID, existing.Hostname, existing.StartedAt.Format(time.RFC3339))
		}
		if err := ReleaseExclusiveLock(lockPath); err != nil {
			return "", err
		}
	}
}

func writeNewFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

// ReleaseExclusiveLock removes the lock file; a missing file is not an error
func ReleaseExclusiveLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}

	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove exclusive lock: %w", err)
	}

	return nil
}

// isProcessAlive checks if a process with the given PID exists on the given hostname.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil {
		// Can't check hostname, assume remote/alive
		return true
	}

	if !strings.EqualFold(hostname, currentHost) {
		// Remote host - can't check, assume alive
		return true
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 checks existence without delivering anything
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}

	// EPERM: the process exists but belongs to someone else
	if err == syscall.EPERM {
		return true
	}

	return false
}
