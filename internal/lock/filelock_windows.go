// SPDX-License-Identifier: MIT

//go:build windows

package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/windows"
)

// FileLock represents a file-based lock using LockFileEx, the Windows
// counterpart to the Linux flock(2) implementation. Same stale-lock
// detection, timeout, and PID-tracking behavior as the Linux build so
// callers never need a build-tag switch of their own.
type FileLock struct {
	mu   sync.Mutex
	path string
	file *os.File
	pid  int
}

const (
	// DefaultStaleThreshold is the age threshold for considering a lock stale.
	DefaultStaleThreshold = 300 * time.Second

	// DefaultAcquireTimeout is the default timeout for lock acquisition.
	DefaultAcquireTimeout = 30 * time.Second
)

// lockFileFlags requests an exclusive, non-blocking byte-range lock over the
// whole file, mirroring LOCK_EX|LOCK_NB on the flock side.
const lockFileFlags = windows.LOCKFILE_EXCLUSIVE_LOCK | windows.LOCKFILE_FAIL_IMMEDIATELY

// NewFileLock creates a new file-based lock.
//
// The lock file is created if it doesn't exist. The parent directory
// is created if needed.
func NewFileLock(path string) (*FileLock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path cannot be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	return &FileLock{
		path: path,
		pid:  os.Getpid(),
	}, nil
}

func lockFile(file *os.File) error {
	handle := windows.Handle(file.Fd())
	ol := new(windows.Overlapped)
	return windows.LockFileEx(handle, lockFileFlags, 0, 1, 0, ol)
}

func unlockFile(file *os.File) error {
	handle := windows.Handle(file.Fd())
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(handle, 0, 1, 0, ol)
}

// Acquire attempts to acquire the exclusive lock with a timeout.
func (fl *FileLock) Acquire(timeout time.Duration) error {
	if stale, _ := isLockStale(fl.path, DefaultStaleThreshold); stale {
		_ = os.Remove(fl.path)
	}

	file, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err = lockFile(file)
		if err == nil {
			break
		}

		if time.Now().After(deadline) {
			_ = file.Close()
			return fmt.Errorf("failed to acquire lock after %v: %w", timeout, err)
		}

		time.Sleep(100 * time.Millisecond)
	}

	if err := writePID(file, fl.pid); err != nil {
		_ = file.Close()
		return err
	}

	fl.mu.Lock()
	fl.file = file
	fl.mu.Unlock()
	return nil
}

// AcquireContext attempts to acquire the exclusive lock with context cancellation support.
func (fl *FileLock) AcquireContext(ctx context.Context, timeout time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if stale, _ := isLockStale(fl.path, DefaultStaleThreshold); stale {
		_ = os.Remove(fl.path)
	}

	file, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		err = lockFile(file)
		if err == nil {
			break
		}

		select {
		case <-ctx.Done():
			_ = file.Close()
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				_ = file.Close()
				return fmt.Errorf("failed to acquire lock after %v: %w", timeout, err)
			}
		}
	}

	if err := writePID(file, fl.pid); err != nil {
		_ = file.Close()
		return err
	}

	fl.mu.Lock()
	fl.file = file
	fl.mu.Unlock()
	return nil
}

func writePID(file *os.File, pid int) error {
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(file, "%d\n", pid); err != nil {
		return fmt.Errorf("failed to write PID to lock file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync lock file: %w", err)
	}
	return nil
}

// Release releases the lock.
func (fl *FileLock) Release() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file == nil {
		return fmt.Errorf("lock not held")
	}

	if err := unlockFile(fl.file); err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}

	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}

	fl.file = nil
	return nil
}

// Close closes the lock file if held and releases the lock.
func (fl *FileLock) Close() error {
	fl.mu.Lock()
	held := fl.file != nil
	fl.mu.Unlock()

	if held {
		return fl.Release()
	}
	return nil
}

// isLockStale checks if a lock file is stale.
//
// A lock is considered stale if the file doesn't parse to a live PID.
// Windows has no signal(0) equivalent, so liveness is checked by trying to
// open the recorded PID with OpenProcess: a live process holding the lock
// also holds the LockFileEx lock itself, so a failed OpenProcess is the
// reliable stale signal here (age is not checked, for the same reason noted
// on the Linux build: a long-running recorder's lock file mtime is always
// older than the threshold).
func isLockStale(lockPath string, threshold time.Duration) (bool, error) {
	_ = threshold

	_, err := os.Stat(lockPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	data, err := os.ReadFile(lockPath)
	if err != nil {
		return true, nil
	}

	pidStr := strings.TrimSpace(string(data))
	if pidStr == "" {
		return true, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return true, nil
	}

	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return true, nil
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return true, nil
	}
	if exitCode != 259 /* STILL_ACTIVE */ {
		return true, nil
	}

	return false, nil
}
