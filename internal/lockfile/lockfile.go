// Package lockfile guards a state directory against concurrent CoachPipe
// instances.
//
// The lock is an advisory flock on a well-known file inside the directory,
// so the kernel drops it when the process exits, cleanly or not.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "coachpipe.lock"

// Lock is an acquired state directory lock. A nil file marks it released.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes an exclusive advisory lock on stateDir, creating the
// directory if needed. It fails fast with a *LockError when another process
// already holds the directory.
func AcquireLock(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)

	// Open without truncating: on a failed acquisition the file still holds
	// the current owner's record, which the error message reports.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := holderInfo(path)
		file.Close()
		slog.Warn("AcquireLock: state directory already locked", "path", path, "holder", holder)
		return nil, &LockError{Path: path, Holder: holder, Cause: err}
	}

	// The lock is ours, so the previous holder record can be replaced.
	if err := writeHolderRecord(file); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to record lock holder in %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		slog.Warn("AcquireLock: lock file sync failed", "path", path, "error", err)
	}

	slog.Info("AcquireLock: state directory locked", "path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

// Release drops the lock and removes the lock file. Safe to call repeatedly.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Release: flock release failed", "path", l.path, "error", err)
	}
	if err := l.file.Close(); err != nil {
		slog.Warn("Release: lock file close failed", "path", l.path, "error", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Release: lock file removal failed", "path", l.path, "error", err)
	}
	l.file = nil
	slog.Debug("Release: state directory unlocked", "path", l.path)
	return nil
}

// LockError reports a state directory held by another process.
type LockError struct {
	Path   string
	Holder string
	Cause  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("another CoachPipe instance is already running (lock %s held by %s); remove the lock file only if that process is gone", e.Path, e.Holder)
}

func (e *LockError) Unwrap() error { return e.Cause }

// writeHolderRecord replaces the lock file contents with this process's pid.
func writeHolderRecord(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(file, "pid=%d\n", os.Getpid())
	return err
}

// holderInfo describes the current lock owner for error messages, probing
// whether the recorded pid is still alive.
func holderInfo(path string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return "unknown"
	}
	pid := parsePID(string(data))
	if pid <= 0 {
		return strings.TrimSpace(string(data))
	}
	if processAlive(pid) {
		return fmt.Sprintf("pid %d (running)", pid)
	}
	return fmt.Sprintf("pid %d (stale)", pid)
}

// parsePID extracts the pid from a "pid=N" holder record, zero if absent.
func parsePID(content string) int {
	_, rest, ok := strings.Cut(content, "pid=")
	if !ok {
		return 0
	}
	digits := rest
	if i := strings.IndexFunc(rest, func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
		digits = rest[:i]
	}
	pid, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return pid
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
