package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/whs-run/whs/internal/log"
)

// LockFile is the dispatcher lock, sibling to the state file.
const LockFile = "dispatcher.lock"

// LockInfo identifies the dispatcher process holding the lock.
type LockInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

// ErrLocked is returned when another live dispatcher holds the lock.
var ErrLocked = errors.New("another dispatcher holds the lock")

// LockPathFor returns the lock file path for an orchestrator root.
func LockPathFor(orchestratorPath string) string {
	return filepath.Join(orchestratorPath, StateDir, LockFile)
}

// Lock is a cross-process file lock.
type Lock struct {
	path string
}

// NewLock creates a lock at the given path.
func NewLock(path string) *Lock {
	return &Lock{path: path}
}

// Acquire takes the lock for the current process. When a live holder
// exists the returned error wraps ErrLocked and Holder carries its info.
// Stale locks from dead processes are replaced silently.
func (l *Lock) Acquire() error {
	if holder, err := l.Holder(); err == nil && holder != nil {
		if pidAlive(holder.PID) {
			return fmt.Errorf("%w: pid %d since %s", ErrLocked, holder.PID, holder.StartedAt.Format(time.RFC3339))
		}
		log.Warn(log.CatState, "replacing stale lock", "pid", holder.PID, "started_at", holder.StartedAt)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	info := LockInfo{PID: os.Getpid(), StartedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode lock: %w", err)
	}
	if err := os.WriteFile(l.path, data, 0644); err != nil { //nolint:gosec // G306: lock file is not sensitive
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

// Release removes the lock if this process holds it.
func (l *Lock) Release() error {
	holder, err := l.Holder()
	if err != nil || holder == nil {
		return nil
	}
	if holder.PID != os.Getpid() {
		return fmt.Errorf("lock held by pid %d, not releasing", holder.PID)
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Holder returns the recorded lock holder, or nil when no lock exists.
func (l *Lock) Holder() (*LockInfo, error) {
	data, err := os.ReadFile(l.path) //nolint:gosec // G304: operator-configured lock path
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}

	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	return &info, nil
}

// IsStale reports whether a lock exists whose holder is dead.
func (l *Lock) IsStale() bool {
	holder, err := l.Holder()
	if err != nil || holder == nil {
		return false
	}
	return !pidAlive(holder.PID)
}

// pidAlive probes a process with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
