package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/mschirtzinger/vaultd/internal/health"
)

var (
	// ErrAlreadyRunning is returned by Start unless the daemon is stopped.
	ErrAlreadyRunning = errors.New("daemon already running")

	// ErrNotRunning is returned by Stop and Reload unless the daemon is
	// running.
	ErrNotRunning = errors.New("daemon not running")

	// ErrLocked is returned by Start when another instance holds the
	// state directory lock.
	ErrLocked = errors.New("another vaultd instance is running")
)

// State is a lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateReloading
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return health.StateRunning
	case StateReloading:
		return "reloading"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ControlSurface is how the outside world drives a daemon. Status and
// State never block on a lifecycle transition.
type ControlSurface interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reload(ctx context.Context) error
	Status() health.Snapshot
	State() State
}

var _ ControlSurface = (*Daemon)(nil)

// CheckLock returns ErrLocked when a daemon holds the lock in stateDir.
// Offline maintenance commands use it before touching the cache.
func CheckLock(stateDir string) error {
	path := filepath.Join(stateDir, LockFile)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	l, err := acquireLock(path)
	if err != nil {
		return err
	}
	return l.release()
}
