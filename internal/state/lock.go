package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/franklinbaldo/julesched/internal/errors"
)

// ErrLocked is returned when another scheduler process holds the tick lock.
var ErrLocked = errors.New("another scheduler tick is running")

// TickLock serializes scheduler ticks across processes using an exclusive
// lock file. Ticks fired from overlapping cron slots must not interleave
// branch mutations.
type TickLock struct {
	path       string
	staleAfter time.Duration
}

// NewTickLock creates a lock at path. Locks older than staleAfter are
// treated as leftovers from a crashed tick and broken.
func NewTickLock(path string, staleAfter time.Duration) *TickLock {
	return &TickLock{path: path, staleAfter: staleAfter}
}

// Acquire takes the lock, returning a release function. Returns ErrLocked
// when a live tick holds it.
func (l *TickLock) Acquire() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	if err := l.tryCreate(); err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}
		info, statErr := os.Stat(l.path)
		if statErr != nil || time.Since(info.ModTime()) < l.staleAfter {
			return nil, errors.Wrapf(ErrLocked, "lock file %s", l.path)
		}
		// Stale lock from a crashed run.
		if err := os.Remove(l.path); err != nil {
			return nil, fmt.Errorf("failed to break stale lock: %w", err)
		}
		if err := l.tryCreate(); err != nil {
			return nil, errors.Wrapf(ErrLocked, "lock file %s", l.path)
		}
	}
	return func() { os.Remove(l.path) }, nil
}

func (l *TickLock) tryCreate() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	return err
}
