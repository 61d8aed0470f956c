package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLockTimeout is returned when the lock retry budget is exhausted. The
// wrapping error names the lock path so operators can clear it by hand.
var ErrLockTimeout = errors.New("state lock acquisition timed out")

const (
	lockStaleMs     = 10_000 // locks older than this are presumed abandoned
	lockIntervalMs  = 100
	lockRetryBudget = 50
)

// acquireLock creates the lock file exclusively. On conflict it deletes
// stale locks (mtime older than the staleness threshold) and retries
// immediately, otherwise sleeps one interval and retries, up to the budget.
func (s *Store) acquireLock() error {
	stale := time.Duration(s.lockStale) * time.Millisecond
	interval := time.Duration(s.lockInterval) * time.Millisecond

	for attempt := 0; attempt < s.lockRetries; attempt++ {
		f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// Content is informational only: owner pid and timestamp.
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().Format(time.RFC3339))
			return f.Close()
		}
		if !os.IsExist(err) {
			if mkErr := os.MkdirAll(filepath.Dir(s.lockPath), 0o755); mkErr == nil {
				continue
			}
			return fmt.Errorf("create lock %s: %w", s.lockPath, err)
		}
		info, statErr := os.Stat(s.lockPath)
		if statErr == nil && time.Since(info.ModTime()) > stale {
			s.log.Warn("removing stale state lock", "path", s.lockPath, "age", time.Since(info.ModTime()).Round(time.Millisecond))
			_ = os.Remove(s.lockPath)
			continue
		}
		time.Sleep(interval)
	}
	return fmt.Errorf("%w: %s", ErrLockTimeout, s.lockPath)
}

// releaseLock removes the lock file. A lock that vanished (e.g. reclaimed as
// stale by another process) is not an error.
func (s *Store) releaseLock() {
	if err := os.Remove(s.lockPath); err != nil && !os.IsNotExist(err) {
		s.log.Warn("failed to release state lock", "path", s.lockPath, "err", err)
	}
}
