package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDuration = 500 * time.Millisecond

// LockEngineLogDir acquires an advisory, cross-process lock scoped to
// logDir, so two rcssd supervisors never spawn engines sharing one
// --server::log_dir (which would interleave or clobber each other's log
// files). Grounded on buildkite-agent's internal/shell.Shell.LockFile,
// which retries a flock.TryLock on a timer until ctx is done.
func LockEngineLogDir(ctx context.Context, logDir string) (*flock.Flock, error) {
	path, err := filepath.Abs(filepath.Join(logDir, ".rcssd.lock"))
	if err != nil {
		return nil, fmt.Errorf("resolving lock path under %q: %w", logDir, err)
	}

	lock := flock.New(path)

	for {
		gotLock, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("locking %q: %w", path, err)
		}
		if gotLock {
			return lock, nil
		}

		timer := time.NewTimer(lockRetryDuration)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}
