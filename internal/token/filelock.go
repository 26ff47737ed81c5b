package token

import (
	"errors"
	"fmt"
	"os"
	"time"

	"drivegate/internal/logging"
)

// ErrLockTimeout is returned when a lock file held by another writer does not
// clear within the wait budget.
var ErrLockTimeout = errors.New("token: timed out waiting for file lock")

const lockPollInterval = 100 * time.Millisecond

// acquireFileLock takes an exclusive advisory lock by creating lockPath with
// O_CREATE|O_EXCL. Contenders poll until the holder removes the file or the
// timeout elapses. The returned release func closes and removes the lock file.
func acquireFileLock(lockPath string, timeout time.Duration) (func(), error) {
	deadline := time.Now().Add(timeout)
	for {
		fd, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		if err == nil {
			return func() {
				fd.Close()
				os.Remove(lockPath)
			}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("token: create lock file %s: %w", logging.MaskPath(lockPath), err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, logging.MaskPath(lockPath))
		}
		time.Sleep(lockPollInterval)
	}
}
