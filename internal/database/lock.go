package database

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

var ErrAlreadyRunning = errors.New("another instance holds the lock")

// AcquireLock takes an exclusive, non-blocking file lock so only one process
// runs the bot and the sweep against the same data.
func AcquireLock(path string) (*flock.Flock, error) {
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock %s: %w", path, ErrAlreadyRunning)
	}
	return lock, nil
}
