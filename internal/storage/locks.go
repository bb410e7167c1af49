package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLockTimeout is returned when a bounded lock acquisition does not succeed
// within the configured wait. Callers may retry with backoff.
var ErrLockTimeout = errors.New("storage: lock acquisition timed out")

// LockDir hands out advisory per-resource locks backed by zero-byte marker
// files. Exclusion is enforced with flock(2), so cooperating processes on the
// same host observe the same locks.
type LockDir struct {
	dir          string
	pollInterval time.Duration
}

// NewLockDir creates the marker directory if needed and returns a LockDir
// rooted there.
func NewLockDir(dir string) (*LockDir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return &LockDir{dir: dir, pollInterval: 10 * time.Millisecond}, nil
}

// Acquire takes the exclusive lock for the named resource. A wait of zero or
// less blocks until the lock is granted; a positive wait bounds the attempt
// and yields ErrLockTimeout on expiry. The returned release function is safe
// to call exactly once and must run on every exit path.
func (l *LockDir) Acquire(name string, wait time.Duration) (func(), error) {
	marker := filepath.Join(l.dir, markerName(name))
	f, err := os.OpenFile(marker, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock marker %s: %w", marker, err)
	}

	if wait <= 0 {
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", marker, err)
		}
		return releaseFunc(f), nil
	}

	deadline := time.Now().Add(wait)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return releaseFunc(f), nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EAGAIN) {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", marker, err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, ErrLockTimeout
		}
		time.Sleep(l.pollInterval)
	}
}

func releaseFunc(f *os.File) func() {
	return func() {
		// Closing drops the flock even if the explicit unlock fails.
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}
}

// markerName flattens a resource key into a single marker file name.
func markerName(name string) string {
	flat := strings.NewReplacer(string(filepath.Separator), "__", " ", "_").Replace(name)
	return flat + ".lock"
}
