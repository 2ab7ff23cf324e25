// Package lockfile guards a channel's state directory against two
// boxsync runs operating on it concurrently, using an advisory OS file
// lock (github.com/gofrs/flock) plus a PID recorded in the lock file,
// which Acquire checks for liveness before giving up on a held lock.
package lockfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// Lock holds an acquired advisory lock on one state directory.
type Lock struct {
	path string
	fl   *flock.Flock
}

// ErrHeld is returned by Acquire when another live process holds the
// lock.
var ErrHeld = fmt.Errorf("state directory is locked by another run")

// Acquire takes the lock at path, a file inside the channel's state
// directory (conventionally ".lock"). If the lock is held and the file
// names a PID that no longer exists, TryLock is retried once; nothing
// is unlocked or removed, so the retry succeeds only if the holder has
// released the lock in the meantime.
func Acquire(path string) (*Lock, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		if breakStale(path) {
			ok, err = fl.TryLock()
			if err != nil {
				return nil, fmt.Errorf("lock %s: %w", path, err)
			}
		}
		if !ok {
			return nil, ErrHeld
		}
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("write pid to %s: %w", path, err)
	}

	return &Lock{path: path, fl: fl}, nil
}

// breakStale reports whether the PID recorded at path belongs to a
// process that is no longer alive, in which case the lock is safe to
// steal: the recording process crashed without releasing it.
func breakStale(path string) bool {
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	// On POSIX, FindProcess always succeeds; signal 0 is the portable
	// way to probe liveness without actually signaling the process.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return true
	}
	return false
}

// Release drops the lock. The lock file itself is left in place; the
// next Acquire overwrites its PID.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}
