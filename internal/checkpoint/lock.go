package checkpoint

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// lockExclusive blocks until f holds an exclusive advisory lock.
func lockExclusive(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// withLock runs fn while f is exclusively locked. The lock is released
// whatever fn returns.
func withLock(f *os.File, fn func() error) (err error) {
	if err := lockExclusive(f); err != nil {
		return err
	}
	defer func() {
		if uerr := unlock(f); uerr != nil && err == nil {
			err = uerr
		}
	}()
	return fn()
}
