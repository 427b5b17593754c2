//go:build unix

package registry

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// FileLock is a sync.Locker that excludes other goroutines with a mutex and
// other processes with an advisory flock on a shared file. Every process that
// guards the same registry must use the same path.
type FileLock struct {
	mu sync.Mutex
	f  *os.File
}

var _ sync.Locker = (*FileLock)(nil)

// NewFileLock opens (creating if needed) the lock file at path.
func NewFileLock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &FileLock{f: f}, nil
}

// Lock blocks until both the in-process mutex and the file lock are held.
// It panics if the kernel refuses the lock, as sync.Mutex does on misuse.
func (l *FileLock) Lock() {
	l.mu.Lock()
	if err := flock(l.f, unix.LOCK_EX); err != nil {
		l.mu.Unlock()
		panic(fmt.Sprintf("registry: flock %s: %v", l.f.Name(), err))
	}
}

func (l *FileLock) Unlock() {
	if err := flock(l.f, unix.LOCK_UN); err != nil {
		panic(fmt.Sprintf("registry: funlock %s: %v", l.f.Name(), err))
	}
	l.mu.Unlock()
}

// Close releases the file. The lock must not be held.
func (l *FileLock) Close() error {
	return l.f.Close()
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
