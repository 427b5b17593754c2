//go:build unix

package registry

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const counterFileSize = 8

// MapChangeCounter places the counter in an 8-byte file mapped shared into
// memory, so other processes can read it with OpenChangeCounter. An existing
// file keeps its value: a restarted daemon continues counting upward instead
// of going back to 0 under readers that still hold the mapping.
func MapChangeCounter(path string) (*ChangeCounter, error) {
	data, err := mapFile(path, os.O_RDWR|os.O_CREATE, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return nil, err
	}
	return &ChangeCounter{
		v:     (*atomic.Uint64)(unsafe.Pointer(&data[0])),
		unmap: func() error { return unix.Munmap(data) },
	}, nil
}

// CounterView is a read-only mapping of a counter written by another process.
type CounterView struct {
	v    *atomic.Uint64
	data []byte
}

// OpenChangeCounter maps the counter file written by MapChangeCounter read-only.
func OpenChangeCounter(path string) (*CounterView, error) {
	data, err := mapFile(path, os.O_RDONLY, unix.PROT_READ)
	if err != nil {
		return nil, err
	}
	return &CounterView{v: (*atomic.Uint64)(unsafe.Pointer(&data[0])), data: data}, nil
}

func (c *CounterView) Load() uint64 { return c.v.Load() }

func (c *CounterView) Close() error {
	if c.data == nil {
		return nil
	}
	data := c.data
	c.data = nil
	return unix.Munmap(data)
}

func mapFile(path string, flag int, prot int) ([]byte, error) {
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open counter file: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat counter file: %w", err)
	}
	if st.Size() < counterFileSize {
		if flag&os.O_RDWR == 0 {
			return nil, fmt.Errorf("counter file %s: size %d, want %d", path, st.Size(), counterFileSize)
		}
		if err := f.Truncate(counterFileSize); err != nil {
			return nil, fmt.Errorf("size counter file: %w", err)
		}
	}

	// mmap returns page-aligned memory, which satisfies the 8-byte alignment atomic.Uint64 needs.
	data, err := unix.Mmap(int(f.Fd()), 0, counterFileSize, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap counter file: %w", err)
	}
	return data, nil
}
