//go:build !unix

package registry

import (
	"errors"
	"fmt"
)

var errNoSharedMemory = fmt.Errorf("shared counter and file lock: %w", errors.ErrUnsupported)

func MapChangeCounter(path string) (*ChangeCounter, error) { return nil, errNoSharedMemory }

type CounterView struct{}

func OpenChangeCounter(path string) (*CounterView, error) { return nil, errNoSharedMemory }

func (c *CounterView) Load() uint64 { return 0 }
func (c *CounterView) Close() error { return nil }

type FileLock struct{}

func NewFileLock(path string) (*FileLock, error) { return nil, errNoSharedMemory }

func (l *FileLock) Lock()        {}
func (l *FileLock) Unlock()      {}
func (l *FileLock) Close() error { return nil }
