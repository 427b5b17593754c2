package registry

import "sync/atomic"

// CounterReader is a read-only view of a change counter.
type CounterReader interface {
	Load() uint64
}

// ChangeCounter counts 0→1 and 1→0 reference transitions in a registry.
//
// It is a dirty flag, not an event log: a reader that sees a different value
// than last time should re-run its find, nothing more. Only the registry
// increments it, always while holding the registry lock; readers never lock.
type ChangeCounter struct {
	v     *atomic.Uint64
	unmap func() error
}

// NewChangeCounter returns a counter in process memory, starting at 0.
func NewChangeCounter() *ChangeCounter {
	return &ChangeCounter{v: new(atomic.Uint64)}
}

func (c *ChangeCounter) Load() uint64 { return c.v.Load() }

func (c *ChangeCounter) increment() { c.v.Add(1) }

// Close releases a memory-mapped counter. It is a no-op for heap counters.
func (c *ChangeCounter) Close() error {
	if c.unmap == nil {
		return nil
	}
	unmap := c.unmap
	c.unmap = nil
	return unmap()
}
