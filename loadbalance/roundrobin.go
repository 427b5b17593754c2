package loadbalance

import "sync/atomic"

// RoundRobin distributes requests evenly across all candidates in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobin[T any] struct {
	counter atomic.Uint64 // incremented on each Pick()
}

var _ Balancer[int] = (*RoundRobin[int])(nil)

// Pick selects the next candidate in round-robin order.
func (b *RoundRobin[T]) Pick(candidates []T) (T, error) {
	if len(candidates) == 0 {
		var zero T
		return zero, ErrNoCandidates
	}
	index := (b.counter.Add(1) - 1) % uint64(len(candidates))
	return candidates[index], nil
}

func (b *RoundRobin[T]) Name() string {
	return "RoundRobin"
}
