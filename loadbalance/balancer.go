// Package loadbalance spreads requests over equivalent targets, such as the
// connections of a client's transport pool.
package loadbalance

import "errors"

// ErrNoCandidates is returned by Pick when there is nothing to choose from.
var ErrNoCandidates = errors.New("no candidates available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each request to select a target.
type Balancer[T any] interface {
	// Pick selects one candidate. Called on every request, must be goroutine-safe.
	Pick(candidates []T) (T, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
