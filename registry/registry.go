// Package registry holds the set of currently offered service descriptions.
//
// The store is a fixed arena of N slots addressed by integer handle. Occupied
// slots are threaded on a doubly linked list in first-insertion order, free
// slots on a singly linked free list, so offer and stop-offer never allocate
// and find walks entries in a stable order:
//
//	slots:  [0]─┐   [1]      [2]─┐   [3]
//	            │   free      ▲  │   free
//	 head ──────┘             │  └────── tail
//	            └─────next────┘
//
// Every mutation and every scan runs under a single lock, which may be a
// process-local mutex or a FileLock shared with other processes. The change
// counter sits outside that lock and can be read at any time.
package registry

import (
	"errors"

	"shm-discovery/bounded"
	"shm-discovery/service"
)

// ErrRegistryFull is returned when a new description is offered while all N slots are in use.
var ErrRegistryFull = errors.New("registry: capacity exhausted")

const (
	DefaultCapacity       = 512
	DefaultResultCapacity = 128
)

// Registry is the contract shared by the in-process store and remote clients
// that forward to it.
type Registry interface {
	// Offer adds one reference to d. The first reference makes d discoverable.
	Offer(d service.Description) error
	// StopOffer drops one reference to d. Unknown descriptions are ignored.
	StopOffer(d service.Description)
	// Find returns every offered description matching q, in first-offer order,
	// or bounded.ErrOverflow if they do not all fit in one result.
	Find(q service.Query) (*bounded.Vector[service.Description], error)
	// ChangeCounter returns a handle to the live change counter.
	ChangeCounter() CounterReader
}
