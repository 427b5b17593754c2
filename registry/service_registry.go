package registry

import (
	"fmt"
	"sync"

	"shm-discovery/bounded"
	"shm-discovery/service"
)

// Handle addresses a slot in the arena.
type Handle int32

const nilHandle Handle = -1

type slot struct {
	desc service.Description
	refs uint64
	prev Handle
	next Handle // also links the free list
}

// ServiceRegistry is the fixed-capacity implementation of Registry.
type ServiceRegistry struct {
	mu        sync.Locker
	slots     []slot
	head      Handle
	tail      Handle
	free      Handle
	size      int
	resultCap int
	counter   *ChangeCounter
}

var _ Registry = (*ServiceRegistry)(nil)

// Option configures a ServiceRegistry.
type Option func(*ServiceRegistry)

// WithCapacity sets N, the maximum number of distinct offered descriptions.
func WithCapacity(n int) Option {
	return func(r *ServiceRegistry) {
		if n > 0 {
			r.slots = make([]slot, n)
		}
	}
}

// WithResultCapacity sets M, the maximum number of descriptions one Find returns.
func WithResultCapacity(m int) Option {
	return func(r *ServiceRegistry) {
		if m > 0 {
			r.resultCap = m
		}
	}
}

// WithLocker replaces the default in-process mutex, e.g. with a FileLock.
func WithLocker(l sync.Locker) Option {
	return func(r *ServiceRegistry) {
		if l != nil {
			r.mu = l
		}
	}
}

// WithChangeCounter makes the registry bump c instead of a private counter.
func WithChangeCounter(c *ChangeCounter) Option {
	return func(r *ServiceRegistry) {
		if c != nil {
			r.counter = c
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *ServiceRegistry {
	r := &ServiceRegistry{
		mu:        &sync.Mutex{},
		resultCap: DefaultResultCapacity,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.slots == nil {
		r.slots = make([]slot, DefaultCapacity)
	}
	if r.counter == nil {
		r.counter = NewChangeCounter()
	}

	// All slots start on the free list in index order.
	r.head, r.tail = nilHandle, nilHandle
	for i := range r.slots {
		r.slots[i].prev = nilHandle
		r.slots[i].next = Handle(i + 1)
	}
	r.slots[len(r.slots)-1].next = nilHandle
	r.free = 0
	return r
}

// Offer inserts d or adds a reference to it.
func (r *ServiceRegistry) Offer(d service.Description) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h := r.lookup(d); h != nilHandle {
		r.slots[h].refs++
		return nil
	}

	if r.free == nilHandle {
		return fmt.Errorf("offer %s: %w", d, ErrRegistryFull)
	}

	// Pop a free slot and link it at the tail, so scans see it last.
	h := r.free
	s := &r.slots[h]
	r.free = s.next
	s.desc = d
	s.refs = 1
	s.prev = r.tail
	s.next = nilHandle
	if r.tail != nilHandle {
		r.slots[r.tail].next = h
	} else {
		r.head = h
	}
	r.tail = h
	r.size++

	r.counter.increment()
	return nil
}

// StopOffer drops a reference to d and removes it when none remain.
func (r *ServiceRegistry) StopOffer(d service.Description) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.lookup(d)
	if h == nilHandle {
		return
	}
	s := &r.slots[h]
	s.refs--
	if s.refs > 0 {
		return
	}

	if s.prev != nilHandle {
		r.slots[s.prev].next = s.next
	} else {
		r.head = s.next
	}
	if s.next != nilHandle {
		r.slots[s.next].prev = s.prev
	} else {
		r.tail = s.prev
	}
	*s = slot{prev: nilHandle, next: r.free}
	r.free = h
	r.size--

	r.counter.increment()
}

// Find allocates a result vector of the configured capacity and fills it.
func (r *ServiceRegistry) Find(q service.Query) (*bounded.Vector[service.Description], error) {
	dst := bounded.New[service.Description](r.resultCap)
	if err := r.FindInto(dst, q); err != nil {
		return nil, err
	}
	return dst, nil
}

// FindInto resets dst and appends every match to it. If dst cannot hold all
// matches it is left empty and bounded.ErrOverflow is returned.
func (r *ServiceRegistry) FindInto(dst *bounded.Vector[service.Description], q service.Query) error {
	dst.Reset()

	r.mu.Lock()
	defer r.mu.Unlock()

	for h := r.head; h != nilHandle; h = r.slots[h].next {
		d := r.slots[h].desc
		if !d.Matches(q) {
			continue
		}
		if err := dst.Append(d); err != nil {
			dst.Reset()
			return fmt.Errorf("find %s: %w", q, err)
		}
	}
	return nil
}

// References returns how many offers of d are active.
func (r *ServiceRegistry) References(d service.Description) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h := r.lookup(d); h != nilHandle {
		return r.slots[h].refs
	}
	return 0
}

// ChangeCounter returns the live counter. Reading it takes no lock.
func (r *ServiceRegistry) ChangeCounter() CounterReader { return r.counter }

// Len returns the number of distinct offered descriptions.
func (r *ServiceRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *ServiceRegistry) Capacity() int       { return len(r.slots) }
func (r *ServiceRegistry) ResultCapacity() int { return r.resultCap }

// lookup scans the occupied list. Caller holds mu.
func (r *ServiceRegistry) lookup(d service.Description) Handle {
	for h := r.head; h != nilHandle; h = r.slots[h].next {
		if r.slots[h].desc == d {
			return h
		}
	}
	return nilHandle
}
