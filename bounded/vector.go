// Package bounded provides a fixed-capacity sequence that reports overflow
// instead of growing.
package bounded

import (
	"errors"
	"iter"
)

// ErrOverflow is returned by Append when the vector is already full.
var ErrOverflow = errors.New("bounded: capacity exceeded")

// Vector is an ordered sequence whose storage is allocated once, at
// construction, and never grows. The zero value has capacity 0.
//
// Copying a Vector value shares its storage; use Clone for an independent copy.
type Vector[T comparable] struct {
	items []T
}

// New returns an empty vector with room for capacity items.
func New[T comparable](capacity int) *Vector[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Vector[T]{items: make([]T, 0, capacity)}
}

// Append adds item at the end, or returns ErrOverflow if the vector is full.
func (v *Vector[T]) Append(item T) error {
	if len(v.items) == cap(v.items) {
		return ErrOverflow
	}
	v.items = append(v.items, item)
	return nil
}

func (v *Vector[T]) Len() int {
	if v == nil {
		return 0
	}
	return len(v.items)
}

func (v *Vector[T]) Cap() int {
	if v == nil {
		return 0
	}
	return cap(v.items)
}

func (v *Vector[T]) Empty() bool { return v.Len() == 0 }

// At returns the i-th item. It panics if i is out of range.
func (v *Vector[T]) At(i int) T { return v.items[i] }

// Reset empties the vector, keeping its storage.
func (v *Vector[T]) Reset() {
	clear(v.items)
	v.items = v.items[:0]
}

// All yields the items in insertion order. The sequence can be ranged over
// any number of times.
func (v *Vector[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		if v == nil {
			return
		}
		for _, item := range v.items {
			if !yield(item) {
				return
			}
		}
	}
}

// Values returns a copy of the items as a plain slice.
func (v *Vector[T]) Values() []T {
	out := make([]T, v.Len())
	if v != nil {
		copy(out, v.items)
	}
	return out
}

// Clone returns a vector with the same capacity and contents and its own storage.
func (v *Vector[T]) Clone() *Vector[T] {
	c := New[T](v.Cap())
	if v != nil {
		c.items = append(c.items, v.items...)
	}
	return c
}

// Equal reports whether both vectors hold the same items in the same order.
// Capacity is not compared.
func (v *Vector[T]) Equal(other *Vector[T]) bool {
	if v.Len() != other.Len() {
		return false
	}
	for i := 0; i < v.Len(); i++ {
		if v.items[i] != other.items[i] {
			return false
		}
	}
	return true
}
