// Package service defines the three-part name under which an endpoint is
// offered, and the wildcard-aware rule used to look it up.
//
// A Description is the triple (service, instance, event). Each part is an ID:
// a string of at most MaxIDLength bytes stored inline in a fixed array, so a
// Description is a plain comparable value that can be copied into a registry
// slot without touching the heap.
//
//	offered:  ("Radar", "FrontLeft", "Objects")
//	query:    ("Radar", *,           "Objects")   → matches
//	query:    (*,       "Rear",      *)           → does not match
package service

import (
	"errors"
	"fmt"
)

// MaxIDLength is the maximum length in bytes of a single ID.
const MaxIDLength = 100

var (
	ErrIDTooLong             = errors.New("id exceeds maximum length")
	ErrWildcardInDescription = errors.New("wildcard is not allowed in an offered description")
)

// ID is a bounded, immutable name. The zero value is the empty name.
type ID struct {
	wildcard bool
	n        uint8
	buf      [MaxIDLength]byte
}

// Wildcard matches any concrete ID. It can only appear in a Query.
// No string passed to NewID produces it, so it never collides with a legal name.
var Wildcard = ID{wildcard: true}

// NewID copies s into a bounded ID.
func NewID(s string) (ID, error) {
	if len(s) > MaxIDLength {
		return ID{}, fmt.Errorf("%w: %d > %d", ErrIDTooLong, len(s), MaxIDLength)
	}
	var id ID
	id.n = uint8(len(s))
	copy(id.buf[:], s)
	return id, nil
}

// MustID is NewID for constants known to fit. It panics on error.
func MustID(s string) ID {
	id, err := NewID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// IsWildcard reports whether id is the Wildcard sentinel.
func (id ID) IsWildcard() bool { return id.wildcard }

// String returns the name, or "*" for the Wildcard.
func (id ID) String() string {
	if id.wildcard {
		return "*"
	}
	return string(id.buf[:id.n])
}

// Len returns the length of the name in bytes.
func (id ID) Len() int { return int(id.n) }

// Description identifies an offerable endpoint.
type Description struct {
	service  ID
	instance ID
	event    ID
}

// NewDescription builds a Description from three concrete names.
func NewDescription(service, instance, event string) (Description, error) {
	s, err := NewID(service)
	if err != nil {
		return Description{}, fmt.Errorf("service: %w", err)
	}
	i, err := NewID(instance)
	if err != nil {
		return Description{}, fmt.Errorf("instance: %w", err)
	}
	e, err := NewID(event)
	if err != nil {
		return Description{}, fmt.Errorf("event: %w", err)
	}
	return Description{service: s, instance: i, event: e}, nil
}

// DescriptionOf builds a Description from IDs, rejecting the Wildcard.
func DescriptionOf(service, instance, event ID) (Description, error) {
	if service.wildcard || instance.wildcard || event.wildcard {
		return Description{}, ErrWildcardInDescription
	}
	return Description{service: service, instance: instance, event: event}, nil
}

// MustDescription panics if the names do not fit.
func MustDescription(service, instance, event string) Description {
	d, err := NewDescription(service, instance, event)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Description) Service() ID  { return d.service }
func (d Description) Instance() ID { return d.instance }
func (d Description) Event() ID    { return d.event }

// Equal reports exact field-wise equality. Descriptions are also comparable with ==.
func (d Description) Equal(other Description) bool { return d == other }

// Matches reports whether q selects d: every query field is either the
// Wildcard or equal to the corresponding field of d.
func (d Description) Matches(q Query) bool {
	return fieldMatches(q.Service, d.service) &&
		fieldMatches(q.Instance, d.instance) &&
		fieldMatches(q.Event, d.event)
}

func (d Description) String() string {
	return fmt.Sprintf("(%s, %s, %s)", d.service, d.instance, d.event)
}

func fieldMatches(query, stored ID) bool {
	return query.wildcard || query == stored
}
