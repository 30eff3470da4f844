// Package model holds the harvester's domain types: identifiers, aspects,
// presence sets and fetched payloads. It has no dependencies on transport or
// storage so every other package can share it.
package model

import (
	"sort"
	"time"
)

// ID is an opaque, stable key naming one harvestable entity.
// IDs are never recycled once observed.
type ID string

// Identifier is a known ID together with its catalog metadata.
type Identifier struct {
	// ID is the entity key.
	ID ID `json:"id" bson:"_id"`

	// Name is the catalog display name, used by exclusion filters.
	Name string `json:"name" bson:"name"`

	// ObservedAt is when the ID was first discovered. It is written on insert
	// only and orders the oldest-first fallback in the scheduler.
	ObservedAt time.Time `json:"observed_at" bson:"observed_at"`
}

// IDSet is a set of IDs.
type IDSet map[ID]struct{}

// NewIDSet builds a set from the given IDs.
func NewIDSet(ids ...ID) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id into the set.
func (s IDSet) Add(id ID) {
	s[id] = struct{}{}
}

// Has reports whether id is in the set. A nil set contains nothing.
func (s IDSet) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

// Union returns a new set holding the members of s and other.
func (s IDSet) Union(other IDSet) IDSet {
	out := make(IDSet, len(s)+len(other))
	for id := range s {
		out[id] = struct{}{}
	}
	for id := range other {
		out[id] = struct{}{}
	}
	return out
}

// Sorted returns the members in ascending order.
func (s IDSet) Sorted() []ID {
	out := make([]ID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Presence maps each aspect to the set of IDs that have a usable payload
// stored for it.
type Presence map[Aspect]IDSet

// Has reports whether id has a usable payload for aspect.
func (p Presence) Has(aspect Aspect, id ID) bool {
	return p[aspect].Has(id)
}
