// Package crdt defines the model contract that stores drive and ships the
// conflict-free models used by this module: an observed-remove collection, a
// singleton built on the collection, and a versioned map.
//
// A model merges snapshots of other replicas and applies operations in place.
// Merge is associative, commutative and idempotent, so replicas that have
// seen the same snapshots and operations hold equal data.
package crdt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// VersionMap is a vector clock keyed by actor.
type VersionMap map[string]int

// Clone returns an independent copy. A nil map clones to an empty map.
func (v VersionMap) Clone() VersionMap {
	out := make(VersionMap, len(v))
	maps.Copy(out, v)
	return out
}

// Merge returns the pointwise maximum of v and other.
func (v VersionMap) Merge(other VersionMap) VersionMap {
	out := v.Clone()
	for actor, n := range other {
		if n > out[actor] {
			out[actor] = n
		}
	}
	return out
}

// DominatedBy reports whether every entry of v is at most the matching entry
// of other.
func (v VersionMap) DominatedBy(other VersionMap) bool {
	for actor, n := range v {
		if n > other[actor] {
			return false
		}
	}
	return true
}

// Equal reports whether v and other describe the same clock.
func (v VersionMap) Equal(other VersionMap) bool {
	return v.DominatedBy(other) && other.DominatedBy(v)
}

// Increment returns a copy of v with the actor's entry advanced by one.
func (v VersionMap) Increment(actor string) VersionMap {
	out := v.Clone()
	out[actor]++
	return out
}

// String renders the clock canonically: actors in order, zero entries
// dropped. Clocks that are Equal render the same.
func (v VersionMap) String() string {
	parts := make([]string, 0, len(v))
	for _, actor := range slices.Sorted(maps.Keys(v)) {
		if v[actor] != 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", actor, v[actor]))
		}
	}
	return strings.Join(parts, ",")
}

// ChangeType distinguishes the two shapes a Change can take.
type ChangeType int

const (
	ChangeOperations ChangeType = iota
	ChangeModel
)

// Change describes how a model moved: either as a list of operations or as
// the full model after the change.
type Change[D, O any] struct {
	Type       ChangeType
	Operations []O
	Model      D
}

// OperationsChange builds an operations-shaped change. With no operations it
// is the empty change.
func OperationsChange[D, O any](ops ...O) Change[D, O] {
	return Change[D, O]{Type: ChangeOperations, Operations: ops}
}

// ModelChange builds a model-shaped change carrying the post-change data.
func ModelChange[D, O any](model D) Change[D, O] {
	return Change[D, O]{Type: ChangeModel, Model: model}
}

// Empty reports whether the change carries nothing.
func (c Change[D, O]) Empty() bool {
	return c.Type == ChangeOperations && len(c.Operations) == 0
}

// MergeResult reports what a merge changed locally (ModelChange) and what the
// other side would need to reach the merged state (OtherChange).
type MergeResult[D, O any] struct {
	ModelChange Change[D, O]
	OtherChange Change[D, O]
}

// Model is the contract every CRDT exposes to stores.
type Model[D, O any] interface {
	// Merge folds a snapshot of another replica into this model. Stale and
	// superset snapshots are both safe to merge.
	Merge(other D) MergeResult[D, O]
	// ApplyOperation applies one operation and reports whether it was
	// accepted. Rejected operations leave the model unchanged.
	ApplyOperation(op O) bool
	// Data returns a snapshot of the model that shares no mutable state with it.
	Data() D
}

// Factory constructs a model from a snapshot. The zero snapshot yields an
// empty model.
type Factory[D, O any] func(data D) Model[D, O]

// Referenceable values carry a stable identity used to key them inside
// collections.
type Referenceable interface {
	ReferenceID() string
}

// Primitive is a string value whose identity is itself.
type Primitive string

func (p Primitive) ReferenceID() string { return string(p) }

// Provisional values stand in for data that has not arrived yet. When two
// versions of an entry are concurrent or equal, a provisional value always
// loses to a real one.
type Provisional interface {
	Provisional() bool
}

func provisional(v any) bool {
	p, ok := v.(Provisional)
	return ok && p.Provisional()
}

// VersionedValue pairs a value with the clock at which it was last written.
type VersionedValue[T any] struct {
	Value   T          `json:"value"`
	Version VersionMap `json:"version"`
}

// resolve merges two versions of the same entry. The dominating version wins;
// equal or concurrent versions prefer a real value over a provisional one,
// then fall back to comparing encodings so every replica picks the same value.
func resolve[T any](a, b VersionedValue[T]) VersionedValue[T] {
	version := a.Version.Merge(b.Version)
	aOld := a.Version.DominatedBy(b.Version)
	bOld := b.Version.DominatedBy(a.Version)

	switch {
	case aOld && !bOld:
		return VersionedValue[T]{Value: b.Value, Version: version}
	case bOld && !aOld:
		return VersionedValue[T]{Value: a.Value, Version: version}
	}

	if pa, pb := provisional(a.Value), provisional(b.Value); pa != pb {
		if pa {
			return VersionedValue[T]{Value: b.Value, Version: version}
		}
		return VersionedValue[T]{Value: a.Value, Version: version}
	}
	if compareEncoding(a.Value, b.Value) >= 0 {
		return VersionedValue[T]{Value: a.Value, Version: version}
	}
	return VersionedValue[T]{Value: b.Value, Version: version}
}

func compareEncoding(a, b any) int {
	aBytes, _ := json.Marshal(a)
	bBytes, _ := json.Marshal(b)
	return bytes.Compare(aBytes, bBytes)
}

func cloneEntries[T any](entries map[string]VersionedValue[T]) map[string]VersionedValue[T] {
	out := make(map[string]VersionedValue[T], len(entries))
	for id, entry := range entries {
		out[id] = VersionedValue[T]{Value: entry.Value, Version: entry.Version.Clone()}
	}
	return out
}

func sameEntries[T any](a, b map[string]VersionedValue[T]) bool {
	if len(a) != len(b) {
		return false
	}
	for id, entry := range a {
		other, ok := b[id]
		if !ok || !entry.Version.Equal(other.Version) {
			return false
		}
		// A placeholder replaced by its real value is a change at the same clock.
		if provisional(entry.Value) != provisional(other.Value) {
			return false
		}
	}
	return true
}
