package crdt

import (
	"slices"
	"strings"
)

// CollectionData is the serializable state of a Collection.
type CollectionData[T Referenceable] struct {
	Values  map[string]VersionedValue[T] `json:"values"`
	Version VersionMap                   `json:"version"`
}

// Clone returns a deep copy with non-nil maps.
func (d CollectionData[T]) Clone() CollectionData[T] {
	return CollectionData[T]{
		Values:  cloneEntries(d.Values),
		Version: d.Version.Clone(),
	}
}

// Equal compares clocks: the model clock and the clock of every value. A
// provisional value and a real one at the same clock are not equal.
func (d CollectionData[T]) Equal(other CollectionData[T]) bool {
	return d.Version.Equal(other.Version) && sameEntries(d.Values, other.Values)
}

// CollectionOpType names a collection operation on the wire.
type CollectionOpType string

const (
	CollectionAdd    CollectionOpType = "add"
	CollectionRemove CollectionOpType = "remove"
)

// CollectionOperation adds or removes one value on behalf of an actor.
type CollectionOperation[T Referenceable] struct {
	Type  CollectionOpType `json:"type"`
	Value T                `json:"value"`
	Actor string           `json:"actor"`
	Clock VersionMap       `json:"clock"`
}

// Collection is an observed-remove set of Referenceable values.
//
// An add is accepted only when its clock advances the actor by exactly one;
// a remove only when it carries the actor's current clock and has observed
// every write of the value it removes.
type Collection[T Referenceable] struct {
	data CollectionData[T]
}

// NewCollection creates a collection seeded with a copy of data.
func NewCollection[T Referenceable](data CollectionData[T]) *Collection[T] {
	return &Collection[T]{data: data.Clone()}
}

// CollectionFactory returns a Factory producing collections.
func CollectionFactory[T Referenceable]() Factory[CollectionData[T], CollectionOperation[T]] {
	return func(data CollectionData[T]) Model[CollectionData[T], CollectionOperation[T]] {
		return NewCollection(data)
	}
}

func (c *Collection[T]) Data() CollectionData[T] {
	return c.data.Clone()
}

// Values returns the current values ordered by identity.
func (c *Collection[T]) Values() []T {
	ids := make([]string, 0, len(c.data.Values))
	for id := range c.data.Values {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	values := make([]T, 0, len(ids))
	for _, id := range ids {
		values = append(values, c.data.Values[id].Value)
	}
	return values
}

// Has reports whether a value with the given identity is present.
func (c *Collection[T]) Has(id string) bool {
	_, ok := c.data.Values[id]
	return ok
}

// AddOp builds the next add operation for actor against the current state.
func (c *Collection[T]) AddOp(actor string, value T) CollectionOperation[T] {
	return CollectionOperation[T]{
		Type:  CollectionAdd,
		Value: value,
		Actor: actor,
		Clock: c.data.Version.Increment(actor),
	}
}

// RemoveOp builds a remove operation for actor against the current state.
func (c *Collection[T]) RemoveOp(actor string, value T) CollectionOperation[T] {
	return CollectionOperation[T]{
		Type:  CollectionRemove,
		Value: value,
		Actor: actor,
		Clock: c.data.Version.Clone(),
	}
}

func (c *Collection[T]) ApplyOperation(op CollectionOperation[T]) bool {
	switch op.Type {
	case CollectionAdd:
		return c.add(op.Value, op.Actor, op.Clock)
	case CollectionRemove:
		return c.remove(op.Value, op.Actor, op.Clock)
	default:
		return false
	}
}

func (c *Collection[T]) add(value T, actor string, clock VersionMap) bool {
	id := value.ReferenceID()
	if id == "" || actor == "" {
		return false
	}

	expected := c.data.Version[actor] + 1
	if clock[actor] != expected {
		return false
	}
	c.data.Version[actor] = expected

	version := clock.Clone()
	if previous, ok := c.data.Values[id]; ok {
		version = version.Merge(previous.Version)
	}
	c.data.Values[id] = VersionedValue[T]{Value: value, Version: version}
	return true
}

func (c *Collection[T]) remove(value T, actor string, clock VersionMap) bool {
	id := value.ReferenceID()
	existing, ok := c.data.Values[id]
	if !ok || actor == "" {
		return false
	}
	if clock[actor] != c.data.Version[actor] {
		return false
	}
	if !existing.Version.DominatedBy(clock) {
		return false
	}

	delete(c.data.Values, id)
	return true
}

func (c *Collection[T]) Merge(other CollectionData[T]) MergeResult[CollectionData[T], CollectionOperation[T]] {
	other = other.Clone()
	merged := mergeCollections(c.data, other)

	result := MergeResult[CollectionData[T], CollectionOperation[T]]{
		ModelChange: OperationsChange[CollectionData[T], CollectionOperation[T]](),
		OtherChange: OperationsChange[CollectionData[T], CollectionOperation[T]](),
	}
	if !merged.Equal(c.data) {
		result.ModelChange = ModelChange[CollectionData[T], CollectionOperation[T]](merged.Clone())
	}
	if !merged.Equal(other) {
		result.OtherChange = ModelChange[CollectionData[T], CollectionOperation[T]](merged.Clone())
	}

	c.data = merged
	return result
}

// mergeCollections joins two observed-remove states. A value present on only
// one side survives unless the other side's clock has already observed it,
// which means the other side removed it.
func mergeCollections[T Referenceable](ours, theirs CollectionData[T]) CollectionData[T] {
	merged := CollectionData[T]{
		Values:  make(map[string]VersionedValue[T]),
		Version: ours.Version.Merge(theirs.Version),
	}

	for id, entry := range theirs.Values {
		if mine, ok := ours.Values[id]; ok {
			merged.Values[id] = resolve(mine, entry)
		} else if !entry.Version.DominatedBy(ours.Version) {
			merged.Values[id] = entry
		}
	}
	for id, entry := range ours.Values {
		if _, ok := theirs.Values[id]; !ok && !entry.Version.DominatedBy(theirs.Version) {
			merged.Values[id] = entry
		}
	}
	return merged
}

// lowestValue returns the value with the smallest identity.
func lowestValue[T Referenceable](values map[string]VersionedValue[T]) (T, bool) {
	var (
		best   T
		bestID string
		found  bool
	)
	for id, entry := range values {
		if !found || strings.Compare(id, bestID) < 0 {
			best, bestID, found = entry.Value, id, true
		}
	}
	return best, found
}
