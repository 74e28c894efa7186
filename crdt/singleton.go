package crdt

// SingletonOpType names a singleton operation on the wire.
type SingletonOpType string

const (
	SingletonSet   SingletonOpType = "set"
	SingletonClear SingletonOpType = "clear"
)

// SingletonOperation sets or clears the singleton on behalf of an actor.
type SingletonOperation[T Referenceable] struct {
	Type  SingletonOpType `json:"type"`
	Value T               `json:"value,omitempty"`
	Actor string          `json:"actor"`
	Clock VersionMap      `json:"clock"`
}

// Singleton holds at most one logical value. It shares the collection state
// shape: concurrent sets leave several candidates and Value picks the one with
// the lowest identity, so replicas agree.
type Singleton[T Referenceable] struct {
	data CollectionData[T]
}

// NewSingleton creates a singleton seeded with a copy of data.
func NewSingleton[T Referenceable](data CollectionData[T]) *Singleton[T] {
	return &Singleton[T]{data: data.Clone()}
}

// SingletonFactory returns a Factory producing singletons.
func SingletonFactory[T Referenceable]() Factory[CollectionData[T], SingletonOperation[T]] {
	return func(data CollectionData[T]) Model[CollectionData[T], SingletonOperation[T]] {
		return NewSingleton(data)
	}
}

func (s *Singleton[T]) Data() CollectionData[T] {
	return s.data.Clone()
}

// Value returns the current value, if any.
func (s *Singleton[T]) Value() (T, bool) {
	return lowestValue(s.data.Values)
}

// SetOp builds the next set operation for actor.
func (s *Singleton[T]) SetOp(actor string, value T) SingletonOperation[T] {
	return SingletonOperation[T]{
		Type:  SingletonSet,
		Value: value,
		Actor: actor,
		Clock: s.data.Version.Increment(actor),
	}
}

// ClearOp builds a clear operation for actor.
func (s *Singleton[T]) ClearOp(actor string) SingletonOperation[T] {
	return SingletonOperation[T]{
		Type:  SingletonClear,
		Actor: actor,
		Clock: s.data.Version.Clone(),
	}
}

func (s *Singleton[T]) ApplyOperation(op SingletonOperation[T]) bool {
	if op.Actor == "" {
		return false
	}

	switch op.Type {
	case SingletonSet:
		expected := s.data.Version[op.Actor] + 1
		if op.Value.ReferenceID() == "" || op.Clock[op.Actor] != expected {
			return false
		}
		s.clearDominated(op.Clock)
		s.data.Version[op.Actor] = expected
		s.data.Values[op.Value.ReferenceID()] = VersionedValue[T]{Value: op.Value, Version: op.Clock.Clone()}
		return true
	case SingletonClear:
		if op.Clock[op.Actor] != s.data.Version[op.Actor] {
			return false
		}
		s.clearDominated(op.Clock)
		return true
	default:
		return false
	}
}

func (s *Singleton[T]) clearDominated(clock VersionMap) {
	for id, entry := range s.data.Values {
		if entry.Version.DominatedBy(clock) {
			delete(s.data.Values, id)
		}
	}
}

func (s *Singleton[T]) Merge(other CollectionData[T]) MergeResult[CollectionData[T], SingletonOperation[T]] {
	other = other.Clone()
	merged := mergeCollections(s.data, other)

	result := MergeResult[CollectionData[T], SingletonOperation[T]]{
		ModelChange: OperationsChange[CollectionData[T], SingletonOperation[T]](),
		OtherChange: OperationsChange[CollectionData[T], SingletonOperation[T]](),
	}
	if !merged.Equal(s.data) {
		result.ModelChange = ModelChange[CollectionData[T], SingletonOperation[T]](merged.Clone())
	}
	if !merged.Equal(other) {
		result.OtherChange = ModelChange[CollectionData[T], SingletonOperation[T]](merged.Clone())
	}

	s.data = merged
	return result
}
