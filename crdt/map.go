package crdt

// MapData is the serializable state of a Map.
type MapData[T any] struct {
	Entries map[string]VersionedValue[T] `json:"entries"`
	Version VersionMap                   `json:"version"`
}

// Clone returns a deep copy with non-nil maps.
func (d MapData[T]) Clone() MapData[T] {
	return MapData[T]{
		Entries: cloneEntries(d.Entries),
		Version: d.Version.Clone(),
	}
}

// Equal compares the model clock and the clock of every entry, treating a
// provisional entry as different from a real one.
func (d MapData[T]) Equal(other MapData[T]) bool {
	return d.Version.Equal(other.Version) && sameEntries(d.Entries, other.Entries)
}

// MapOpType names a map operation on the wire.
type MapOpType string

const MapPut MapOpType = "put"

// MapOperation writes one entry at the given version.
type MapOperation[T any] struct {
	Type    MapOpType  `json:"type"`
	Key     string     `json:"key"`
	Value   T          `json:"value"`
	Version VersionMap `json:"version"`
}

// Map is a grow-only map of versioned entries. A put wins over an entry it
// dominates, loses to an entry that dominates it, and concurrent puts resolve
// the same way on every replica.
type Map[T any] struct {
	data MapData[T]
}

// NewMap creates a map seeded with a copy of data.
func NewMap[T any](data MapData[T]) *Map[T] {
	return &Map[T]{data: data.Clone()}
}

// MapFactory returns a Factory producing maps.
func MapFactory[T any]() Factory[MapData[T], MapOperation[T]] {
	return func(data MapData[T]) Model[MapData[T], MapOperation[T]] {
		return NewMap(data)
	}
}

// PutOp builds a put operation.
func PutOp[T any](key string, value T, version VersionMap) MapOperation[T] {
	return MapOperation[T]{Type: MapPut, Key: key, Value: value, Version: version.Clone()}
}

func (m *Map[T]) Data() MapData[T] {
	return m.data.Clone()
}

// Get returns the entry stored under key.
func (m *Map[T]) Get(key string) (VersionedValue[T], bool) {
	entry, ok := m.data.Entries[key]
	if !ok {
		return VersionedValue[T]{}, false
	}
	return VersionedValue[T]{Value: entry.Value, Version: entry.Version.Clone()}, true
}

func (m *Map[T]) ApplyOperation(op MapOperation[T]) bool {
	if op.Type != MapPut || op.Key == "" {
		return false
	}

	incoming := VersionedValue[T]{Value: op.Value, Version: op.Version.Clone()}
	if existing, ok := m.data.Entries[op.Key]; ok {
		older := incoming.Version.DominatedBy(existing.Version)
		newer := existing.Version.DominatedBy(incoming.Version)
		if older && !newer {
			return false
		}
		incoming = resolve(existing, incoming)
	}

	m.data.Entries[op.Key] = incoming
	m.data.Version = m.data.Version.Merge(op.Version)
	return true
}

func (m *Map[T]) Merge(other MapData[T]) MergeResult[MapData[T], MapOperation[T]] {
	other = other.Clone()
	merged := MapData[T]{
		Entries: cloneEntries(m.data.Entries),
		Version: m.data.Version.Merge(other.Version),
	}
	for key, entry := range other.Entries {
		if mine, ok := merged.Entries[key]; ok {
			merged.Entries[key] = resolve(mine, entry)
		} else {
			merged.Entries[key] = entry
		}
	}

	result := MergeResult[MapData[T], MapOperation[T]]{
		ModelChange: OperationsChange[MapData[T], MapOperation[T]](),
		OtherChange: OperationsChange[MapData[T], MapOperation[T]](),
	}
	if !merged.Equal(m.data) {
		result.ModelChange = ModelChange[MapData[T], MapOperation[T]](merged.Clone())
	}
	if !merged.Equal(other) {
		result.OtherChange = ModelChange[MapData[T], MapOperation[T]](merged.Clone())
	}

	m.data = merged
	return result
}
