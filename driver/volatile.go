package driver

import (
	"context"
	"slices"
	"sync"
)

// VolatileMemory is a process-local backing for volatile storage keys. Every
// driver opened on the same key observes the writes of the others.
type VolatileMemory struct {
	mu      sync.Mutex
	entries map[string]*volatileEntry
}

type volatileEntry struct {
	data    []byte
	version int
	drivers map[*volatileDriver]struct{}
}

// NewVolatileMemory creates an empty VolatileMemory.
func NewVolatileMemory() *VolatileMemory {
	return &VolatileMemory{entries: make(map[string]*volatileEntry)}
}

// Keys returns the keys currently held in memory, sorted.
func (m *VolatileMemory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (m *VolatileMemory) open(key string, exists Exists) (*volatileDriver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if err := checkExists(key, exists, ok); err != nil {
		return nil, err
	}
	if !ok {
		entry = &volatileEntry{drivers: make(map[*volatileDriver]struct{})}
		m.entries[key] = entry
	}

	d := &volatileDriver{memory: m, key: key, entry: entry}
	entry.drivers[d] = struct{}{}
	return d, nil
}

type volatileDriver struct {
	memory *VolatileMemory
	key    string
	entry  *volatileEntry

	// guarded by memory.mu
	receiver Receiver
	closed   bool
}

func (d *volatileDriver) RegisterReceiver(_ context.Context, receiver Receiver) error {
	d.memory.mu.Lock()
	if d.closed {
		d.memory.mu.Unlock()
		return ErrClosed
	}
	d.receiver = receiver
	data, version := slices.Clone(d.entry.data), d.entry.version
	d.memory.mu.Unlock()

	if version > 0 {
		receiver(data, version)
	}
	return nil
}

func (d *volatileDriver) Send(ctx context.Context, data []byte, version int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	d.memory.mu.Lock()
	if d.closed {
		d.memory.mu.Unlock()
		return false, ErrClosed
	}
	if version != d.entry.version+1 {
		d.memory.mu.Unlock()
		return false, nil
	}
	d.entry.data = slices.Clone(data)
	d.entry.version = version

	var peers []Receiver
	for other := range d.entry.drivers {
		if other != d && other.receiver != nil {
			peers = append(peers, other.receiver)
		}
	}
	d.memory.mu.Unlock()

	for _, r := range peers {
		r(slices.Clone(data), version)
	}
	return true, nil
}

func (d *volatileDriver) Close() error {
	d.memory.mu.Lock()
	defer d.memory.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.receiver = nil
	delete(d.entry.drivers, d)
	return nil
}
