// Package host owns the shared resources stores run on: the driver factory,
// the observer, and a registry of stores shared across an arc.
//
// A Host is built from configuration via New. Functional options replace any
// config-created resource, which is mostly useful in tests.
//
//	h, err := host.New(&cfg)
//	notes := host.NewStore(h, h.StorageKeyFor("notes"), driver.MayExist, typ, "", factory)
//	h.RegisterStore(notes, host.TagShared)
package host

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/replica/crdt"
	"github.com/tailored-agentic-units/replica/driver"
	"github.com/tailored-agentic-units/replica/observability"
	"github.com/tailored-agentic-units/replica/storagekey"
	"github.com/tailored-agentic-units/replica/store"
)

// TagShared marks stores visible to every participant of an arc. Only shared
// stores enter the registry.
const TagShared = "shared"

// Option configures a Host after config-driven initialization.
type Option func(*Host)

// WithObserver overrides the config-selected observer.
func WithObserver(o observability.Observer) Option {
	return func(h *Host) { h.observer = o }
}

// WithDriverProvider overrides the config-created driver factory for stores
// built through the host.
func WithDriverProvider(p driver.Provider) Option {
	return func(h *Host) { h.drivers = p }
}

type registration struct {
	descriptor store.Descriptor
	tags       []string
}

// Host is the runtime stores of one arc share.
type Host struct {
	arcID    string
	factory  *driver.Factory
	drivers  driver.Provider
	observer observability.Observer

	mu     sync.RWMutex
	shared map[string]registration
}

// New creates a Host from configuration.
func New(cfg *Config, opts ...Option) (*Host, error) {
	observer, err := resolveObserver(cfg.Observer)
	if err != nil {
		return nil, fmt.Errorf("failed to create observer: %w", err)
	}

	arcID := cfg.ArcID
	if arcID == "" {
		arcID = uuid.Must(uuid.NewV7()).String()
	}

	factory := driver.NewFactory(cfg.Driver)
	h := &Host{
		arcID:    arcID,
		factory:  factory,
		drivers:  factory,
		observer: observer,
		shared:   make(map[string]registration),
	}

	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// resolveObserver looks up a comma-separated list of registered observer
// names. Several names fan out through a MultiObserver.
func resolveObserver(names string) (observability.Observer, error) {
	parts := strings.Split(names, ",")
	observers := make([]observability.Observer, 0, len(parts))
	for _, name := range parts {
		obs, err := observability.GetObserver(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		observers = append(observers, obs)
	}

	if len(observers) == 1 {
		return observers[0], nil
	}
	return observability.NewMultiObserver(observers...), nil
}

func (h *Host) ArcID() string                          { return h.arcID }
func (h *Host) Drivers() driver.Provider               { return h.drivers }
func (h *Host) Observer() observability.Observer       { return h.observer }
func (h *Host) VolatileMemory() *driver.VolatileMemory { return h.factory.Volatile() }

// StorageKeyFor derives the default volatile key for a store of this arc.
func (h *Host) StorageKeyFor(unique string) storagekey.StorageKey {
	return storagekey.VolatileKey{ArcID: h.arcID, Unique: unique}
}

// ReferenceKeyFor derives a reference-mode key whose entities and references
// both live in this arc's volatile memory.
func (h *Host) ReferenceKeyFor(unique string) storagekey.ReferenceModeKey {
	return storagekey.NewReferenceModeKey(h.StorageKeyFor(unique), h.StorageKeyFor(unique+"-refs"))
}

// NewStore creates a descriptor bound to the host's drivers and observer.
// Options passed here take precedence.
func NewStore[D, O any](h *Host, key storagekey.StorageKey, exists driver.Exists, typ store.Type, id string, factory crdt.Factory[D, O], opts ...store.Option) *store.Store[D, O] {
	all := append([]store.Option{
		store.WithDriverProvider(h.drivers),
		store.WithObserver(h.observer),
	}, opts...)
	return store.New(key, exists, typ, id, factory, all...)
}

// RegisterStore records a store tagged shared and reports whether it was
// recorded. Stores without the tag are ignored.
func (h *Host) RegisterStore(s store.Descriptor, tags ...string) (bool, error) {
	if !slices.Contains(tags, TagShared) {
		return false, nil
	}

	h.mu.Lock()
	if existing, ok := h.shared[s.ID()]; ok && existing.descriptor != s {
		h.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrDuplicateStore, s.ID())
	}
	h.shared[s.ID()] = registration{descriptor: s, tags: slices.Clone(tags)}
	h.mu.Unlock()

	observability.Emit(context.Background(), h.observer, EventStoreRegistered, observability.LevelInfo, "host.Host", map[string]any{
		"id":  s.ID(),
		"key": s.StorageKey().String(),
	})
	return true, nil
}

// UnregisterStore removes a shared store.
func (h *Host) UnregisterStore(id string) error {
	h.mu.Lock()
	_, ok := h.shared[id]
	delete(h.shared, id)
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, id)
	}
	observability.Emit(context.Background(), h.observer, EventStoreUnregistered, observability.LevelInfo, "host.Host", map[string]any{
		"id": id,
	})
	return nil
}

// FindStoreByID returns a shared store.
func (h *Host) FindStoreByID(id string) (store.Descriptor, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.shared[id]
	return r.descriptor, ok
}

// Stores returns the shared stores ordered by store.Compare.
func (h *Host) Stores() []store.Descriptor {
	h.mu.RLock()
	out := make([]store.Descriptor, 0, len(h.shared))
	for _, r := range h.shared {
		out = append(out, r.descriptor)
	}
	h.mu.RUnlock()

	slices.SortFunc(out, store.Compare)
	return out
}

// Manifest describes every shared store, one per line, in Stores order.
func (h *Host) Manifest() string {
	stores := h.Stores()

	h.mu.RLock()
	defer h.mu.RUnlock()

	lines := make([]string, 0, len(stores))
	for _, s := range stores {
		lines = append(lines, s.Describe(h.shared[s.ID()].tags...))
	}
	return strings.Join(lines, "\n")
}

// Close releases every database handle the host opened.
func (h *Host) Close() error {
	observability.Emit(context.Background(), h.observer, EventClose, observability.LevelInfo, "host.Host", map[string]any{
		"arc": h.arcID,
	})
	return h.factory.Close()
}
