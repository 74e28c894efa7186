// Package store implements replicated stores: descriptors that activate into
// live stores, the live stores themselves, and the message protocol proxies
// use to stay in sync with them.
//
// A Store is a passive descriptor. Activate turns it into an ActiveStore,
// chosen by the storage key: plain keys get a DirectStore, reference-mode
// keys get a ReferenceModeStore that splits entities from the references to
// them. Activation happens at most once per descriptor.
package store

import (
	"cmp"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/replica/crdt"
	"github.com/tailored-agentic-units/replica/driver"
	"github.com/tailored-agentic-units/replica/observability"
	"github.com/tailored-agentic-units/replica/storagekey"
)

// Type describes the model a store holds, e.g. Collection<Person>.
type Type struct {
	Kind   string `json:"kind"`
	Schema string `json:"schema,omitempty"`
}

func (t Type) String() string {
	if t.Schema == "" {
		return t.Kind
	}
	return fmt.Sprintf("%s<%s>", t.Kind, t.Schema)
}

// Descriptor is the model-independent view of a Store.
type Descriptor interface {
	ID() string
	Name() string
	Source() string
	Description() string
	Version() int
	StorageKey() storagekey.StorageKey
	Exists() driver.Exists
	Type() Type
	Mode() Mode
	ReferenceMode() bool
	Describe(tags ...string) string
}

// Option configures a Store.
type Option func(*options)

type options struct {
	name        string
	source      string
	description string
	version     int
	drivers     driver.Provider
	observer    observability.Observer
	reporter    ExceptionReporter
}

func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func WithSource(source string) Option {
	return func(o *options) { o.source = source }
}

func WithDescription(description string) Option {
	return func(o *options) { o.description = description }
}

func WithVersion(version int) Option {
	return func(o *options) { o.version = version }
}

// WithDriverProvider sets where activation obtains drivers.
func WithDriverProvider(p driver.Provider) Option {
	return func(o *options) { o.drivers = p }
}

func WithObserver(obs observability.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithExceptionReporter replaces the default exception handling of the
// activated store.
func WithExceptionReporter(r ExceptionReporter) Option {
	return func(o *options) { o.reporter = r }
}

// Store describes a replicated model and activates it on demand.
type Store[D, O any] struct {
	id         string
	typ        Type
	storageKey storagekey.StorageKey
	factory    crdt.Factory[D, O]
	opts       options

	mu     sync.Mutex
	exists driver.Exists
	active ActiveStore[D, O]
}

// New creates a descriptor. An empty id is replaced with a generated one.
func New[D, O any](key storagekey.StorageKey, exists driver.Exists, typ Type, id string, factory crdt.Factory[D, O], opts ...Option) *Store[D, O] {
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}

	s := &Store[D, O]{
		id:         id,
		typ:        typ,
		storageKey: key,
		factory:    factory,
		exists:     exists,
	}
	for _, opt := range opts {
		opt(&s.opts)
	}
	return s
}

func (s *Store[D, O]) ID() string                        { return s.id }
func (s *Store[D, O]) Name() string                      { return s.opts.name }
func (s *Store[D, O]) Source() string                    { return s.opts.source }
func (s *Store[D, O]) Description() string               { return s.opts.description }
func (s *Store[D, O]) Version() int                      { return s.opts.version }
func (s *Store[D, O]) Type() Type                        { return s.typ }
func (s *Store[D, O]) StorageKey() storagekey.StorageKey { return s.storageKey }

// Mode depends only on the storage key.
func (s *Store[D, O]) Mode() Mode { return ModeFor(s.storageKey) }

func (s *Store[D, O]) ReferenceMode() bool { return s.Mode() == ModeReferenceMode }

// Exists reports the activation expectation. It becomes ShouldExist once the
// store has been activated.
func (s *Store[D, O]) Exists() driver.Exists {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exists
}

// Active returns the activated store, if any.
func (s *Store[D, O]) Active() (ActiveStore[D, O], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.active != nil
}

// Activate returns the live store for this descriptor, creating it on first
// call. Later calls return the same store without touching any driver.
func (s *Store[D, O]) Activate(ctx context.Context) (ActiveStore[D, O], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return s.active, nil
	}

	active, err := NewActiveStore(ctx, s.Mode(), s.activeOptions())
	if err != nil {
		return nil, fmt.Errorf("activate %s: %w", s.id, err)
	}

	s.active = active
	s.exists = driver.ShouldExist

	observability.Emit(ctx, s.opts.observer, EventActivate, observability.LevelInfo, "store.Store", map[string]any{
		"id":   s.id,
		"key":  s.storageKey.String(),
		"mode": active.Mode().String(),
	})
	return active, nil
}

// NewActiveStore builds the live store for mode. Reference-mode stores only
// hold entity collections; asking for one over any other model is a
// configuration error.
func NewActiveStore[D, O any](ctx context.Context, mode Mode, opts ActiveOptions[D, O]) (ActiveStore[D, O], error) {
	switch mode {
	case ModeDirect:
		d, err := NewDirectStore(ctx, opts)
		if err != nil {
			return nil, err
		}
		return d, nil
	case ModeReferenceMode:
		ro, ok := any(opts).(ActiveOptions[EntityCollection, EntityOperation])
		if !ok {
			return nil, fmt.Errorf("%w: reference-mode stores hold an entity collection, not %s", ErrConfiguration, opts.Type)
		}
		r, err := NewReferenceModeStore(ctx, ro)
		if err != nil {
			return nil, err
		}
		return any(r).(ActiveStore[D, O]), nil
	default:
		return nil, fmt.Errorf("%w: %s stores: %w", ErrConfiguration, mode, ErrNotImplemented)
	}
}

func (s *Store[D, O]) activeOptions() ActiveOptions[D, O] {
	return ActiveOptions[D, O]{
		StorageKey: s.storageKey,
		Exists:     s.exists,
		Type:       s.typ,
		Factory:    s.factory,
		Drivers:    s.opts.drivers,
		Observer:   s.opts.observer,
		Reporter:   s.opts.reporter,
		Base:       s,
	}
}

// Describe renders the descriptor as a manifest line:
//
//	store Name of Collection<Person> 'id' @1 #shared at 'volatile://arc/x'
func (s *Store[D, O]) Describe(tags ...string) string {
	var b strings.Builder
	b.WriteString("store ")
	if s.opts.name != "" {
		b.WriteString(s.opts.name)
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "of %s '%s' @%d", s.typ, s.id, s.opts.version)
	for _, tag := range tags {
		fmt.Fprintf(&b, " #%s", tag)
	}
	fmt.Fprintf(&b, " at '%s'", s.storageKey)
	if s.opts.description != "" {
		fmt.Fprintf(&b, "\n  description `%s`", s.opts.description)
	}
	return b.String()
}

// Compare orders descriptors by name, version, source and id.
func Compare(a, b Descriptor) int {
	return cmp.Or(
		cmp.Compare(a.Name(), b.Name()),
		cmp.Compare(a.Version(), b.Version()),
		cmp.Compare(a.Source(), b.Source()),
		cmp.Compare(a.ID(), b.ID()),
	)
}
