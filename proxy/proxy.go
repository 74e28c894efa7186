// Package proxy implements StorageProxy, the client side of the store
// message protocol. A proxy keeps a local copy of the model, applies its own
// operations optimistically and falls back to a full sync whenever the store
// and the local copy disagree.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/replica/crdt"
	"github.com/tailored-agentic-units/replica/observability"
	"github.com/tailored-agentic-units/replica/store"
)

var (
	ErrClosed       = errors.New("proxy is closed")
	ErrSyncRejected = errors.New("store rejected the sync request")
)

const (
	EventResync  observability.EventType = "proxy.resync"
	EventChanged observability.EventType = "proxy.changed"
)

// Option configures a StorageProxy.
type Option[D, O any] func(*StorageProxy[D, O])

// WithActor sets the actor id used for operations built by this proxy.
func WithActor[D, O any](actor string) Option[D, O] {
	return func(p *StorageProxy[D, O]) { p.actor = actor }
}

// WithChangeHandler installs a function called with a snapshot of the model
// after every local or remote change.
func WithChangeHandler[D, O any](fn func(D)) Option[D, O] {
	return func(p *StorageProxy[D, O]) { p.onChange = fn }
}

func WithObserver[D, O any](obs observability.Observer) Option[D, O] {
	return func(p *StorageProxy[D, O]) { p.observer = obs }
}

// StorageProxy mirrors a store through a StorageCommunicationEndpoint.
type StorageProxy[D, O any] struct {
	endpoint store.StorageCommunicationEndpoint[D, O]
	factory  crdt.Factory[D, O]
	actor    string
	onChange func(D)
	observer observability.Observer

	mu     sync.Mutex
	model  crdt.Model[D, O]
	synced bool
	closed bool
}

// New binds a proxy to endpoint. Call Sync to fetch the store's model.
func New[D, O any](ctx context.Context, endpoint store.StorageCommunicationEndpoint[D, O], factory crdt.Factory[D, O], opts ...Option[D, O]) (*StorageProxy[D, O], error) {
	var empty D
	p := &StorageProxy[D, O]{
		endpoint: endpoint,
		factory:  factory,
		actor:    uuid.Must(uuid.NewV7()).String(),
		model:    factory(empty),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := endpoint.SetCallback(ctx, p.onMessage); err != nil {
		return nil, fmt.Errorf("bind proxy: %w", err)
	}
	return p, nil
}

// Actor returns the actor id this proxy writes as.
func (p *StorageProxy[D, O]) Actor() string { return p.actor }

// Data returns a snapshot of the local model.
func (p *StorageProxy[D, O]) Data() D {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model.Data()
}

// Synced reports whether a full model has been received from the store.
func (p *StorageProxy[D, O]) Synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// Sync asks the store for its model. The reply arrives through the callback.
func (p *StorageProxy[D, O]) Sync(ctx context.Context) error {
	if p.isClosed() {
		return ErrClosed
	}

	ok, err := p.endpoint.OnProxyMessage(ctx, store.NewSyncRequest[D, O](0))
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if !ok {
		return ErrSyncRejected
	}
	return nil
}

// Apply applies ops locally and sends them to the store. When the store
// refuses them the local model is rebuilt from a fresh sync and Apply
// returns false.
func (p *StorageProxy[D, O]) Apply(ctx context.Context, ops ...O) (bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false, ErrClosed
	}
	next := p.factory(p.model.Data())
	for _, op := range ops {
		if !next.ApplyOperation(op) {
			p.mu.Unlock()
			return false, nil
		}
	}
	p.model = next
	snapshot := next.Data()
	p.mu.Unlock()

	p.changed(ctx, snapshot)

	ok, err := p.endpoint.OnProxyMessage(ctx, store.NewOperations[D](ops...))
	if err != nil {
		return false, fmt.Errorf("apply: %w", err)
	}
	if !ok {
		return false, p.resync(ctx)
	}
	return true, nil
}

// resync drops the local model and replaces it with the store's.
func (p *StorageProxy[D, O]) resync(ctx context.Context) error {
	var empty D
	p.mu.Lock()
	p.model = p.factory(empty)
	p.synced = false
	p.mu.Unlock()

	observability.Emit(ctx, p.observer, EventResync, observability.LevelInfo, "proxy.StorageProxy", map[string]any{
		"actor": p.actor,
	})
	return p.Sync(ctx)
}

func (p *StorageProxy[D, O]) onMessage(ctx context.Context, msg store.ProxyMessage[D, O]) error {
	switch msg.Type {
	case store.ModelUpdate:
		p.mu.Lock()
		result := p.model.Merge(msg.Model)
		first := !p.synced
		p.synced = true
		snapshot := p.model.Data()
		p.mu.Unlock()

		if first || !result.ModelChange.Empty() {
			p.changed(ctx, snapshot)
		}
		return nil

	case store.Operations:
		p.mu.Lock()
		next := p.factory(p.model.Data())
		for _, op := range msg.Operations {
			if !next.ApplyOperation(op) {
				p.mu.Unlock()
				// We missed something; only a full model can repair that.
				return p.resync(ctx)
			}
		}
		p.model = next
		snapshot := next.Data()
		p.mu.Unlock()

		p.changed(ctx, snapshot)
		return nil

	default:
		return nil
	}
}

func (p *StorageProxy[D, O]) changed(ctx context.Context, snapshot D) {
	observability.Emit(ctx, p.observer, EventChanged, observability.LevelVerbose, "proxy.StorageProxy", map[string]any{
		"actor": p.actor,
	})
	if p.onChange != nil {
		p.onChange(snapshot)
	}
}

// Close disconnects the proxy from its store.
func (p *StorageProxy[D, O]) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return p.endpoint.Disconnect(ctx)
}

func (p *StorageProxy[D, O]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
