package store

import (
	"context"
	"fmt"

	"github.com/tailored-agentic-units/replica/crdt"
	"github.com/tailored-agentic-units/replica/driver"
	"github.com/tailored-agentic-units/replica/observability"
	"github.com/tailored-agentic-units/replica/storagekey"
)

// ActiveStore is a live replica of a model. It accepts proxy messages,
// persists accepted changes through its driver and fans them out to every
// other registered proxy.
type ActiveStore[D, O any] interface {
	StorageKey() storagekey.StorageKey
	Exists() driver.Exists
	Type() Type
	Mode() Mode
	// BaseStore returns the descriptor this store was activated from, or nil
	// for stores built directly.
	BaseStore() Descriptor

	// On registers a callback and returns its id.
	On(cb ProxyCallback[D, O]) int
	// Off removes a callback. Later broadcasts skip it.
	Off(id int)

	// OnProxyMessage processes one message and reports whether it was
	// accepted. Rejections are never errors.
	OnProxyMessage(ctx context.Context, msg ProxyMessage[D, O]) bool

	// Idle waits until pending driver notifications and fan-out have settled.
	Idle(ctx context.Context) error
	// ToLiteral waits for Idle and returns a snapshot of the model.
	ToLiteral(ctx context.Context) (D, error)
	// CloneFrom merges the contents of another store into this one.
	CloneFrom(ctx context.Context, other ActiveStore[D, O]) error
	// ModelForSynchronization returns the model sent to proxies that sync.
	ModelForSynchronization(ctx context.Context) (D, error)

	StorageEndpoint() StorageCommunicationEndpoint[D, O]
	// ReportExceptionInHost surfaces an error that has no caller to return
	// to. It returns the error unless an installed reporter absorbs it.
	ReportExceptionInHost(ctx context.Context, err error) error

	Metrics() MetricsSnapshot
	Close() error
}

// ExceptionReporter replaces the default exception handling of a store. The
// returned error is what ReportExceptionInHost returns.
type ExceptionReporter func(ctx context.Context, err error) error

// ActiveOptions configures a directly constructed active store.
type ActiveOptions[D, O any] struct {
	StorageKey storagekey.StorageKey
	Exists     driver.Exists
	Type       Type
	Factory    crdt.Factory[D, O]
	Drivers    driver.Provider
	Observer   observability.Observer
	Reporter   ExceptionReporter
	Base       Descriptor
}

func (o ActiveOptions[D, O]) validate() error {
	if o.StorageKey == nil {
		return fmt.Errorf("%w: storage key is required", ErrConfiguration)
	}
	if o.Factory == nil {
		return fmt.Errorf("%w: model factory is required", ErrConfiguration)
	}
	if o.Drivers == nil {
		return fmt.Errorf("%w: driver provider is required", ErrConfiguration)
	}
	return nil
}

// activeBase holds what every active store shares: identity, the callback
// registry, in-flight tracking and the exception path.
type activeBase[D, O any] struct {
	key      storagekey.StorageKey
	exists   driver.Exists
	typ      Type
	mode     Mode
	base     Descriptor
	source   string
	observer observability.Observer
	reporter ExceptionReporter

	callbacks callbackRegistry[D, O]
	inflight  tracker
	metrics   Metrics
}

func (b *activeBase[D, O]) init(opts ActiveOptions[D, O], mode Mode, source string) {
	b.key = opts.StorageKey
	b.exists = opts.Exists
	b.typ = opts.Type
	b.mode = mode
	b.base = opts.Base
	b.source = source
	b.observer = opts.Observer
	b.reporter = opts.Reporter
}

func (b *activeBase[D, O]) StorageKey() storagekey.StorageKey { return b.key }
func (b *activeBase[D, O]) Exists() driver.Exists             { return b.exists }
func (b *activeBase[D, O]) Type() Type                        { return b.typ }
func (b *activeBase[D, O]) Mode() Mode                        { return b.mode }
func (b *activeBase[D, O]) BaseStore() Descriptor             { return b.base }
func (b *activeBase[D, O]) Metrics() MetricsSnapshot          { return b.metrics.Snapshot() }

func (b *activeBase[D, O]) On(cb ProxyCallback[D, O]) int {
	return b.callbacks.add(cb)
}

func (b *activeBase[D, O]) Off(id int) {
	b.callbacks.remove(id)
}

func (b *activeBase[D, O]) Idle(ctx context.Context) error {
	return b.inflight.wait(ctx)
}

func (b *activeBase[D, O]) ReportExceptionInHost(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	b.metrics.RecordException()
	b.emit(ctx, EventException, observability.LevelError, map[string]any{"error": err.Error()})

	if b.reporter != nil {
		return b.reporter(ctx, err)
	}
	return err
}

func (b *activeBase[D, O]) emit(ctx context.Context, typ observability.EventType, level observability.Level, data map[string]any) {
	if data == nil {
		data = make(map[string]any, 1)
	}
	data["key"] = b.key.String()
	observability.Emit(ctx, b.observer, typ, level, b.source, data)
}

// verdict records the outcome of a message and passes it through.
func (b *activeBase[D, O]) verdict(ctx context.Context, msg ProxyMessage[D, O], accepted bool) bool {
	b.metrics.RecordMessage(accepted)
	typ, level := EventAccepted, observability.LevelVerbose
	if !accepted {
		typ, level = EventRejected, observability.LevelWarning
	}
	b.emit(ctx, typ, level, map[string]any{"type": msg.Type.String(), "id": msg.ID})
	return accepted
}

// broadcast delivers msg to every callback except exclude in ascending id
// order. The caller must have called inflight.add and must not hold any
// store lock.
func (b *activeBase[D, O]) broadcast(ctx context.Context, msg ProxyMessage[D, O], exclude int) {
	defer b.inflight.done()

	ids := b.callbacks.ids(exclude)
	b.metrics.RecordBroadcast(1)
	b.emit(ctx, EventBroadcast, observability.LevelVerbose, map[string]any{
		"type":       msg.Type.String(),
		"recipients": len(ids),
	})

	for _, id := range ids {
		// Off may have run since ids was taken.
		cb, ok := b.callbacks.get(id)
		if !ok {
			continue
		}
		b.deliver(ctx, id, cb, msg)
	}
}

// reply sends msg to one callback. Same preconditions as broadcast.
func (b *activeBase[D, O]) reply(ctx context.Context, id int, cb ProxyCallback[D, O], msg ProxyMessage[D, O]) {
	defer b.inflight.done()
	b.deliver(ctx, id, cb, msg.WithID(id))
}

func (b *activeBase[D, O]) deliver(ctx context.Context, id int, cb ProxyCallback[D, O], msg ProxyMessage[D, O]) {
	defer func() {
		if r := recover(); r != nil {
			b.callbackFailed(ctx, id, fmt.Errorf("%w: %v", ErrCallbackPanic, r))
		}
	}()

	if err := cb(ctx, msg); err != nil {
		b.callbackFailed(ctx, id, err)
	}
}

func (b *activeBase[D, O]) callbackFailed(ctx context.Context, id int, err error) {
	b.metrics.RecordCallbackFailure()
	b.emit(ctx, EventCallbackFailure, observability.LevelWarning, map[string]any{
		"callback": id,
		"error":    err.Error(),
	})
	_ = b.ReportExceptionInHost(ctx, fmt.Errorf("callback %d: %w", id, err))
}
