package store

import (
	"context"
	"sync"
)

// StorageCommunicationEndpoint binds one proxy to a store. Messages sent
// through it are stamped with the proxy's callback id so the store can answer
// sync requests and skip the sender when broadcasting.
type StorageCommunicationEndpoint[D, O any] interface {
	// SetCallback installs the proxy's receiver, registering it with the store
	// on first use. Later calls replace the receiver and keep the id.
	SetCallback(ctx context.Context, cb ProxyCallback[D, O]) error
	OnProxyMessage(ctx context.Context, msg ProxyMessage[D, O]) (bool, error)
	ReportExceptionInHost(ctx context.Context, err error) error
	// Disconnect removes the callback from the store.
	Disconnect(ctx context.Context) error
	// ID is the bound callback id, or 0 before SetCallback.
	ID() int
}

type endpoint[D, O any] struct {
	store ActiveStore[D, O]

	mu       sync.Mutex
	id       int
	callback ProxyCallback[D, O]
}

func newEndpoint[D, O any](s ActiveStore[D, O]) *endpoint[D, O] {
	return &endpoint[D, O]{store: s}
}

func (e *endpoint[D, O]) SetCallback(_ context.Context, cb ProxyCallback[D, O]) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.callback = cb
	if e.id == 0 {
		e.id = e.store.On(e.dispatch)
	}
	return nil
}

func (e *endpoint[D, O]) dispatch(ctx context.Context, msg ProxyMessage[D, O]) error {
	e.mu.Lock()
	cb := e.callback
	e.mu.Unlock()

	if cb == nil {
		return nil
	}
	return cb(ctx, msg)
}

func (e *endpoint[D, O]) OnProxyMessage(ctx context.Context, msg ProxyMessage[D, O]) (bool, error) {
	return e.store.OnProxyMessage(ctx, msg.WithID(e.ID())), nil
}

func (e *endpoint[D, O]) ReportExceptionInHost(ctx context.Context, err error) error {
	return e.store.ReportExceptionInHost(ctx, err)
}

func (e *endpoint[D, O]) Disconnect(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.id != 0 {
		e.store.Off(e.id)
	}
	e.id = 0
	e.callback = nil
	return nil
}

func (e *endpoint[D, O]) ID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.id
}
