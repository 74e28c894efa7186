package store_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tailored-agentic-units/replica/crdt"
	"github.com/tailored-agentic-units/replica/driver"
	"github.com/tailored-agentic-units/replica/storagekey"
	"github.com/tailored-agentic-units/replica/store"
)

type (
	names  = crdt.CollectionData[crdt.Primitive]
	nameOp = crdt.CollectionOperation[crdt.Primitive]
)

var namesType = store.Type{Kind: "Collection", Schema: "Text"}

func newFactory(t *testing.T) *driver.Factory {
	t.Helper()
	f := driver.NewFactory(driver.Config{Root: t.TempDir()})
	t.Cleanup(func() { f.Close() })
	return f
}

func volatileKey(unique string) storagekey.StorageKey {
	return storagekey.VolatileKey{ArcID: "arc", Unique: unique}
}

func newDirect(t *testing.T, p driver.Provider, key storagekey.StorageKey, exists driver.Exists) *store.DirectStore[names, nameOp] {
	t.Helper()
	s, err := store.NewDirectStore(context.Background(), store.ActiveOptions[names, nameOp]{
		StorageKey: key,
		Exists:     exists,
		Type:       namesType,
		Factory:    crdt.CollectionFactory[crdt.Primitive](),
		Drivers:    p,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func idle(t *testing.T, stores ...interface{ Idle(context.Context) error }) {
	t.Helper()
	for _, s := range stores {
		require.NoError(t, s.Idle(context.Background()))
	}
}

// inbox records the messages delivered to one callback.
type inbox[D, O any] struct {
	mu   sync.Mutex
	msgs []store.ProxyMessage[D, O]
}

func (i *inbox[D, O]) callback(_ context.Context, msg store.ProxyMessage[D, O]) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, msg)
	return nil
}

func (i *inbox[D, O]) messages() []store.ProxyMessage[D, O] {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]store.ProxyMessage[D, O](nil), i.msgs...)
}

// countingProvider counts driver constructions.
type countingProvider struct {
	driver.Provider

	mu    sync.Mutex
	calls int
}

func (p *countingProvider) Driver(ctx context.Context, key storagekey.StorageKey, exists driver.Exists) (driver.Driver, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.Provider.Driver(ctx, key, exists)
}

func (p *countingProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// rejectingProvider hands out drivers that refuse every write to reject,
// and delegates every other key.
type rejectingProvider struct {
	driver.Provider
	reject storagekey.StorageKey
}

func (p rejectingProvider) Driver(ctx context.Context, key storagekey.StorageKey, exists driver.Exists) (driver.Driver, error) {
	d, err := p.Provider.Driver(ctx, key, exists)
	if err != nil {
		return nil, err
	}
	if storagekey.Equal(key, p.reject) {
		return rejectingDriver{d}, nil
	}
	return d, nil
}

type rejectingDriver struct {
	driver.Driver
}

func (rejectingDriver) Send(context.Context, []byte, int) (bool, error) {
	return false, nil
}

// togglingProvider refuses writes to target while reject is set.
type togglingProvider struct {
	driver.Provider
	target storagekey.StorageKey
	reject atomic.Bool
}

func (p *togglingProvider) Driver(ctx context.Context, key storagekey.StorageKey, exists driver.Exists) (driver.Driver, error) {
	d, err := p.Provider.Driver(ctx, key, exists)
	if err != nil || !storagekey.Equal(key, p.target) {
		return d, err
	}
	return togglingDriver{Driver: d, reject: &p.reject}, nil
}

type togglingDriver struct {
	driver.Driver
	reject *atomic.Bool
}

func (d togglingDriver) Send(ctx context.Context, data []byte, version int) (bool, error) {
	if d.reject.Load() {
		return false, nil
	}
	return d.Driver.Send(ctx, data, version)
}

// adder builds clock-correct operations for one actor.
type adder struct {
	actor string
	local *crdt.Collection[crdt.Primitive]
}

func newAdder(actor string) *adder {
	return &adder{actor: actor, local: crdt.NewCollection(names{})}
}

func (a *adder) add(value string) nameOp {
	op := a.local.AddOp(a.actor, crdt.Primitive(value))
	a.local.ApplyOperation(op)
	return op
}

func (a *adder) remove(value string) nameOp {
	op := a.local.RemoveOp(a.actor, crdt.Primitive(value))
	a.local.ApplyOperation(op)
	return op
}

func valuesOf(data names) []crdt.Primitive {
	return crdt.NewCollection(data).Values()
}
