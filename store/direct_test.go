package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailored-agentic-units/replica/crdt"
	"github.com/tailored-agentic-units/replica/driver"
	"github.com/tailored-agentic-units/replica/observability"
	"github.com/tailored-agentic-units/replica/storagekey"
	"github.com/tailored-agentic-units/replica/store"
)

func TestDirect_OperationsSkipSender(t *testing.T) {
	ctx := context.Background()
	s := newDirect(t, newFactory(t), volatileKey("ops"), driver.ShouldCreate)

	var a, b inbox[names, nameOp]
	idA := s.On(a.callback)
	s.On(b.callback)

	op := newAdder("alice").add("x")
	require.True(t, s.OnProxyMessage(ctx, store.NewOperations[names](op).WithID(idA)))
	idle(t, s)

	assert.Empty(t, a.messages(), "sender must not receive its own change")
	got := b.messages()
	require.Len(t, got, 1)
	assert.Equal(t, store.Operations, got[0].Type)
	assert.Equal(t, []nameOp{op}, got[0].Operations)
	assert.Zero(t, got[0].ID)

	assert.Equal(t, 1, s.Version())
	assert.Equal(t, int64(1), s.Metrics().MessagesAccepted)
}

func TestDirect_RejectedBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newDirect(t, newFactory(t), volatileKey("atomic"), driver.ShouldCreate)

	var watcher inbox[names, nameOp]
	s.On(watcher.callback)

	alice := newAdder("alice")
	good := alice.add("x")
	bad := nameOp{Type: crdt.CollectionAdd, Value: "y", Actor: "alice", Clock: crdt.VersionMap{"alice": 5}}

	assert.False(t, s.OnProxyMessage(ctx, store.NewOperations[names](good, bad)))
	idle(t, s)

	data, err := s.ToLiteral(ctx)
	require.NoError(t, err)
	assert.Empty(t, data.Values)
	assert.Zero(t, s.Version())
	assert.Empty(t, watcher.messages())
	assert.Equal(t, int64(1), s.Metrics().MessagesRejected)
}

func TestDirect_EmptyOperations(t *testing.T) {
	s := newDirect(t, newFactory(t), volatileKey("empty"), driver.ShouldCreate)

	var watcher inbox[names, nameOp]
	s.On(watcher.callback)

	assert.True(t, s.OnProxyMessage(context.Background(), store.NewOperations[names, nameOp]()))
	idle(t, s)
	assert.Empty(t, watcher.messages())
	assert.Zero(t, s.Version())
}

func TestDirect_SyncRequest(t *testing.T) {
	ctx := context.Background()
	s := newDirect(t, newFactory(t), volatileKey("sync"), driver.ShouldCreate)
	require.True(t, s.OnProxyMessage(ctx, store.NewOperations[names](newAdder("alice").add("x"))))

	var a, b inbox[names, nameOp]
	idA := s.On(a.callback)
	s.On(b.callback)

	tests := []struct {
		name string
		id   int
		want bool
	}{
		{name: "registered id", id: idA, want: true},
		{name: "unknown id", id: 99, want: false},
		{name: "absent id", id: 0, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.OnProxyMessage(ctx, store.NewSyncRequest[names, nameOp](tt.id)))
		})
	}
	idle(t, s)

	replies := a.messages()
	require.Len(t, replies, 1)
	assert.Equal(t, store.ModelUpdate, replies[0].Type)
	assert.Equal(t, idA, replies[0].ID)
	assert.Equal(t, []crdt.Primitive{"x"}, valuesOf(replies[0].Model))
	assert.Empty(t, b.messages(), "sync replies are point to point")
}

func TestDirect_ModelUpdate(t *testing.T) {
	ctx := context.Background()
	s := newDirect(t, newFactory(t), volatileKey("update"), driver.ShouldCreate)

	var a, b inbox[names, nameOp]
	idA := s.On(a.callback)
	s.On(b.callback)

	remote := crdt.NewCollection(names{})
	remote.ApplyOperation(remote.AddOp("bob", "y"))

	require.True(t, s.OnProxyMessage(ctx, store.NewModelUpdate[names, nameOp](remote.Data()).WithID(idA)))
	idle(t, s)

	assert.Empty(t, a.messages())
	require.Len(t, b.messages(), 1)
	assert.Equal(t, []crdt.Primitive{"y"}, valuesOf(b.messages()[0].Model))

	// Merging the same model again changes nothing and is not rebroadcast.
	require.True(t, s.OnProxyMessage(ctx, store.NewModelUpdate[names, nameOp](remote.Data()).WithID(idA)))
	idle(t, s)
	assert.Len(t, b.messages(), 1)
	assert.Equal(t, 1, s.Version())
}

func TestDirect_DriverRejection(t *testing.T) {
	ctx := context.Background()
	key := volatileKey("stale")
	s := newDirect(t, rejectingProvider{Provider: newFactory(t), reject: key}, key, driver.ShouldCreate)

	var watcher inbox[names, nameOp]
	s.On(watcher.callback)

	assert.False(t, s.OnProxyMessage(ctx, store.NewOperations[names](newAdder("alice").add("x"))))
	idle(t, s)

	data, err := s.ToLiteral(ctx)
	require.NoError(t, err)
	assert.Empty(t, data.Values, "local model must not change when the driver refuses")
	assert.Empty(t, watcher.messages())
	assert.Zero(t, s.Metrics().Exceptions, "stale writes are not exceptions")
}

func TestDirect_Convergence(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t)
	first := newDirect(t, f, volatileKey("first"), driver.ShouldCreate)
	second := newDirect(t, f, volatileKey("second"), driver.ShouldCreate)

	alice, bob := newAdder("alice"), newAdder("bob")
	a1, a2, b1 := alice.add("a1"), alice.add("a2"), bob.add("b1")
	a3 := alice.remove("a1")

	for _, op := range []nameOp{a1, a2, b1, a3} {
		require.True(t, first.OnProxyMessage(ctx, store.NewOperations[names](op)))
	}
	for _, op := range []nameOp{b1, a1, a2, a3} {
		require.True(t, second.OnProxyMessage(ctx, store.NewOperations[names](op)))
	}

	left, err := first.ToLiteral(ctx)
	require.NoError(t, err)
	right, err := second.ToLiteral(ctx)
	require.NoError(t, err)
	assert.True(t, left.Equal(right))
	assert.Equal(t, []crdt.Primitive{"a2", "b1"}, valuesOf(left))
}

func TestDirect_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	s := newDirect(t, newFactory(t), volatileKey("busy"), driver.ShouldCreate)

	var watcher inbox[names, nameOp]
	s.On(watcher.callback)

	const writers = 16
	var wg sync.WaitGroup
	results := make([]bool, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := newAdder(fmt.Sprintf("writer-%02d", i))
			results[i] = s.OnProxyMessage(ctx, store.NewOperations[names](w.add(w.actor)))
		}()
	}
	wg.Wait()

	want := make([]crdt.Primitive, 0, writers)
	for i := range writers {
		assert.True(t, results[i], "writer %d", i)
		want = append(want, crdt.Primitive(fmt.Sprintf("writer-%02d", i)))
	}

	data, err := s.ToLiteral(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, want, valuesOf(data))
	assert.Equal(t, writers, s.Version())
	assert.Len(t, watcher.messages(), writers)
}

func TestDirect_SharedKeyPropagates(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t)
	key := volatileKey("shared")
	writer := newDirect(t, f, key, driver.ShouldCreate)
	reader := newDirect(t, f, key, driver.ShouldExist)

	var watcher inbox[names, nameOp]
	reader.On(watcher.callback)

	require.True(t, writer.OnProxyMessage(ctx, store.NewOperations[names](newAdder("alice").add("x"))))
	idle(t, writer, reader)

	data, err := reader.ToLiteral(ctx)
	require.NoError(t, err)
	assert.Equal(t, []crdt.Primitive{"x"}, valuesOf(data))
	assert.Equal(t, 1, reader.Version())

	got := watcher.messages()
	require.Len(t, got, 1)
	assert.Equal(t, store.ModelUpdate, got[0].Type)

	// The reader has caught up and can write the next version.
	require.True(t, reader.OnProxyMessage(ctx, store.NewOperations[names](newAdder("bob").add("y"))))
	idle(t, writer, reader)

	data, err = writer.ToLiteral(ctx)
	require.NoError(t, err)
	assert.Equal(t, []crdt.Primitive{"x", "y"}, valuesOf(data))
}

func TestDirect_PersistsAcrossDrivers(t *testing.T) {
	keys := []storagekey.StorageKey{
		storagekey.FileKey{Path: "notes/names.json"},
		storagekey.SQLiteKey{Database: "replica", ID: "names"},
		storagekey.LevelDBKey{Database: "replica", ID: "names"},
	}

	for _, key := range keys {
		t.Run(key.Protocol(), func(t *testing.T) {
			ctx := context.Background()
			root := t.TempDir()

			f := driver.NewFactory(driver.Config{Root: root})
			s := newDirect(t, f, key, driver.ShouldCreate)
			require.True(t, s.OnProxyMessage(ctx, store.NewOperations[names](newAdder("alice").add("x"))))
			require.NoError(t, s.Close())
			require.NoError(t, f.Close())

			reopened := driver.NewFactory(driver.Config{Root: root})
			t.Cleanup(func() { reopened.Close() })
			again := newDirect(t, reopened, key, driver.ShouldExist)

			data, err := again.ToLiteral(ctx)
			require.NoError(t, err)
			assert.Equal(t, []crdt.Primitive{"x"}, valuesOf(data))
			assert.Equal(t, 1, again.Version())
		})
	}
}

func TestDirect_CallbackFailuresAreIsolated(t *testing.T) {
	ctx := context.Background()

	var (
		mu       sync.Mutex
		reported []error
	)
	s, err := store.NewDirectStore(ctx, store.ActiveOptions[names, nameOp]{
		StorageKey: volatileKey("failures"),
		Exists:     driver.ShouldCreate,
		Type:       namesType,
		Factory:    crdt.CollectionFactory[crdt.Primitive](),
		Drivers:    newFactory(t),
		Reporter: func(_ context.Context, err error) error {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, err)
			return nil
		},
	})
	require.NoError(t, err)
	defer s.Close()

	var order []int
	s.On(func(context.Context, store.ProxyMessage[names, nameOp]) error {
		order = append(order, 1)
		return errors.New("proxy went away")
	})
	s.On(func(context.Context, store.ProxyMessage[names, nameOp]) error {
		order = append(order, 2)
		panic("boom")
	})
	s.On(func(context.Context, store.ProxyMessage[names, nameOp]) error {
		order = append(order, 3)
		return nil
	})

	require.True(t, s.OnProxyMessage(ctx, store.NewOperations[names](newAdder("alice").add("x"))))
	idle(t, s)

	assert.Equal(t, []int{1, 2, 3}, order, "delivery continues in id order")
	assert.Equal(t, int64(2), s.Metrics().CallbackFailures)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 2)
	assert.ErrorIs(t, reported[1], store.ErrCallbackPanic)
}

func TestDirect_OffSkipsCallback(t *testing.T) {
	ctx := context.Background()
	s := newDirect(t, newFactory(t), volatileKey("off"), driver.ShouldCreate)

	var a, b inbox[names, nameOp]
	idA := s.On(a.callback)
	idB := s.On(b.callback)
	assert.Greater(t, idB, idA)

	s.Off(idA)
	require.True(t, s.OnProxyMessage(ctx, store.NewOperations[names](newAdder("alice").add("x"))))
	idle(t, s)

	assert.Empty(t, a.messages())
	assert.Len(t, b.messages(), 1)

	idC := s.On(b.callback)
	assert.Greater(t, idC, idB, "ids are never reused")
}

func TestDirect_CloneFrom(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t)
	source := newDirect(t, f, volatileKey("source"), driver.ShouldCreate)
	target := newDirect(t, f, volatileKey("target"), driver.ShouldCreate)

	require.True(t, source.OnProxyMessage(ctx, store.NewOperations[names](newAdder("alice").add("x"))))
	require.NoError(t, target.CloneFrom(ctx, source))

	data, err := target.ToLiteral(ctx)
	require.NoError(t, err)
	assert.Equal(t, []crdt.Primitive{"x"}, valuesOf(data))
}

func TestDirect_ReportExceptionInHost(t *testing.T) {
	ctx := context.Background()
	rec := &observability.Recorder{}
	s, err := store.NewDirectStore(ctx, store.ActiveOptions[names, nameOp]{
		StorageKey: volatileKey("exceptions"),
		Exists:     driver.ShouldCreate,
		Type:       namesType,
		Factory:    crdt.CollectionFactory[crdt.Primitive](),
		Drivers:    newFactory(t),
		Observer:   rec,
	})
	require.NoError(t, err)
	defer s.Close()

	boom := errors.New("boom")
	assert.ErrorIs(t, s.ReportExceptionInHost(ctx, boom), boom, "the default reporter re-raises")
	assert.NoError(t, s.ReportExceptionInHost(ctx, nil))
	assert.Equal(t, 1, rec.Count(store.EventException))
}

func TestDirect_Configuration(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t)

	tests := []struct {
		name string
		opts store.ActiveOptions[names, nameOp]
		want error
	}{
		{
			name: "missing factory",
			opts: store.ActiveOptions[names, nameOp]{StorageKey: volatileKey("a"), Drivers: f},
			want: store.ErrConfiguration,
		},
		{
			name: "missing drivers",
			opts: store.ActiveOptions[names, nameOp]{StorageKey: volatileKey("a"), Factory: crdt.CollectionFactory[crdt.Primitive]()},
			want: store.ErrConfiguration,
		},
		{
			name: "reference key",
			opts: store.ActiveOptions[names, nameOp]{
				StorageKey: storagekey.NewReferenceModeKey(volatileKey("b"), volatileKey("c")),
				Factory:    crdt.CollectionFactory[crdt.Primitive](),
				Drivers:    f,
			},
			want: store.ErrConfiguration,
		},
		{
			name: "missing state",
			opts: store.ActiveOptions[names, nameOp]{
				StorageKey: volatileKey("missing"),
				Exists:     driver.ShouldExist,
				Factory:    crdt.CollectionFactory[crdt.Primitive](),
				Drivers:    f,
			},
			want: driver.ErrNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.NewDirectStore(ctx, tt.opts)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
