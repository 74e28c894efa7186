package host_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailored-agentic-units/replica/crdt"
	"github.com/tailored-agentic-units/replica/driver"
	"github.com/tailored-agentic-units/replica/host"
	"github.com/tailored-agentic-units/replica/observability"
	"github.com/tailored-agentic-units/replica/storagekey"
	"github.com/tailored-agentic-units/replica/store"
)

var textType = store.Type{Kind: "Collection", Schema: "Text"}

func newHost(t *testing.T, opts ...host.Option) *host.Host {
	t.Helper()

	cfg := host.DefaultConfig()
	cfg.Observer = "noop"
	cfg.ArcID = "arc"
	cfg.Driver.Root = t.TempDir()

	h, err := host.New(&cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func newTextStore(h *host.Host, unique, id string, opts ...store.Option) *store.Store[crdt.CollectionData[crdt.Primitive], crdt.CollectionOperation[crdt.Primitive]] {
	return host.NewStore(h, h.StorageKeyFor(unique), driver.MayExist, textType, id, crdt.CollectionFactory[crdt.Primitive](), opts...)
}

func TestNew_UnknownObserver(t *testing.T) {
	cfg := host.DefaultConfig()
	cfg.Observer = "absent"

	_, err := host.New(&cfg)
	assert.Error(t, err)
}

func TestNew_GeneratesArcID(t *testing.T) {
	cfg := host.DefaultConfig()
	cfg.Observer = "noop"
	cfg.Driver.Root = t.TempDir()

	a, err := host.New(&cfg)
	require.NoError(t, err)
	b, err := host.New(&cfg)
	require.NoError(t, err)

	assert.NotEmpty(t, a.ArcID())
	assert.NotEqual(t, a.ArcID(), b.ArcID())
}

func TestStorageKeyFor(t *testing.T) {
	h := newHost(t)

	assert.Equal(t, "volatile://arc/notes", h.StorageKeyFor("notes").String())

	ref := h.ReferenceKeyFor("people")
	assert.True(t, storagekey.Equal(h.StorageKeyFor("people"), ref.Backing))
	assert.True(t, storagekey.Equal(h.StorageKeyFor("people-refs"), ref.Container))
}

func TestNewStore_SharesVolatileMemory(t *testing.T) {
	h := newHost(t)
	ctx := context.Background()

	first, err := newTextStore(h, "notes", "a").Activate(ctx)
	require.NoError(t, err)
	defer first.Close()

	second, err := newTextStore(h, "notes", "b").Activate(ctx)
	require.NoError(t, err)
	defer second.Close()

	op := crdt.NewCollection(crdt.CollectionData[crdt.Primitive]{}).AddOp("me", "hello")
	require.True(t, first.OnProxyMessage(ctx, store.NewOperations[crdt.CollectionData[crdt.Primitive]](op)))
	require.NoError(t, first.Idle(ctx))
	require.NoError(t, second.Idle(ctx))

	data, err := second.ModelForSynchronization(ctx)
	require.NoError(t, err)
	assert.Contains(t, data.Values, "hello")
	assert.Contains(t, h.VolatileMemory().Keys(), h.StorageKeyFor("notes").String())
}

func TestNewStore_BindsObserver(t *testing.T) {
	rec := &observability.Recorder{}
	h := newHost(t, host.WithObserver(rec))

	_, err := newTextStore(h, "notes", "a").Activate(context.Background())
	require.NoError(t, err)

	assert.Positive(t, rec.Count(store.EventActivate))
}

func TestRegisterStore(t *testing.T) {
	t.Run("requires shared tag", func(t *testing.T) {
		h := newHost(t)

		ok, err := h.RegisterStore(newTextStore(h, "notes", "a"), "local")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, h.Stores())
	})

	t.Run("finds shared stores", func(t *testing.T) {
		h := newHost(t)
		s := newTextStore(h, "notes", "a")

		ok, err := h.RegisterStore(s, host.TagShared)
		require.NoError(t, err)
		assert.True(t, ok)

		found, ok := h.FindStoreByID("a")
		require.True(t, ok)
		assert.Equal(t, s.ID(), found.ID())

		_, ok = h.FindStoreByID("b")
		assert.False(t, ok)
	})

	t.Run("same descriptor twice", func(t *testing.T) {
		h := newHost(t)
		s := newTextStore(h, "notes", "a")

		_, err := h.RegisterStore(s, host.TagShared)
		require.NoError(t, err)
		_, err = h.RegisterStore(s, host.TagShared)
		assert.NoError(t, err)
	})

	t.Run("duplicate id", func(t *testing.T) {
		h := newHost(t)

		_, err := h.RegisterStore(newTextStore(h, "notes", "a"), host.TagShared)
		require.NoError(t, err)
		_, err = h.RegisterStore(newTextStore(h, "other", "a"), host.TagShared)
		assert.ErrorIs(t, err, host.ErrDuplicateStore)
	})

	t.Run("emits event", func(t *testing.T) {
		rec := &observability.Recorder{}
		h := newHost(t, host.WithObserver(rec))

		_, err := h.RegisterStore(newTextStore(h, "notes", "a"), host.TagShared)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Count(host.EventStoreRegistered))
	})
}

func TestUnregisterStore(t *testing.T) {
	h := newHost(t)
	_, err := h.RegisterStore(newTextStore(h, "notes", "a"), host.TagShared)
	require.NoError(t, err)

	require.NoError(t, h.UnregisterStore("a"))
	_, ok := h.FindStoreByID("a")
	assert.False(t, ok)

	assert.ErrorIs(t, h.UnregisterStore("a"), host.ErrStoreNotFound)
}

func TestStores_Ordered(t *testing.T) {
	h := newHost(t)
	for _, s := range []*store.Store[crdt.CollectionData[crdt.Primitive], crdt.CollectionOperation[crdt.Primitive]]{
		newTextStore(h, "z", "3", store.WithName("Zeta")),
		newTextStore(h, "a2", "2", store.WithName("Alpha"), store.WithVersion(2)),
		newTextStore(h, "a1", "1", store.WithName("Alpha"), store.WithVersion(1)),
	} {
		_, err := h.RegisterStore(s, host.TagShared)
		require.NoError(t, err)
	}

	var ids []string
	for _, s := range h.Stores() {
		ids = append(ids, s.ID())
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestManifest(t *testing.T) {
	h := newHost(t)
	_, err := h.RegisterStore(newTextStore(h, "notes", "n1", store.WithName("Notes")), host.TagShared)
	require.NoError(t, err)
	_, err = h.RegisterStore(newTextStore(h, "todo", "t1", store.WithName("Todo"), store.WithDescription("open items")), host.TagShared, "pinned")
	require.NoError(t, err)

	lines := strings.Split(h.Manifest(), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "store Notes of Collection<Text> 'n1' @0 #shared at 'volatile://arc/notes'", lines[0])
	assert.Equal(t, "store Todo of Collection<Text> 't1' @0 #shared #pinned at 'volatile://arc/todo'", lines[1])
	assert.Equal(t, "  description `open items`", lines[2])
}

func TestNew_MultipleObservers(t *testing.T) {
	first := &observability.Recorder{}
	second := &observability.Recorder{}
	observability.RegisterObserver("host-test-first", first)
	observability.RegisterObserver("host-test-second", second)

	cfg := host.DefaultConfig()
	cfg.Observer = "host-test-first, host-test-second"
	cfg.Driver.Root = t.TempDir()

	h, err := host.New(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	_, err = h.RegisterStore(newTextStore(h, "notes", "a"), host.TagShared)
	require.NoError(t, err)

	assert.Equal(t, 1, first.Count(host.EventStoreRegistered))
	assert.Equal(t, 1, second.Count(host.EventStoreRegistered))
}
