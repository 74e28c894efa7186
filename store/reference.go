package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tailored-agentic-units/replica/crdt"
	"github.com/tailored-agentic-units/replica/storagekey"
)

// ReferenceModeStore presents an entity collection while persisting it in
// two parts: references in a container store and entity bodies in a backing
// store. Proxies see the join of both.
//
// Writes go to the backing store first so a container never commits a
// reference to an entity that failed to persist. Bodies are stored under
// EntityKey(id, version) and a reference resolves only the body with its own
// version, so a container failure after a successful backing write leaves
// an unreferenced body that no read can see.
type ReferenceModeStore struct {
	activeBase[EntityCollection, EntityOperation]

	container  *DirectStore[ReferenceCollection, ReferenceOperation]
	backing    *DirectStore[EntityMap, EntityPut]
	backingKey string

	containerID int
	backingID   int

	mu sync.Mutex
}

// NewReferenceModeStore activates both child stores named by a reference-mode
// key and subscribes to them.
func NewReferenceModeStore(ctx context.Context, opts ActiveOptions[EntityCollection, EntityOperation]) (*ReferenceModeStore, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	key, ok := referenceKey(opts.StorageKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a reference-mode key", ErrConfiguration, opts.StorageKey)
	}

	backing, err := NewDirectStore(ctx, ActiveOptions[EntityMap, EntityPut]{
		StorageKey: key.Backing,
		Exists:     opts.Exists,
		Type:       Type{Kind: "Map", Schema: opts.Type.Schema},
		Factory:    crdt.MapFactory[Entity](),
		Drivers:    opts.Drivers,
		Observer:   opts.Observer,
		Reporter:   opts.Reporter,
		Base:       opts.Base,
	})
	if err != nil {
		return nil, fmt.Errorf("activate backing store: %w", err)
	}

	container, err := NewDirectStore(ctx, ActiveOptions[ReferenceCollection, ReferenceOperation]{
		StorageKey: key.Container,
		Exists:     opts.Exists,
		Type:       Type{Kind: "Collection", Schema: "Reference"},
		Factory:    crdt.CollectionFactory[Reference](),
		Drivers:    opts.Drivers,
		Observer:   opts.Observer,
		Reporter:   opts.Reporter,
		Base:       opts.Base,
	})
	if err != nil {
		backing.Close()
		return nil, fmt.Errorf("activate container store: %w", err)
	}

	s := &ReferenceModeStore{
		container:  container,
		backing:    backing,
		backingKey: key.Backing.String(),
	}
	s.init(opts, ModeReferenceMode, "store.ReferenceModeStore")

	s.backingID = backing.On(func(ctx context.Context, _ ProxyMessage[EntityMap, EntityPut]) error {
		return s.innerChanged(ctx)
	})
	s.containerID = container.On(func(ctx context.Context, _ ProxyMessage[ReferenceCollection, ReferenceOperation]) error {
		return s.innerChanged(ctx)
	})
	return s, nil
}

func referenceKey(key storagekey.StorageKey) (storagekey.ReferenceModeKey, bool) {
	switch k := key.(type) {
	case storagekey.ReferenceModeKey:
		return k, true
	case *storagekey.ReferenceModeKey:
		if k != nil {
			return *k, true
		}
	}
	return storagekey.ReferenceModeKey{}, false
}

func (s *ReferenceModeStore) OnProxyMessage(ctx context.Context, msg ProxyMessage[EntityCollection, EntityOperation]) bool {
	switch msg.Type {
	case SyncRequest:
		return s.verdict(ctx, msg, s.onSyncRequest(ctx, msg))
	case ModelUpdate:
		return s.verdict(ctx, msg, s.onModelUpdate(ctx, msg))
	case Operations:
		return s.verdict(ctx, msg, s.onOperations(ctx, msg))
	default:
		return s.verdict(ctx, msg, false)
	}
}

func (s *ReferenceModeStore) onSyncRequest(ctx context.Context, msg ProxyMessage[EntityCollection, EntityOperation]) bool {
	cb, ok := s.callbacks.get(msg.ID)
	if !ok {
		return false
	}

	s.mu.Lock()
	snapshot := s.join()
	s.inflight.add()
	s.mu.Unlock()

	s.reply(ctx, msg.ID, cb, NewModelUpdate[EntityCollection, EntityOperation](snapshot))
	return true
}

func (s *ReferenceModeStore) onOperations(ctx context.Context, msg ProxyMessage[EntityCollection, EntityOperation]) bool {
	if len(msg.Operations) == 0 {
		return true
	}
	if !s.writeOperations(ctx, msg.Operations) {
		return false
	}
	s.broadcast(ctx, NewOperations[EntityCollection](msg.Operations...), msg.ID)
	return true
}

// writeOperations splits a batch into entity puts and reference operations.
// On success it leaves one unit of in-flight work for the caller's broadcast.
func (s *ReferenceModeStore) writeOperations(ctx context.Context, ops []EntityOperation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs := make([]ReferenceOperation, 0, len(ops))
	var puts []EntityPut
	for _, op := range ops {
		refs = append(refs, s.referenceOp(op))
		if op.Type == crdt.CollectionAdd {
			puts = append(puts, crdt.PutOp(EntityKey(op.Value.ID, op.Clock), op.Value, op.Clock))
		}
	}

	// Validate the container batch before anything is persisted.
	containerData, _ := s.container.ModelForSynchronization(ctx)
	probe := crdt.NewCollection(containerData)
	for _, op := range refs {
		if !probe.ApplyOperation(op) {
			return false
		}
	}

	if len(puts) > 0 {
		if !s.backing.OnProxyMessage(ctx, NewOperations[EntityMap](puts...).WithID(s.backingID)) {
			return false
		}
	}
	if !s.container.OnProxyMessage(ctx, NewOperations[ReferenceCollection](refs...).WithID(s.containerID)) {
		return false
	}

	s.inflight.add()
	return true
}

func (s *ReferenceModeStore) onModelUpdate(ctx context.Context, msg ProxyMessage[EntityCollection, EntityOperation]) bool {
	after, changed, ok := s.writeModel(ctx, msg.Model)
	if !ok {
		return false
	}
	if changed {
		s.broadcast(ctx, NewModelUpdate[EntityCollection, EntityOperation](after), msg.ID)
	}
	return true
}

// writeModel merges an entity collection into both children. When the join
// changed it leaves one unit of in-flight work for the caller's broadcast.
func (s *ReferenceModeStore) writeModel(ctx context.Context, model EntityCollection) (EntityCollection, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.join()
	current, _ := s.container.ModelForSynchronization(ctx)

	entities := EntityMap{
		Entries: make(map[string]crdt.VersionedValue[Entity], len(model.Values)),
		Version: crdt.VersionMap{},
	}
	refs := ReferenceCollection{
		Values:  make(map[string]crdt.VersionedValue[Reference], len(model.Values)),
		Version: model.Version.Clone(),
	}
	for id, v := range model.Values {
		if v.Value.Placeholder {
			// A placeholder carries no body. Keep whatever reference is
			// already committed so it cannot displace a resolvable one.
			if ref, ok := current.Values[id]; ok {
				refs.Values[id] = ref
			} else {
				refs.Values[id] = crdt.VersionedValue[Reference]{
					Value:   s.reference(v.Value, v.Version),
					Version: v.Version.Clone(),
				}
			}
			continue
		}
		refs.Values[id] = crdt.VersionedValue[Reference]{
			Value:   s.reference(v.Value, v.Version),
			Version: v.Version.Clone(),
		}
		entities.Entries[EntityKey(id, v.Version)] = crdt.VersionedValue[Entity]{Value: v.Value, Version: v.Version.Clone()}
		entities.Version = entities.Version.Merge(v.Version)
	}

	if len(entities.Entries) > 0 {
		if !s.backing.OnProxyMessage(ctx, NewModelUpdate[EntityMap, EntityPut](entities).WithID(s.backingID)) {
			return EntityCollection{}, false, false
		}
	}
	if !s.container.OnProxyMessage(ctx, NewModelUpdate[ReferenceCollection, ReferenceOperation](refs).WithID(s.containerID)) {
		return EntityCollection{}, false, false
	}

	// Equal also tells a placeholder from its entity, so a body arriving for a
	// dangling reference is broadcast even though no clock moved.
	after := s.join()
	if after.Equal(before) {
		return after, false, true
	}
	s.inflight.add()
	return after, true, true
}

// innerChanged turns a change arriving from a child store's driver into a
// model update for every outer callback.
func (s *ReferenceModeStore) innerChanged(ctx context.Context) error {
	s.inflight.add()
	s.broadcast(ctx, NewModelUpdate[EntityCollection, EntityOperation](s.join()), 0)
	return nil
}

func (s *ReferenceModeStore) reference(e Entity, version crdt.VersionMap) Reference {
	return Reference{ID: e.ID, StorageKey: s.backingKey, Version: version.Clone()}
}

func (s *ReferenceModeStore) referenceOp(op EntityOperation) ReferenceOperation {
	return ReferenceOperation{
		Type:  op.Type,
		Value: s.reference(op.Value, op.Clock),
		Actor: op.Actor,
		Clock: op.Clock.Clone(),
	}
}

// join resolves every reference against the body written at the
// reference's version, or at the entry's clock for references that carry
// none. References whose body is missing yield placeholders instead of
// failing the read.
func (s *ReferenceModeStore) join() EntityCollection {
	ctx := context.Background()
	refs, _ := s.container.ModelForSynchronization(ctx)
	entities, _ := s.backing.ModelForSynchronization(ctx)

	out := EntityCollection{
		Values:  make(map[string]crdt.VersionedValue[Entity], len(refs.Values)),
		Version: refs.Version.Clone(),
	}
	for id, ref := range refs.Values {
		version := ref.Value.Version
		if len(version) == 0 {
			version = ref.Version
		}
		entity := Entity{ID: id, Placeholder: true}
		if e, ok := entities.Entries[EntityKey(id, version)]; ok {
			entity = e.Value
		}
		out.Values[id] = crdt.VersionedValue[Entity]{Value: entity, Version: ref.Version.Clone()}
	}
	return out
}

func (s *ReferenceModeStore) Idle(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.container.Idle(gctx) })
	g.Go(func() error { return s.backing.Idle(gctx) })
	if err := g.Wait(); err != nil {
		return err
	}
	return s.inflight.wait(ctx)
}

func (s *ReferenceModeStore) ToLiteral(ctx context.Context) (EntityCollection, error) {
	if err := s.Idle(ctx); err != nil {
		return EntityCollection{}, err
	}
	return s.ModelForSynchronization(ctx)
}

func (s *ReferenceModeStore) ModelForSynchronization(_ context.Context) (EntityCollection, error) {
	return s.join(), nil
}

func (s *ReferenceModeStore) CloneFrom(ctx context.Context, other ActiveStore[EntityCollection, EntityOperation]) error {
	data, err := other.ToLiteral(ctx)
	if err != nil {
		return fmt.Errorf("clone from %s: %w", other.StorageKey(), err)
	}
	if !s.OnProxyMessage(ctx, NewModelUpdate[EntityCollection, EntityOperation](data)) {
		return fmt.Errorf("clone from %s: %w", other.StorageKey(), ErrRejected)
	}
	return nil
}

func (s *ReferenceModeStore) StorageEndpoint() StorageCommunicationEndpoint[EntityCollection, EntityOperation] {
	return newEndpoint[EntityCollection, EntityOperation](s)
}

// Container returns the store holding references.
func (s *ReferenceModeStore) Container() *DirectStore[ReferenceCollection, ReferenceOperation] {
	return s.container
}

// Backing returns the store holding entity bodies.
func (s *ReferenceModeStore) Backing() *DirectStore[EntityMap, EntityPut] {
	return s.backing
}

func (s *ReferenceModeStore) Close() error {
	s.container.Off(s.containerID)
	s.backing.Off(s.backingID)
	return errors.Join(s.container.Close(), s.backing.Close())
}
