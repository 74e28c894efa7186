package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/tailored-agentic-units/replica/crdt"
	"github.com/tailored-agentic-units/replica/driver"
	"github.com/tailored-agentic-units/replica/observability"
)

// DirectStore keeps one model persisted through one driver. Changes are
// applied to a copy of the model, persisted as the next driver version and
// only then made visible.
type DirectStore[D, O any] struct {
	activeBase[D, O]

	factory crdt.Factory[D, O]
	driver  driver.Driver

	mu      sync.Mutex
	model   crdt.Model[D, O]
	version int
}

// NewDirectStore opens the driver for opts.StorageKey and loads any persisted
// model before returning.
func NewDirectStore[D, O any](ctx context.Context, opts ActiveOptions[D, O]) (*DirectStore[D, O], error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if mode := ModeFor(opts.StorageKey); mode != ModeDirect {
		return nil, fmt.Errorf("%w: %s key %s cannot back a direct store", ErrConfiguration, mode, opts.StorageKey)
	}

	d, err := opts.Drivers.Driver(ctx, opts.StorageKey, opts.Exists)
	if err != nil {
		return nil, fmt.Errorf("open driver for %s: %w", opts.StorageKey, err)
	}

	var empty D
	s := &DirectStore[D, O]{
		factory: opts.Factory,
		driver:  d,
		model:   opts.Factory(empty),
	}
	s.init(opts, ModeDirect, "store.DirectStore")

	if err := d.RegisterReceiver(ctx, s.receive); err != nil {
		d.Close()
		return nil, fmt.Errorf("load %s: %w", opts.StorageKey, err)
	}
	if err := s.Idle(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *DirectStore[D, O]) OnProxyMessage(ctx context.Context, msg ProxyMessage[D, O]) bool {
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

func (s *DirectStore[D, O]) onSyncRequest(ctx context.Context, msg ProxyMessage[D, O]) bool {
	cb, ok := s.callbacks.get(msg.ID)
	if !ok {
		return false
	}

	s.mu.Lock()
	snapshot := s.model.Data()
	s.inflight.add()
	s.mu.Unlock()

	s.reply(ctx, msg.ID, cb, NewModelUpdate[D, O](snapshot))
	return true
}

func (s *DirectStore[D, O]) onModelUpdate(ctx context.Context, msg ProxyMessage[D, O]) bool {
	s.mu.Lock()
	next := s.factory(s.model.Data())
	result := next.Merge(msg.Model)
	if result.ModelChange.Empty() {
		s.mu.Unlock()
		return true
	}

	if err := s.persist(ctx, next); err != nil {
		s.mu.Unlock()
		s.persistFailed(ctx, err)
		return false
	}
	snapshot := next.Data()
	s.inflight.add()
	s.mu.Unlock()

	s.broadcast(ctx, NewModelUpdate[D, O](snapshot), msg.ID)
	return true
}

func (s *DirectStore[D, O]) onOperations(ctx context.Context, msg ProxyMessage[D, O]) bool {
	if len(msg.Operations) == 0 {
		return true
	}

	s.mu.Lock()
	next := s.factory(s.model.Data())
	for _, op := range msg.Operations {
		if !next.ApplyOperation(op) {
			s.mu.Unlock()
			return false
		}
	}

	if err := s.persist(ctx, next); err != nil {
		s.mu.Unlock()
		s.persistFailed(ctx, err)
		return false
	}
	s.inflight.add()
	s.mu.Unlock()

	s.broadcast(ctx, NewOperations[D](msg.Operations...), msg.ID)
	return true
}

// persist writes next as the following driver version and installs it as the
// model. Callers hold s.mu.
func (s *DirectStore[D, O]) persist(ctx context.Context, next crdt.Model[D, O]) error {
	data, err := json.Marshal(next.Data())
	if err != nil {
		return fmt.Errorf("encode model for %s: %w", s.key, err)
	}

	accepted, err := s.driver.Send(ctx, data, s.version+1)
	if err != nil {
		return fmt.Errorf("persist %s: %w", s.key, err)
	}
	if !accepted {
		return errStale
	}

	s.version++
	s.model = next
	return nil
}

// persistFailed reports driver failures. A stale version is an ordinary
// rejection: the newer state is already on its way through receive.
func (s *DirectStore[D, O]) persistFailed(ctx context.Context, err error) {
	if errors.Is(err, errStale) {
		return
	}
	_ = s.ReportExceptionInHost(ctx, err)
}

// receive is the driver receiver. Driver notifications can arrive while
// another store holds its own lock, so the work moves to a tracked goroutine.
func (s *DirectStore[D, O]) receive(data []byte, version int) {
	s.inflight.add()
	go func() {
		defer s.inflight.done()
		s.applyRemote(context.Background(), data, version)
	}()
}

func (s *DirectStore[D, O]) applyRemote(ctx context.Context, data []byte, version int) {
	s.metrics.RecordDriverReceive()
	s.emit(ctx, EventDriverReceive, observability.LevelVerbose, map[string]any{"version": version})

	var incoming D
	if err := json.Unmarshal(data, &incoming); err != nil {
		_ = s.ReportExceptionInHost(ctx, fmt.Errorf("%w: %s version %d: %v", ErrDecode, s.key, version, err))
		return
	}

	s.mu.Lock()
	if version > s.version {
		s.version = version
	}
	result := s.model.Merge(incoming)
	if result.ModelChange.Empty() {
		s.mu.Unlock()
		return
	}
	snapshot := s.model.Data()
	s.inflight.add()
	s.mu.Unlock()

	s.broadcast(ctx, NewModelUpdate[D, O](snapshot), 0)
}

func (s *DirectStore[D, O]) ToLiteral(ctx context.Context) (D, error) {
	if err := s.Idle(ctx); err != nil {
		var zero D
		return zero, err
	}
	return s.ModelForSynchronization(ctx)
}

func (s *DirectStore[D, O]) ModelForSynchronization(_ context.Context) (D, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.Data(), nil
}

func (s *DirectStore[D, O]) CloneFrom(ctx context.Context, other ActiveStore[D, O]) error {
	data, err := other.ToLiteral(ctx)
	if err != nil {
		return fmt.Errorf("clone from %s: %w", other.StorageKey(), err)
	}
	if !s.OnProxyMessage(ctx, NewModelUpdate[D, O](data)) {
		return fmt.Errorf("clone from %s: %w", other.StorageKey(), ErrRejected)
	}
	return nil
}

func (s *DirectStore[D, O]) StorageEndpoint() StorageCommunicationEndpoint[D, O] {
	return newEndpoint[D, O](s)
}

// Version returns the last driver version this store has seen.
func (s *DirectStore[D, O]) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *DirectStore[D, O]) Close() error {
	return s.driver.Close()
}
