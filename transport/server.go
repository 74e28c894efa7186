package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/tailored-agentic-units/replica/observability"
	"github.com/tailored-agentic-units/replica/store"
)

const (
	EventSubscribe   observability.EventType = "transport.subscribe"
	EventUnsubscribe observability.EventType = "transport.unsubscribe"
	EventLagging     observability.EventType = "transport.lagging"
)

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	buffer   int
	observer observability.Observer
}

// WithBufferSize sets how many messages may queue for one subscriber before
// it is disconnected.
func WithBufferSize(n int) ServerOption {
	return func(o *serverOptions) { o.buffer = n }
}

func WithServerObserver(obs observability.Observer) ServerOption {
	return func(o *serverOptions) { o.observer = obs }
}

// Server exposes one active store.
type Server[D, O any] struct {
	store    store.ActiveStore[D, O]
	buffer   int
	observer observability.Observer

	mu          sync.Mutex
	subscribers map[int]struct{}
}

// NewServer creates a Server for s.
func NewServer[D, O any](s store.ActiveStore[D, O], opts ...ServerOption) *Server[D, O] {
	o := serverOptions{buffer: 64}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server[D, O]{
		store:       s,
		buffer:      o.buffer,
		observer:    o.observer,
		subscribers: make(map[int]struct{}),
	}
}

// Handler returns the service path prefix and its handler, ready to mount on
// an http.ServeMux.
func (s *Server[D, O]) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(ProxyMessageProcedure, connect.NewUnaryHandler(ProxyMessageProcedure, s.proxyMessage, opts...))
	mux.Handle(SubscribeProcedure, connect.NewServerStreamHandler(SubscribeProcedure, s.subscribe, opts...))
	mux.Handle(ReportExceptionProcedure, connect.NewUnaryHandler(ReportExceptionProcedure, s.reportException, opts...))
	return "/" + ServiceName + "/", mux
}

// Subscribers returns the number of open subscriptions.
func (s *Server[D, O]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

func (s *Server[D, O]) proxyMessage(ctx context.Context, req *connect.Request[wrapperspb.BytesValue]) (*connect.Response[wrapperspb.BoolValue], error) {
	var msg store.ProxyMessage[D, O]
	if err := json.Unmarshal(req.Msg.GetValue(), &msg); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("decode message: %w", err))
	}
	if msg.ID != 0 && !s.subscribed(msg.ID) {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("%w: %d", store.ErrUnknownCallback, msg.ID))
	}

	accepted := s.store.OnProxyMessage(ctx, msg)
	return connect.NewResponse(wrapperspb.Bool(accepted)), nil
}

func (s *Server[D, O]) subscribe(ctx context.Context, _ *connect.Request[emptypb.Empty], stream *connect.ServerStream[wrapperspb.BytesValue]) error {
	queue := make(chan []byte, s.buffer)
	lagged := make(chan struct{})
	var lagOnce sync.Once

	id := s.store.On(func(_ context.Context, msg store.ProxyMessage[D, O]) error {
		raw, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		select {
		case queue <- raw:
			return nil
		default:
			lagOnce.Do(func() { close(lagged) })
			return ErrSubscriberLagging
		}
	})
	s.track(id, true)
	defer func() {
		s.store.Off(id)
		s.track(id, false)
		observability.Emit(ctx, s.observer, EventUnsubscribe, observability.LevelInfo, "transport.Server", map[string]any{"id": id})
	}()
	observability.Emit(ctx, s.observer, EventSubscribe, observability.LevelInfo, "transport.Server", map[string]any{"id": id})

	model, err := s.store.ModelForSynchronization(ctx)
	if err != nil {
		return connect.NewError(connect.CodeInternal, err)
	}
	hello, err := json.Marshal(store.NewModelUpdate[D, O](model).WithID(id))
	if err != nil {
		return connect.NewError(connect.CodeInternal, err)
	}
	if err := stream.Send(wrapperspb.Bytes(hello)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lagged:
			observability.Emit(ctx, s.observer, EventLagging, observability.LevelWarning, "transport.Server", map[string]any{"id": id})
			return connect.NewError(connect.CodeResourceExhausted, ErrSubscriberLagging)
		case raw := <-queue:
			if err := stream.Send(wrapperspb.Bytes(raw)); err != nil {
				return err
			}
		}
	}
}

func (s *Server[D, O]) reportException(ctx context.Context, req *connect.Request[wrapperspb.StringValue]) (*connect.Response[emptypb.Empty], error) {
	_ = s.store.ReportExceptionInHost(ctx, errors.New(req.Msg.GetValue()))
	return connect.NewResponse(&emptypb.Empty{}), nil
}

func (s *Server[D, O]) track(id int, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.subscribers[id] = struct{}{}
	} else {
		delete(s.subscribers, id)
	}
}

func (s *Server[D, O]) subscribed(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscribers[id]
	return ok
}
