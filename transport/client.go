package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/tailored-agentic-units/replica/observability"
	"github.com/tailored-agentic-units/replica/store"
)

const EventStreamError observability.EventType = "transport.stream.error"

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	observer observability.Observer
	connect  []connect.ClientOption
}

func WithClientObserver(obs observability.Observer) ClientOption {
	return func(o *clientOptions) { o.observer = obs }
}

// WithConnectOptions passes options through to the underlying connect clients.
func WithConnectOptions(opts ...connect.ClientOption) ClientOption {
	return func(o *clientOptions) { o.connect = append(o.connect, opts...) }
}

// Client is a StorageCommunicationEndpoint backed by a remote Server.
type Client[D, O any] struct {
	proxyMessage *connect.Client[wrapperspb.BytesValue, wrapperspb.BoolValue]
	subscribe    *connect.Client[emptypb.Empty, wrapperspb.BytesValue]
	report       *connect.Client[wrapperspb.StringValue, emptypb.Empty]
	observer     observability.Observer

	mu       sync.Mutex
	id       int
	callback store.ProxyCallback[D, O]
	cancel   context.CancelFunc
	done     chan struct{}
}

var _ store.StorageCommunicationEndpoint[struct{}, struct{}] = (*Client[struct{}, struct{}])(nil)

// NewClient creates a client for the server at baseURL.
func NewClient[D, O any](httpClient connect.HTTPClient, baseURL string, opts ...ClientOption) *Client[D, O] {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	baseURL = strings.TrimRight(baseURL, "/")

	return &Client[D, O]{
		proxyMessage: connect.NewClient[wrapperspb.BytesValue, wrapperspb.BoolValue](httpClient, baseURL+ProxyMessageProcedure, o.connect...),
		subscribe:    connect.NewClient[emptypb.Empty, wrapperspb.BytesValue](httpClient, baseURL+SubscribeProcedure, o.connect...),
		report:       connect.NewClient[wrapperspb.StringValue, emptypb.Empty](httpClient, baseURL+ReportExceptionProcedure, o.connect...),
		observer:     o.observer,
	}
}

// SetCallback opens the subscription stream on first use and waits for the
// handshake, which is delivered to cb. Later calls only replace cb.
func (c *Client[D, O]) SetCallback(ctx context.Context, cb store.ProxyCallback[D, O]) error {
	c.mu.Lock()
	c.callback = cb
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := c.subscribe.CallServerStream(streamCtx, connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe: %w", err)
	}
	if !stream.Receive() {
		err := errors.Join(ErrHandshake, stream.Err())
		stream.Close()
		cancel()
		return err
	}

	var hello store.ProxyMessage[D, O]
	if err := json.Unmarshal(stream.Msg().GetValue(), &hello); err != nil || hello.ID == 0 {
		stream.Close()
		cancel()
		return errors.Join(ErrHandshake, err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.id = hello.ID
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	if err := cb(ctx, hello); err != nil {
		c.streamError(ctx, err)
	}

	go c.receive(streamCtx, stream, done)
	return nil
}

func (c *Client[D, O]) receive(ctx context.Context, stream *connect.ServerStreamForClient[wrapperspb.BytesValue], done chan struct{}) {
	defer close(done)
	defer stream.Close()

	for stream.Receive() {
		var msg store.ProxyMessage[D, O]
		if err := json.Unmarshal(stream.Msg().GetValue(), &msg); err != nil {
			c.streamError(ctx, fmt.Errorf("decode message: %w", err))
			continue
		}

		c.mu.Lock()
		cb := c.callback
		c.mu.Unlock()
		if cb == nil {
			continue
		}
		if err := cb(ctx, msg); err != nil {
			c.streamError(ctx, err)
		}
	}

	if err := stream.Err(); err != nil && ctx.Err() == nil {
		c.streamError(ctx, err)
	}
}

func (c *Client[D, O]) streamError(ctx context.Context, err error) {
	observability.Emit(ctx, c.observer, EventStreamError, observability.LevelWarning, "transport.Client", map[string]any{
		"id":    c.ID(),
		"error": err.Error(),
	})
}

// OnProxyMessage sends msg stamped with the subscription id. Replies travel
// over the subscription, so a client without one cannot send.
func (c *Client[D, O]) OnProxyMessage(ctx context.Context, msg store.ProxyMessage[D, O]) (bool, error) {
	id := c.ID()
	if id == 0 {
		return false, ErrNotSubscribed
	}

	raw, err := json.Marshal(msg.WithID(id))
	if err != nil {
		return false, fmt.Errorf("encode message: %w", err)
	}

	resp, err := c.proxyMessage.CallUnary(ctx, connect.NewRequest(wrapperspb.Bytes(raw)))
	if err != nil {
		return false, fmt.Errorf("send message: %w", err)
	}
	return resp.Msg.GetValue(), nil
}

// ReportExceptionInHost forwards err to the server's store and returns it.
func (c *Client[D, O]) ReportExceptionInHost(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, rpcErr := c.report.CallUnary(ctx, connect.NewRequest(wrapperspb.String(err.Error()))); rpcErr != nil {
		return errors.Join(err, fmt.Errorf("report exception: %w", rpcErr))
	}
	return err
}

// Disconnect closes the subscription stream and waits for it to finish.
func (c *Client[D, O]) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.id = 0
	c.callback = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client[D, O]) ID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}
