package store

import (
	"context"
	"fmt"
)

// MessageType identifies the three proxy message variants.
type MessageType int

const (
	SyncRequest MessageType = iota + 1
	ModelUpdate
	Operations
)

var messageTypeNames = map[MessageType]string{
	SyncRequest: "sync-request",
	ModelUpdate: "model-update",
	Operations:  "operations",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

func (t MessageType) MarshalText() ([]byte, error) {
	name, ok := messageTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("unknown message type %d", int(t))
	}
	return []byte(name), nil
}

func (t *MessageType) UnmarshalText(text []byte) error {
	for typ, name := range messageTypeNames {
		if name == string(text) {
			*t = typ
			return nil
		}
	}
	return fmt.Errorf("unknown message type %q", text)
}

// ProxyMessage is exchanged between a store and its proxies. ID names the
// proxy a message comes from or is addressed to; zero means no proxy, which
// is how broadcasts travel.
type ProxyMessage[D, O any] struct {
	Type       MessageType `json:"type"`
	Model      D           `json:"model"`
	Operations []O         `json:"operations,omitempty"`
	ID         int         `json:"id,omitempty"`
}

// NewSyncRequest asks the store to send its model to proxy id.
func NewSyncRequest[D, O any](id int) ProxyMessage[D, O] {
	return ProxyMessage[D, O]{Type: SyncRequest, ID: id}
}

// NewModelUpdate carries a full model.
func NewModelUpdate[D, O any](model D) ProxyMessage[D, O] {
	return ProxyMessage[D, O]{Type: ModelUpdate, Model: model}
}

// NewOperations carries an ordered batch of operations.
func NewOperations[D, O any](ops ...O) ProxyMessage[D, O] {
	return ProxyMessage[D, O]{Type: Operations, Operations: ops}
}

// WithID returns a copy of the message addressed from or to id.
func (m ProxyMessage[D, O]) WithID(id int) ProxyMessage[D, O] {
	m.ID = id
	return m
}

// ProxyCallback receives messages from a store. A returned error is reported
// through the store's exception path and does not stop delivery to other
// callbacks.
type ProxyCallback[D, O any] func(ctx context.Context, msg ProxyMessage[D, O]) error
