// Package transport serves a store's communication endpoint over connect RPC
// so proxies can live in other processes.
//
// Three procedures make up the StorageEndpoint service:
//
//	ProxyMessage    unary          BytesValue (JSON message) -> BoolValue
//	Subscribe       server stream  Empty -> BytesValue (JSON messages)
//	ReportException unary          StringValue -> Empty
//
// The first message on a Subscribe stream is a model update whose id is the
// subscriber's callback id. Clients stamp that id on every message they send.
package transport

import "errors"

const (
	ServiceName = "replica.storage.v1.StorageEndpoint"

	ProxyMessageProcedure    = "/" + ServiceName + "/ProxyMessage"
	SubscribeProcedure       = "/" + ServiceName + "/Subscribe"
	ReportExceptionProcedure = "/" + ServiceName + "/ReportException"
)

var (
	ErrSubscriberLagging = errors.New("subscriber is not keeping up")
	ErrHandshake         = errors.New("subscription handshake failed")
	ErrNotSubscribed     = errors.New("client has no subscription")
)
