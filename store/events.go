package store

import "github.com/tailored-agentic-units/replica/observability"

const (
	EventActivate        observability.EventType = "store.activate"
	EventAccepted        observability.EventType = "store.message.accepted"
	EventRejected        observability.EventType = "store.message.rejected"
	EventBroadcast       observability.EventType = "store.broadcast"
	EventDriverReceive   observability.EventType = "store.driver.receive"
	EventCallbackFailure observability.EventType = "store.callback.failure"
	EventException       observability.EventType = "store.exception"
)
