package host

import "github.com/tailored-agentic-units/replica/observability"

// Host event types.
const (
	EventStoreRegistered   observability.EventType = "host.store.registered"
	EventStoreUnregistered observability.EventType = "host.store.unregistered"
	EventClose             observability.EventType = "host.close"
)
