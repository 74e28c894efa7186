package observability

import "context"

// NoOpObserver drops every event. Stores and drivers fall back to it when no
// observer is configured, and it is registered as "noop" for hosts that want
// silent persistence.
type NoOpObserver struct{}

func (NoOpObserver) OnEvent(context.Context, Event) {}
