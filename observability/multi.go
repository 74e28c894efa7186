package observability

import "context"

// MultiObserver delivers every store, driver and transport event to several
// sinks in order, e.g. a slog logger and a Recorder in tests. The host builds
// one when its configuration names more than one observer.
type MultiObserver struct {
	sinks []Observer
}

// NewMultiObserver combines sinks. Nil and no-op sinks are dropped and
// nested MultiObservers are flattened, so every event is delivered to each
// distinct sink once per appearance in the list.
func NewMultiObserver(sinks ...Observer) *MultiObserver {
	m := &MultiObserver{}
	for _, sink := range sinks {
		switch s := sink.(type) {
		case nil, NoOpObserver, *NoOpObserver:
		case *MultiObserver:
			if s != nil {
				m.sinks = append(m.sinks, s.sinks...)
			}
		default:
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len reports how many sinks receive events.
func (m *MultiObserver) Len() int { return len(m.sinks) }

func (m *MultiObserver) OnEvent(ctx context.Context, event Event) {
	for _, sink := range m.sinks {
		sink.OnEvent(ctx, event)
	}
}
