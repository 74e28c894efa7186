package observability

import (
	"context"
	"sync"
)

// Recorder keeps every event it receives. It is safe for concurrent use and
// is mostly useful in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) OnEvent(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of the given type were recorded.
func (r *Recorder) Count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
