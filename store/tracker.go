package store

import (
	"context"
	"sync"
)

// tracker counts in-flight work so Idle can wait for it to drain.
type tracker struct {
	mu    sync.Mutex
	count int
	idle  chan struct{}
}

func (t *tracker) add() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count == 0 {
		t.idle = make(chan struct{})
	}
	t.count++
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.count--
	if t.count == 0 {
		close(t.idle)
	}
}

// wait blocks until no work is in flight or ctx ends.
func (t *tracker) wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		if t.count == 0 {
			t.mu.Unlock()
			return nil
		}
		idle := t.idle
		t.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
