package store

import (
	"maps"
	"slices"
	"sync"
)

// callbackRegistry hands out callback ids. Ids start at 1 and are never
// reused, so a stale id can never address a newer proxy.
type callbackRegistry[D, O any] struct {
	mu        sync.Mutex
	next      int
	callbacks map[int]ProxyCallback[D, O]
}

func (r *callbackRegistry[D, O]) add(cb ProxyCallback[D, O]) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.callbacks == nil {
		r.callbacks = make(map[int]ProxyCallback[D, O])
	}
	r.next++
	r.callbacks[r.next] = cb
	return r.next
}

func (r *callbackRegistry[D, O]) remove(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.callbacks[id]; !ok {
		return false
	}
	delete(r.callbacks, id)
	return true
}

func (r *callbackRegistry[D, O]) get(id int) (ProxyCallback[D, O], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.callbacks[id]
	return cb, ok
}

// ids returns the registered ids in ascending order, leaving out exclude.
func (r *callbackRegistry[D, O]) ids(exclude int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := slices.Sorted(maps.Keys(r.callbacks))
	return slices.DeleteFunc(ids, func(id int) bool { return id == exclude })
}
