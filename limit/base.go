package limit

import (
	"sync"
	"sync/atomic"
)

// base holds the published value and the listener list shared by every algorithm
//
// The algorithm's computation and the publish step run under mu. Listeners run
// after mu is released, under notifyMu, which is taken before mu is dropped so
// notifications are delivered in the order the values were published.
type base struct {
	value     atomic.Int64
	mu        sync.Mutex
	notifyMu  sync.Mutex
	listeners []func(int)
}

func (b *base) init(initial int) {
	b.value.Store(int64(initial))
}

// Limit returns the last published value
func (b *base) Limit() int {
	return int(b.value.Load())
}

// NotifyOnChange registers listener for every future change
//
// Listeners may read the limit and its accessors, but must not feed samples
// back into the same limit.
func (b *base) NotifyOnChange(listener func(newLimit int)) {
	b.mu.Lock()
	b.listeners = append(b.listeners, listener)
	b.mu.Unlock()
}

// update runs compute and publishes its result under the same lock
func (b *base) update(compute func() (int, error)) error {
	b.mu.Lock()
	next, err := compute()
	if err != nil || int64(next) == b.value.Load() {
		b.mu.Unlock()
		return err
	}
	b.value.Store(int64(next))
	listeners := b.listeners[:len(b.listeners):len(b.listeners)]

	b.notifyMu.Lock()
	b.mu.Unlock()
	defer b.notifyMu.Unlock()

	for _, listener := range listeners {
		listener(next)
	}
	return nil
}
