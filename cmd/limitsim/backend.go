package main

import (
	"context"
	"sync/atomic"
	"time"
)

// backend serves every call in baseLatency while at most capacity calls run;
// beyond that latency grows linearly with the excess and past twice the
// capacity calls fail as overloaded
type backend struct {
	capacity    int64
	baseLatency time.Duration
	inflight    atomic.Int64
}

func newBackend(capacity int, baseLatency time.Duration) *backend {
	return &backend{capacity: int64(max(1, capacity)), baseLatency: baseLatency}
}

func (b *backend) latency(inflight int64) time.Duration {
	if inflight <= b.capacity {
		return b.baseLatency
	}
	return time.Duration(float64(b.baseLatency) * float64(inflight) / float64(b.capacity))
}

// call reports whether the backend was overloaded; it returns early when ctx ends
func (b *backend) call(ctx context.Context) (overloaded bool, err error) {
	n := b.inflight.Add(1)
	defer b.inflight.Add(-1)

	timer := time.NewTimer(b.latency(n))
	defer timer.Stop()
	select {
	case <-timer.C:
		return n > 2*b.capacity, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
