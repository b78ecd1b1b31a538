package limiter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MaxTimeout caps how long Blocking may park a caller
const MaxTimeout = time.Hour

// BlockingConfig broadcast-wait adapter configuration
type BlockingConfig struct {
	// Timeout bounds each Acquire, inclusive of MaxTimeout; 0 means MaxTimeout
	Timeout time.Duration
	// OnTimeout, if set, is called when a wait ends without a token
	OnTimeout func(ctx context.Context)
}

// Validate checks the timeout range
func (c BlockingConfig) Validate() error {
	if c.Timeout < 0 || c.Timeout > MaxTimeout {
		return &ValidationError{Field: "Timeout", Message: fmt.Sprintf("must be within [0, %s], got %s", MaxTimeout, c.Timeout)}
	}
	return nil
}

// Blocking waits for capacity instead of rejecting
//
// Every release wakes all waiters, which then race for the freed slot.
// There is no ordering between waiters.
type Blocking struct {
	delegate  Limiter
	timeout   time.Duration
	onTimeout func(ctx context.Context)

	mu   sync.Mutex
	wake chan struct{}
}

// NewBlocking wraps delegate with a bounded broadcast wait
func NewBlocking(delegate Limiter, cfg BlockingConfig) (*Blocking, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = MaxTimeout
	}
	return &Blocking{
		delegate:  delegate,
		timeout:   cfg.Timeout,
		onTimeout: cfg.OnTimeout,
		wake:      make(chan struct{}),
	}, nil
}

// Acquire implements Limiter; ctx cancellation ends the wait with a rejection
func (b *Blocking) Acquire(ctx context.Context) (Token, bool) {
	deadline := time.NewTimer(b.timeout)
	defer deadline.Stop()

	for {
		// Capture the wake channel before trying so a release racing with the
		// failed attempt still wakes this caller.
		b.mu.Lock()
		wake := b.wake
		b.mu.Unlock()

		if tok, ok := b.delegate.Acquire(ctx); ok {
			return &hookedToken{inner: tok, after: b.broadcast}, true
		}

		select {
		case <-wake:
		case <-deadline.C:
			b.timedOut(ctx)
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (b *Blocking) broadcast() {
	b.mu.Lock()
	close(b.wake)
	b.wake = make(chan struct{})
	b.mu.Unlock()
}

func (b *Blocking) timedOut(ctx context.Context) {
	if b.onTimeout != nil {
		b.onTimeout(ctx)
	}
}

// Delegate returns the wrapped limiter
func (b *Blocking) Delegate() Limiter {
	return b.delegate
}

func (b *Blocking) String() string {
	return fmt.Sprintf("Blocking[timeout=%s, delegate=%v]", b.timeout, b.delegate)
}

// hookedToken runs after once the first terminal callback has released inner
type hookedToken struct {
	inner Token
	after func()
	done  atomic.Bool
}

func (t *hookedToken) OnSuccess() {
	if t.done.CompareAndSwap(false, true) {
		t.inner.OnSuccess()
		t.after()
	}
}

func (t *hookedToken) OnIgnore() {
	if t.done.CompareAndSwap(false, true) {
		t.inner.OnIgnore()
		t.after()
	}
}

func (t *hookedToken) OnDropped() {
	if t.done.CompareAndSwap(false, true) {
		t.inner.OnDropped()
		t.after()
	}
}
