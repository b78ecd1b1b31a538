package limiter

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// LifoConfig backlog adapter configuration
type LifoConfig struct {
	// MaxBacklog is the number of callers allowed to wait (default 100)
	MaxBacklog int
	// BacklogTimeout bounds each wait (default 1s); ignored when TimeoutFunc is set
	BacklogTimeout time.Duration
	// TimeoutFunc derives the wait bound from the caller's context
	TimeoutFunc func(ctx context.Context) time.Duration
	// OnTimeout, if set, is called when a queued caller gives up
	OnTimeout func(ctx context.Context)
}

// Validate checks backlog bounds
func (c LifoConfig) Validate() error {
	if c.MaxBacklog < 0 {
		return &ValidationError{Field: "MaxBacklog", Message: "must not be negative"}
	}
	if c.BacklogTimeout < 0 || c.BacklogTimeout > MaxTimeout {
		return &ValidationError{Field: "BacklogTimeout", Message: fmt.Sprintf("must be within [0, %s], got %s", MaxTimeout, c.BacklogTimeout)}
	}
	return nil
}

type waiter struct {
	ctx   context.Context
	ready chan Token
	// guarded by Lifo.mu; nil once the waiter left the backlog
	elem *list.Element
}

// Lifo queues rejected callers and serves the most recent arrival first
//
// The delegate is called while the backlog mutex is held, so it must not
// sleep on rejection (a partition reject delay, for example).
type Lifo struct {
	delegate   Limiter
	maxBacklog int
	timeout    func(ctx context.Context) time.Duration
	onTimeout  func(ctx context.Context)

	mu      sync.Mutex
	backlog *list.List
}

// NewLifo wraps delegate with a bounded LIFO backlog
func NewLifo(delegate Limiter, cfg LifoConfig) (*Lifo, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxBacklog == 0 {
		cfg.MaxBacklog = 100
	}
	if cfg.BacklogTimeout == 0 {
		cfg.BacklogTimeout = time.Second
	}
	timeout := cfg.TimeoutFunc
	if timeout == nil {
		fixed := cfg.BacklogTimeout
		timeout = func(context.Context) time.Duration { return fixed }
	}
	return &Lifo{
		delegate:   delegate,
		maxBacklog: cfg.MaxBacklog,
		timeout:    timeout,
		onTimeout:  cfg.OnTimeout,
		backlog:    list.New(),
	}, nil
}

// Acquire implements Limiter
func (l *Lifo) Acquire(ctx context.Context) (Token, bool) {
	if tok, ok := l.delegate.Acquire(ctx); ok {
		return l.wrap(tok), true
	}

	l.mu.Lock()
	if l.backlog.Len() >= l.maxBacklog {
		l.mu.Unlock()
		return nil, false
	}
	// A release may have happened since the first attempt; it saw no waiter.
	if tok, ok := l.delegate.Acquire(ctx); ok {
		l.mu.Unlock()
		return l.wrap(tok), true
	}
	w := &waiter{ctx: ctx, ready: make(chan Token, 1)}
	w.elem = l.backlog.PushFront(w)
	l.mu.Unlock()

	timer := time.NewTimer(l.timeout(ctx))
	defer timer.Stop()

	select {
	case tok := <-w.ready:
		return tok, true
	case <-timer.C:
		l.abandon(w)
		if l.onTimeout != nil {
			l.onTimeout(ctx)
		}
	case <-ctx.Done():
		l.abandon(w)
	}
	return nil, false
}

// abandon removes w from the backlog; a token delivered concurrently is
// handed back so the next waiter can have it
func (l *Lifo) abandon(w *waiter) {
	l.mu.Lock()
	if w.elem != nil {
		l.backlog.Remove(w.elem)
		w.elem = nil
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	if tok := <-w.ready; tok != nil {
		tok.OnIgnore()
	}
}

// unblock offers freed capacity to the newest waiter
func (l *Lifo) unblock() {
	l.mu.Lock()
	defer l.mu.Unlock()

	front := l.backlog.Front()
	if front == nil {
		return
	}
	w := front.Value.(*waiter)
	tok, ok := l.delegate.Acquire(w.ctx)
	if !ok {
		return
	}
	l.backlog.Remove(front)
	w.elem = nil
	w.ready <- l.wrap(tok)
}

func (l *Lifo) wrap(tok Token) Token {
	return &hookedToken{inner: tok, after: l.unblock}
}

// BacklogSize returns the number of queued callers
func (l *Lifo) BacklogSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backlog.Len()
}

// Delegate returns the wrapped limiter
func (l *Lifo) Delegate() Limiter {
	return l.delegate
}

func (l *Lifo) String() string {
	return fmt.Sprintf("Lifo[backlog=%d/%d, delegate=%v]", l.BacklogSize(), l.maxBacklog, l.delegate)
}
