// Package executor runs tasks on a goroutine pool behind a concurrency limiter
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KOMKZ/go-yogan-concurrency/limiter"
	"github.com/KOMKZ/go-yogan-concurrency/logger"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

var (
	// ErrRejected the limiter had no capacity within the wait timeout
	ErrRejected = errors.New("executor: task rejected")

	// ErrDropped returned (or wrapped) by a task to report overload of the resource it called
	ErrDropped = errors.New("executor: resource overloaded")
)

// Task a unit of work; the context is the one passed to Execute
type Task func(ctx context.Context) error

// Config blocking executor configuration
type Config struct {
	// PoolSize caps worker goroutines; <= 0 means unbounded
	PoolSize int
	// Timeout bounds how long Execute waits for a slot; 0 means limiter.MaxTimeout
	Timeout time.Duration
}

// BlockingExecutor waits for limiter capacity, then runs the task on the pool
//
// The task's result is reported to the limiter: nil is a success, ErrDropped
// is a drop and any other error or a panic releases the slot without a sample.
type BlockingExecutor struct {
	limiter limiter.Limiter
	pool    *ants.Pool
	logger  *logger.CtxZapLogger
}

// NewBlockingExecutor wraps l in a broadcast-wait limiter and creates the pool
func NewBlockingExecutor(l limiter.Limiter, cfg Config, log *logger.CtxZapLogger) (*BlockingExecutor, error) {
	if log == nil {
		log = logger.GetLogger("executor")
	}

	blocking, ok := l.(*limiter.Blocking)
	if !ok {
		var err error
		blocking, err = limiter.NewBlocking(l, limiter.BlockingConfig{Timeout: cfg.Timeout})
		if err != nil {
			return nil, err
		}
	}

	size := cfg.PoolSize
	if size <= 0 {
		size = -1
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	return &BlockingExecutor{
		limiter: blocking,
		pool:    pool,
		logger:  log,
	}, nil
}

// Execute acquires a slot, blocking up to the configured timeout, and
// submits task; it returns ErrRejected when no slot could be had
func (e *BlockingExecutor) Execute(ctx context.Context, task Task) error {
	token, ok := e.limiter.Acquire(ctx)
	if !ok {
		return ErrRejected
	}

	if err := e.pool.Submit(func() { e.run(ctx, token, task) }); err != nil {
		token.OnIgnore()
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return nil
}

func (e *BlockingExecutor) run(ctx context.Context, token limiter.Token, task Task) {
	defer func() {
		if r := recover(); r != nil {
			token.OnIgnore()
			e.logger.ErrorCtx(ctx, "task panicked", zap.Any("panic", r))
		}
	}()

	err := task(ctx)
	switch {
	case err == nil:
		token.OnSuccess()
	case errors.Is(err, ErrDropped):
		token.OnDropped()
	default:
		token.OnIgnore()
		e.logger.DebugCtx(ctx, "task failed", zap.Error(err))
	}
}

// Running returns the number of busy workers
func (e *BlockingExecutor) Running() int {
	return e.pool.Running()
}

// Shutdown waits up to timeout for running tasks and releases the pool
func (e *BlockingExecutor) Shutdown(timeout time.Duration) error {
	return e.pool.ReleaseTimeout(timeout)
}
