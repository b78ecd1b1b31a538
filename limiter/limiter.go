// Package limiter turns a concurrency limit into admission decisions
//
// Simple admits while in-flight < limit. Partitioned splits the limit into
// named shares. Blocking and Lifo wrap another Limiter and wait, for a bounded
// time, for capacity instead of rejecting at once. Manager builds and names
// limiters from configuration.
//
// Rejection is a normal outcome: Acquire returns (nil, false), never an error.
package limiter

import (
	"context"
	"time"
)

// Limiter decides whether an operation may start now
type Limiter interface {
	// Acquire returns a token when the operation is admitted
	Acquire(ctx context.Context) (Token, bool)
}

// Token represents one admitted operation
//
// Exactly one of the methods must be called when the operation completes;
// the first call wins and later calls are no-ops.
type Token interface {
	// OnSuccess reports the operation's latency to the limit
	OnSuccess()
	// OnIgnore releases the slot without reporting a sample
	OnIgnore()
	// OnDropped reports the latency together with an overload signal
	OnDropped()
}

// Clock returns the current time
type Clock func() time.Time

// Inspector exposes the live state of a limiter
type Inspector interface {
	Limit() int
	InFlight() int
}
