package limiter

import (
	"context"
	"fmt"
)

// Simple admits while in-flight is below the limit and rejects otherwise
type Simple struct {
	*baseLimiter
}

// NewSimple creates a non-blocking, non-partitioned limiter
func NewSimple(opts ...Option) *Simple {
	return &Simple{baseLimiter: newBaseLimiter(applySettings(opts))}
}

// Acquire implements Limiter
func (s *Simple) Acquire(context.Context) (Token, bool) {
	inflight, ok := s.tryReserve()
	if !ok {
		return nil, false
	}
	return s.newToken(inflight, nil), true
}

func (s *Simple) String() string {
	return fmt.Sprintf("Simple[id=%s, limit=%d, inflight=%d]", s.name, s.Limit(), s.InFlight())
}
