package limiter

import (
	"sync/atomic"
	"time"

	"github.com/KOMKZ/go-yogan-concurrency/limit"
	"github.com/KOMKZ/go-yogan-concurrency/logger"
	"github.com/KOMKZ/go-yogan-concurrency/metrics"
	"go.uber.org/zap"
)

// baseLimiter holds the in-flight counter and reports token outcomes to the limit
type baseLimiter struct {
	name   string
	limit  limit.Limit
	clock  Clock
	logger *logger.CtxZapLogger

	inFlight         atomic.Int64
	cachedLimit      atomic.Int64
	inflightListener metrics.SampleListener
}

func newBaseLimiter(s settings) *baseLimiter {
	b := &baseLimiter{
		name:             s.name,
		limit:            s.limit,
		clock:            s.clock,
		logger:           s.logger,
		inflightListener: s.registry.RegisterDistribution(metrics.IDInflight, "id", s.name),
	}
	b.cachedLimit.Store(int64(s.limit.Limit()))
	s.limit.NotifyOnChange(func(newLimit int) {
		b.cachedLimit.Store(int64(newLimit))
	})
	s.registry.RegisterGauge(metrics.IDLimit, func() float64 {
		return float64(b.cachedLimit.Load())
	}, "id", s.name)
	return b
}

// Limit returns the current limit
func (b *baseLimiter) Limit() int {
	return int(b.cachedLimit.Load())
}

// InFlight returns the number of outstanding tokens
func (b *baseLimiter) InFlight() int {
	return int(b.inFlight.Load())
}

// tryReserve increments in-flight only while it is below the current limit
func (b *baseLimiter) tryReserve() (int, bool) {
	for {
		current := b.inFlight.Load()
		if current >= b.cachedLimit.Load() {
			return 0, false
		}
		if b.inFlight.CompareAndSwap(current, current+1) {
			return int(current + 1), true
		}
	}
}

// newToken creates a token for an operation already counted in-flight
func (b *baseLimiter) newToken(inflight int, onRelease func()) Token {
	b.inflightListener.AddSample(float64(inflight))
	return &token{
		limiter:   b,
		start:     b.clock(),
		inflight:  inflight,
		onRelease: onRelease,
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeIgnore
	outcomeDropped
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeDropped:
		return "dropped"
	default:
		return "ignore"
	}
}

type token struct {
	limiter   *baseLimiter
	start     time.Time
	inflight  int
	onRelease func()
	released  atomic.Bool
}

func (t *token) OnSuccess() { t.release(outcomeSuccess) }
func (t *token) OnIgnore()  { t.release(outcomeIgnore) }
func (t *token) OnDropped() { t.release(outcomeDropped) }

func (t *token) release(o outcome) {
	if !t.released.CompareAndSwap(false, true) {
		t.limiter.logger.Debug("token already released",
			zap.String("id", t.limiter.name),
			zap.Stringer("outcome", o))
		return
	}

	t.limiter.inFlight.Add(-1)
	if t.onRelease != nil {
		t.onRelease()
	}

	if o == outcomeIgnore {
		return
	}

	sample := limit.Sample{
		StartTime: t.start,
		RTT:       t.limiter.clock().Sub(t.start),
		InFlight:  t.inflight,
		Dropped:   o == outcomeDropped,
	}
	if err := t.limiter.limit.OnSample(sample); err != nil {
		t.limiter.logger.Warn("limit rejected sample",
			zap.String("id", t.limiter.name),
			zap.Error(err))
	}
}
