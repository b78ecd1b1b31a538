package limit

import (
	"github.com/KOMKZ/go-yogan-concurrency/logger"
	"go.uber.org/zap"
)

// Tracing logs every sample at debug level before passing it on
type Tracing struct {
	delegate Limit
	logger   *logger.CtxZapLogger
}

// NewTracing wraps delegate; a nil logger uses module "limit"
func NewTracing(delegate Limit, l *logger.CtxZapLogger) *Tracing {
	if l == nil {
		l = logger.GetLogger("limit")
	}
	return &Tracing{delegate: delegate, logger: l}
}

func (t *Tracing) Limit() int {
	return t.delegate.Limit()
}

func (t *Tracing) NotifyOnChange(listener func(newLimit int)) {
	t.delegate.NotifyOnChange(listener)
}

func (t *Tracing) OnSample(sample Sample) error {
	t.logger.Debug("sample",
		zap.Int("limit", t.delegate.Limit()),
		zap.Duration("rtt", sample.RTT),
		zap.Int("inflight", sample.InFlight),
		zap.Bool("dropped", sample.Dropped))
	return t.delegate.OnSample(sample)
}

// Unwrap returns the decorated limit
func (t *Tracing) Unwrap() Limit {
	return t.delegate
}
