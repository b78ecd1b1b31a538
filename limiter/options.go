package limiter

import (
	"time"

	"github.com/KOMKZ/go-yogan-concurrency/limit"
	"github.com/KOMKZ/go-yogan-concurrency/logger"
	"github.com/KOMKZ/go-yogan-concurrency/metrics"
)

type settings struct {
	name     string
	limit    limit.Limit
	clock    Clock
	registry metrics.Registry
	logger   *logger.CtxZapLogger
}

// Option configures a Simple or Partitioned limiter
type Option func(*settings)

// WithName sets the "id" tag of the limiter's metrics (default "unnamed")
func WithName(name string) Option {
	return func(s *settings) {
		if name != "" {
			s.name = name
		}
	}
}

// WithLimit sets the limit algorithm (default Vegas with default settings)
func WithLimit(l limit.Limit) Option {
	return func(s *settings) {
		if l != nil {
			s.limit = l
		}
	}
}

// WithClock replaces time.Now (tests)
func WithClock(clock Clock) Option {
	return func(s *settings) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithRegistry sets the metrics registry
func WithRegistry(registry metrics.Registry) Option {
	return func(s *settings) {
		if registry != nil {
			s.registry = registry
		}
	}
}

// WithLogger sets the logger (default: module "limiter")
func WithLogger(l *logger.CtxZapLogger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

func applySettings(opts []Option) settings {
	s := settings{
		name:     "unnamed",
		clock:    time.Now,
		registry: metrics.Empty(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = logger.GetLogger("limiter")
	}
	if s.limit == nil {
		s.limit = defaultLimit(s.logger)
	}
	return s
}

// defaultLimit builds a Vegas limit from its (always valid) default configuration
func defaultLimit(l *logger.CtxZapLogger) limit.Limit {
	vegas, err := limit.NewVegas(limit.DefaultVegasConfig(), limit.WithLogger(l))
	if err != nil {
		panic("limiter: default vegas config rejected: " + err.Error())
	}
	return vegas
}
