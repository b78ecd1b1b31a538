package limit

import (
	"math/rand/v2"

	"github.com/KOMKZ/go-yogan-concurrency/logger"
	"github.com/KOMKZ/go-yogan-concurrency/metrics"
)

type options struct {
	registry metrics.Registry
	logger   *logger.CtxZapLogger
	random   func() float64 // uniform in [0, 1)
	tags     []string
}

// Option configures the collaborators of an adaptive limit
type Option func(*options)

// WithRegistry reports algorithm internals to registry
func WithRegistry(registry metrics.Registry) Option {
	return func(o *options) {
		if registry != nil {
			o.registry = registry
		}
	}
}

// WithLogger sets the logger (default: module "limit")
func WithLogger(l *logger.CtxZapLogger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRandom replaces the jitter source; fn must return values in [0, 1)
func WithRandom(fn func() float64) Option {
	return func(o *options) {
		if fn != nil {
			o.random = fn
		}
	}
}

// WithTags attaches tag name/value pairs to every registered metric
func WithTags(tagNameValuePairs ...string) Option {
	return func(o *options) {
		o.tags = append(o.tags, tagNameValuePairs...)
	}
}

func applyOptions(opts []Option) options {
	o := options{
		registry: metrics.Empty(),
		random:   rand.Float64,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.GetLogger("limit")
	}
	return o
}
