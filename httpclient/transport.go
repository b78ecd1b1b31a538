// Package httpclient limits outbound HTTP concurrency per downstream resource.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/KOMKZ/go-yogan-concurrency/limiter"
	"github.com/KOMKZ/go-yogan-concurrency/logger"
	"go.uber.org/zap"
)

// ErrLimitExceeded is returned by RoundTrip when the resource limiter rejects the call
var ErrLimitExceeded = errors.New("httpclient: concurrency limit exceeded")

// Manager is the part of limiter.Manager the transport uses
type Manager interface {
	Acquire(ctx context.Context, resource string) (limiter.Token, bool)
	IsEnabled() bool
}

// ResourceFunc names the limiter resource for an outgoing request
type ResourceFunc func(req *http.Request) string

// ClassifyFunc releases the token for a finished round trip
type ClassifyFunc func(token limiter.Token, resp *http.Response, err error)

// Transport is an http.RoundTripper that holds a limiter token for the
// duration of each round trip
type Transport struct {
	base     http.RoundTripper
	manager  Manager
	resource ResourceFunc
	classify ClassifyFunc
	logger   *logger.CtxZapLogger
}

// Option configures a Transport
type Option func(*Transport)

// WithBase sets the wrapped transport (default http.DefaultTransport)
func WithBase(rt http.RoundTripper) Option {
	return func(t *Transport) {
		if rt != nil {
			t.base = rt
		}
	}
}

// WithResource sets how requests map to resources (default ResourceByHost)
func WithResource(fn ResourceFunc) Option {
	return func(t *Transport) {
		if fn != nil {
			t.resource = fn
		}
	}
}

// WithFixedResource sends every request through one resource
func WithFixedResource(name string) Option {
	return WithResource(func(*http.Request) string { return name })
}

// WithClassify overrides how outcomes are reported (default Classify)
func WithClassify(fn ClassifyFunc) Option {
	return func(t *Transport) {
		if fn != nil {
			t.classify = fn
		}
	}
}

// WithLogger sets the logger
func WithLogger(log *logger.CtxZapLogger) Option {
	return func(t *Transport) {
		if log != nil {
			t.logger = log
		}
	}
}

// NewTransport wraps a round tripper with the manager's limiters
func NewTransport(manager Manager, opts ...Option) *Transport {
	t := &Transport{
		base:     http.DefaultTransport,
		manager:  manager,
		resource: ResourceByHost,
		classify: Classify,
		logger:   logger.GetLogger("httpclient"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewClient returns an http.Client using a limiting Transport
func NewClient(manager Manager, timeout time.Duration, opts ...Option) *http.Client {
	return &http.Client{
		Transport: NewTransport(manager, opts...),
		Timeout:   timeout,
	}
}

// RoundTrip implements http.RoundTripper
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.manager == nil || !t.manager.IsEnabled() {
		return t.base.RoundTrip(req)
	}

	ctx := req.Context()
	resource := t.resource(req)
	token, ok := t.manager.Acquire(ctx, resource)
	if !ok {
		t.logger.DebugCtx(ctx, "outbound request rejected",
			zap.String("resource", resource),
			zap.String("url", req.URL.Redacted()))
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, fmt.Errorf("%w: %s", ErrLimitExceeded, resource)
	}

	resp, err := t.base.RoundTrip(req)
	t.classify(token, resp, err)
	return resp, err
}

// ResourceByHost uses "http:<host>" as the resource name
func ResourceByHost(req *http.Request) string {
	return "http:" + req.URL.Host
}

// Classify treats 429, 503, 504 and timeouts as overload, cancellation as
// ignored, and every other completed exchange as success
func Classify(token limiter.Token, resp *http.Response, err error) {
	if err != nil {
		var netErr net.Error
		switch {
		case errors.Is(err, context.Canceled):
			token.OnIgnore()
		case errors.Is(err, context.DeadlineExceeded),
			errors.As(err, &netErr) && netErr.Timeout():
			token.OnDropped()
		default:
			token.OnIgnore()
		}
		return
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		token.OnDropped()
	default:
		token.OnSuccess()
	}
}
