package middleware

import (
	"fmt"
	"net/http"

	"github.com/KOMKZ/go-yogan-concurrency/limiter"
	"github.com/gin-gonic/gin"
)

// Outcome how a finished request is reported to the limit
type Outcome int

const (
	// OutcomeSuccess reports the latency
	OutcomeSuccess Outcome = iota
	// OutcomeDropped reports the latency as an overload signal
	OutcomeDropped
	// OutcomeIgnore releases the slot without a sample
	OutcomeIgnore
)

// ConcurrencyLimiterConfig concurrency limiting middleware configuration
type ConcurrencyLimiterConfig struct {
	// Manager limiter manager (required)
	Manager *limiter.Manager

	// KeyFunc resource name for a request (default: method:route)
	KeyFunc func(*gin.Context) string

	// PartitionFunc partition name for a request, stored with limiter.WithPartition (optional)
	PartitionFunc func(*gin.Context) string

	// RejectHandler writes the response for a rejected request (default: 429)
	RejectHandler func(*gin.Context)

	// Classify maps the final status to an outcome (default: ClassifyStatus)
	Classify func(status int) Outcome

	// SkipFunc bypasses limiting when it returns true (optional)
	SkipFunc func(*gin.Context) bool

	// SkipPaths paths that bypass limiting (optional)
	SkipPaths []string
}

// DefaultConcurrencyLimiterConfig default middleware configuration
func DefaultConcurrencyLimiterConfig(manager *limiter.Manager) ConcurrencyLimiterConfig {
	return ConcurrencyLimiterConfig{
		Manager:       manager,
		KeyFunc:       ResourceByRoute,
		RejectHandler: defaultRejectHandler,
		Classify:      ClassifyStatus,
		SkipPaths:     []string{},
	}
}

// ConcurrencyLimiter limits in-flight requests per resource
//
// Usage:
//
//	engine.Use(middleware.ConcurrencyLimiter(limiterManager))
//
//	cfg := middleware.DefaultConcurrencyLimiterConfig(limiterManager)
//	cfg.KeyFunc = middleware.ResourceFixed("api")
//	cfg.PartitionFunc = middleware.PartitionByHeader("X-Traffic-Class")
//	cfg.SkipPaths = []string{"/health", "/metrics"}
//	engine.Use(middleware.ConcurrencyLimiterWithConfig(cfg))
func ConcurrencyLimiter(manager *limiter.Manager) gin.HandlerFunc {
	return ConcurrencyLimiterWithConfig(DefaultConcurrencyLimiterConfig(manager))
}

// ConcurrencyLimiterWithConfig creates the middleware with a custom configuration
func ConcurrencyLimiterWithConfig(cfg ConcurrencyLimiterConfig) gin.HandlerFunc {
	if cfg.Manager == nil {
		panic("ConcurrencyLimiterConfig.Manager cannot be nil")
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ResourceByRoute
	}
	if cfg.RejectHandler == nil {
		cfg.RejectHandler = defaultRejectHandler
	}
	if cfg.Classify == nil {
		cfg.Classify = ClassifyStatus
	}

	skipPaths := make(map[string]bool, len(cfg.SkipPaths))
	for _, path := range cfg.SkipPaths {
		skipPaths[path] = true
	}

	return func(c *gin.Context) {
		if !cfg.Manager.IsEnabled() || skipPaths[c.Request.URL.Path] {
			c.Next()
			return
		}
		if cfg.SkipFunc != nil && cfg.SkipFunc(c) {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		if cfg.PartitionFunc != nil {
			if partition := cfg.PartitionFunc(c); partition != "" {
				ctx = limiter.WithPartition(ctx, partition)
				c.Request = c.Request.WithContext(ctx)
			}
		}

		token, ok := cfg.Manager.Acquire(ctx, cfg.KeyFunc(c))
		if !ok {
			cfg.RejectHandler(c)
			c.Abort()
			return
		}

		completed := false
		defer func() {
			// a panicking handler says nothing about the resource's latency
			if !completed {
				token.OnIgnore()
			}
		}()

		c.Next()
		completed = true

		outcome := cfg.Classify(c.Writer.Status())
		if c.IsAborted() && outcome != OutcomeDropped {
			// a later middleware refused the request before the handler ran
			outcome = OutcomeIgnore
		}
		release(token, outcome)
	}
}

func release(token limiter.Token, outcome Outcome) {
	switch outcome {
	case OutcomeDropped:
		token.OnDropped()
	case OutcomeIgnore:
		token.OnIgnore()
	default:
		token.OnSuccess()
	}
}

// ClassifyStatus treats 429, 503 and 504 as overload and every other status as success
func ClassifyStatus(status int) Outcome {
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return OutcomeDropped
	default:
		return OutcomeSuccess
	}
}

func defaultRejectHandler(c *gin.Context) {
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":   "Concurrency limit exceeded",
		"message": "too many requests in flight, retry later",
	})
}

// ResourceByMethodAndPath one resource per method and raw path
//
// Each distinct path builds and keeps its own limiter, so use it only when
// the set of paths is bounded.
func ResourceByMethodAndPath(c *gin.Context) string {
	return fmt.Sprintf("%s:%s", c.Request.Method, c.Request.URL.Path)
}

// ResourceByRoute one resource per registered route, so /users/1 and /users/2 share a limit
func ResourceByRoute(c *gin.Context) string {
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	return fmt.Sprintf("%s:%s", c.Request.Method, route)
}

// ResourceFixed puts every request behind a single resource
func ResourceFixed(name string) func(*gin.Context) string {
	return func(*gin.Context) string { return name }
}

// PartitionByHeader reads the partition name from a request header
//
// Usage:
//
//	cfg.PartitionFunc = middleware.PartitionByHeader("X-Traffic-Class")
func PartitionByHeader(headerName string) func(*gin.Context) string {
	return func(c *gin.Context) string {
		return c.GetHeader(headerName)
	}
}

// PartitionByContextKey reads the partition name set by an earlier middleware with c.Set
func PartitionByContextKey(key string) func(*gin.Context) string {
	return func(c *gin.Context) string {
		return c.GetString(key)
	}
}
