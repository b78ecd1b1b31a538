package limiter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/KOMKZ/go-yogan-concurrency/limit"
	"github.com/KOMKZ/go-yogan-concurrency/logger"
	"github.com/KOMKZ/go-yogan-concurrency/metrics"
	"go.uber.org/zap"
)

// Manager builds and serves one limiter per named resource
type Manager struct {
	config   Config
	registry metrics.Registry
	limiters map[string]*resourceLimiter
	eventBus EventBus
	logger   *logger.CtxZapLogger
	mu       sync.RWMutex
}

// resourceLimiter the limiter stack of a single resource
type resourceLimiter struct {
	resource  string
	config    ResourceConfig
	limit     limit.Limit
	settable  *limit.Settable
	limiter   Limiter
	inspector Inspector
	lifo      *Lifo

	acquired atomic.Int64
	rejected atomic.Int64
	timeouts atomic.Int64
}

// Snapshot point-in-time state of a resource
type Snapshot struct {
	Resource   string                       `json:"resource"`
	Algorithm  string                       `json:"algorithm"`
	Limit      int                          `json:"limit"`
	InFlight   int                          `json:"inflight"`
	Backlog    int                          `json:"backlog"`
	Acquired   int64                        `json:"acquired"`
	Rejected   int64                        `json:"rejected"`
	Timeouts   int64                        `json:"timeouts"`
	Partitions map[string]PartitionSnapshot `json:"partitions,omitempty"`
}

// PartitionSnapshot state of one partition
type PartitionSnapshot struct {
	Limit int `json:"limit"`
	Busy  int `json:"busy"`
}

// NewManager validates cfg and creates a manager; nil logger and registry
// fall back to logger.GetLogger("limiter") and metrics.Empty()
func NewManager(cfg Config, ctxLogger *logger.CtxZapLogger, registry metrics.Registry) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if ctxLogger == nil {
		ctxLogger = logger.GetLogger("limiter")
	}
	if registry == nil {
		registry = metrics.Empty()
	}
	if cfg.Resources == nil {
		cfg.Resources = make(map[string]ResourceConfig)
	}

	m := &Manager{
		config:   cfg,
		registry: registry,
		limiters: make(map[string]*resourceLimiter),
		logger:   ctxLogger,
	}

	ctx := context.Background()
	if !cfg.Enabled {
		ctxLogger.DebugCtx(ctx, "concurrency limiter disabled, every acquire is admitted")
		return m, nil
	}

	m.eventBus = NewEventBus(cfg.EventBusBuffer, ctxLogger)

	// Configured resources are built eagerly so their gauges exist from the start
	names := make([]string, 0, len(cfg.Resources))
	for name := range cfg.Resources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := m.getOrCreateLimiter(name); err != nil {
			m.eventBus.Close()
			return nil, err
		}
	}

	ctxLogger.DebugCtx(ctx, "concurrency limiter manager initialized",
		zap.Int("resources", len(names)),
		zap.Int("event_bus_buffer", cfg.EventBusBuffer))
	return m, nil
}

// Acquire asks the resource's limiter for a token
//
// A disabled manager admits everything. An unconfigured resource uses the
// default configuration, or is admitted when there is none.
func (m *Manager) Acquire(ctx context.Context, resource string) (Token, bool) {
	if !m.config.Enabled {
		return noopToken{}, true
	}

	rl, err := m.getOrCreateLimiter(resource)
	if err != nil {
		m.logger.ErrorCtx(ctx, "build limiter failed, admitting",
			zap.String("resource", resource),
			zap.Error(err))
		return noopToken{}, true
	}
	if rl == nil {
		return noopToken{}, true
	}

	tok, ok := rl.limiter.Acquire(ctx)
	if ok {
		rl.acquired.Add(1)
		m.eventBus.Publish(&AcquiredEvent{
			BaseEvent: NewBaseEvent(ctx, EventAcquired, resource),
			Limit:     rl.inspector.Limit(),
			InFlight:  rl.inspector.InFlight(),
		})
		return tok, true
	}

	rl.rejected.Add(1)
	m.eventBus.Publish(&RejectedEvent{
		BaseEvent: NewBaseEvent(ctx, EventRejected, resource),
		Limit:     rl.inspector.Limit(),
		InFlight:  rl.inspector.InFlight(),
	})
	return nil, false
}

// Limiter returns the limiter stack of a resource, building it on first use
func (m *Manager) Limiter(resource string) (Limiter, error) {
	if !m.config.Enabled {
		return passthrough{}, nil
	}
	rl, err := m.getOrCreateLimiter(resource)
	if err != nil {
		return nil, err
	}
	if rl == nil {
		return passthrough{}, nil
	}
	return managedLimiter{manager: m, resource: resource}, nil
}

// Snapshot returns the state of a resource that has been built
func (m *Manager) Snapshot(resource string) (Snapshot, bool) {
	m.mu.RLock()
	rl, exists := m.limiters[resource]
	m.mu.RUnlock()

	if !exists {
		return Snapshot{Resource: resource, Algorithm: "unknown"}, false
	}
	return rl.snapshot(), true
}

// Snapshots returns every built resource, sorted by name
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	limiters := make([]*resourceLimiter, 0, len(m.limiters))
	for _, rl := range m.limiters {
		limiters = append(limiters, rl)
	}
	m.mu.RUnlock()

	sort.Slice(limiters, func(i, j int) bool { return limiters[i].resource < limiters[j].resource })
	snapshots := make([]Snapshot, 0, len(limiters))
	for _, rl := range limiters {
		snapshots = append(snapshots, rl.snapshot())
	}
	return snapshots
}

// SetLimit changes the limit of a resource using the settable algorithm
func (m *Manager) SetLimit(resource string, value int) error {
	if value <= 0 {
		return &ValidationError{Resource: resource, Field: "limit", Message: "must be > 0"}
	}

	m.mu.RLock()
	rl, exists := m.limiters[resource]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrResourceNotFound, resource)
	}
	if rl.settable == nil {
		return fmt.Errorf("%w: %s uses %s", ErrNotSettable, resource, rl.config.Algorithm)
	}
	rl.settable.SetLimit(value)
	return nil
}

// GetEventBus obtain event bus (nil when disabled)
func (m *Manager) GetEventBus() EventBus {
	return m.eventBus
}

// IsEnabled reports whether limiting is on
func (m *Manager) IsEnabled() bool {
	return m.config.Enabled
}

// GetConfig returns the validated configuration
func (m *Manager) GetConfig() Config {
	return m.config
}

// Close stops the event bus after delivering buffered events
func (m *Manager) Close() error {
	if m.eventBus != nil {
		m.eventBus.Close()
	}
	return nil
}

// Shutdown implements the samber/do ShutdownerWithError interface
func (m *Manager) Shutdown() error {
	return m.Close()
}

// getOrCreateLimiter returns nil, nil for an unconfigured resource without a default
func (m *Manager) getOrCreateLimiter(resource string) (*resourceLimiter, error) {
	m.mu.RLock()
	if rl, exists := m.limiters[resource]; exists {
		m.mu.RUnlock()
		return rl, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if rl, exists := m.limiters[resource]; exists {
		return rl, nil
	}

	if _, configured := m.config.Resources[resource]; !configured && m.config.Default.isEmpty() {
		return nil, nil
	}

	rl, err := m.build(resource, m.config.GetResourceConfig(resource))
	if err != nil {
		return nil, &ValidationError{Resource: resource, Err: err}
	}
	m.limiters[resource] = rl

	m.logger.DebugCtx(context.Background(), "limiter created",
		zap.String("resource", resource),
		zap.String("algorithm", rl.config.Algorithm),
		zap.String("blocking", rl.config.Blocking),
		zap.Int("limit", rl.inspector.Limit()))
	return rl, nil
}

func (m *Manager) build(resource string, rc ResourceConfig) (*resourceLimiter, error) {
	rl := &resourceLimiter{resource: resource, config: rc}

	l, settable, err := m.buildLimit(resource, rc)
	if err != nil {
		return nil, err
	}
	rl.limit = l
	rl.settable = settable

	var previous atomic.Int64
	previous.Store(int64(l.Limit()))
	l.NotifyOnChange(func(newLimit int) {
		old := previous.Swap(int64(newLimit))
		m.eventBus.Publish(&LimitChangedEvent{
			BaseEvent: NewBaseEvent(context.Background(), EventLimitChanged, resource),
			OldLimit:  int(old),
			NewLimit:  newLimit,
		})
	})

	opts := []Option{
		WithName(resource),
		WithLimit(l),
		WithRegistry(m.registry),
		WithLogger(m.logger),
	}

	var inner Limiter
	if len(rc.Partitions) > 0 {
		partitioned, err := NewPartitioned(rc.partitionedConfig(), opts...)
		if err != nil {
			return nil, err
		}
		inner, rl.inspector = partitioned, partitioned
	} else {
		simple := NewSimple(opts...)
		inner, rl.inspector = simple, simple
	}

	onTimeout := func(ctx context.Context) {
		rl.timeouts.Add(1)
		m.eventBus.Publish(&RejectedEvent{
			BaseEvent: NewBaseEvent(ctx, EventWaitTimeout, resource),
			Limit:     rl.inspector.Limit(),
			InFlight:  rl.inspector.InFlight(),
		})
	}

	switch rc.Blocking {
	case BlockingBroadcast:
		rl.limiter, err = NewBlocking(inner, BlockingConfig{Timeout: rc.Timeout, OnTimeout: onTimeout})
	case BlockingLifo:
		rl.lifo, err = NewLifo(inner, LifoConfig{
			MaxBacklog:     rc.MaxBacklog,
			BacklogTimeout: rc.BacklogTimeout,
			OnTimeout:      onTimeout,
		})
		rl.limiter = rl.lifo
	default:
		rl.limiter = inner
	}
	if err != nil {
		return nil, err
	}
	return rl, nil
}

func (m *Manager) buildLimit(resource string, rc ResourceConfig) (limit.Limit, *limit.Settable, error) {
	opts := []limit.Option{
		limit.WithRegistry(m.registry),
		limit.WithLogger(m.logger),
		limit.WithTags("id", resource),
	}

	var (
		l        limit.Limit
		settable *limit.Settable
		err      error
	)
	switch rc.Algorithm {
	case AlgorithmFixed:
		l = limit.NewFixed(rc.InitialLimit)
	case AlgorithmSettable:
		settable = limit.NewSettable(rc.InitialLimit)
		l = settable
	case AlgorithmGradient:
		l, err = limit.NewGradient(rc.gradientConfig(), opts...)
	case AlgorithmGradient2:
		l, err = limit.NewGradient2(rc.gradient2Config(), opts...)
	case AlgorithmVegas:
		l, err = limit.NewVegas(rc.vegasConfig(), opts...)
	default:
		err = fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfig, rc.Algorithm)
	}
	if err != nil {
		return nil, nil, err
	}

	if rc.Window.Enabled {
		l, err = limit.NewWindowed(l, rc.windowConfig(), limit.NewAverageSampleWindow)
		if err != nil {
			return nil, nil, err
		}
	}
	if rc.Tracing {
		l = limit.NewTracing(l, m.logger.With(zap.String("resource", resource)))
	}
	return l, settable, nil
}

func (rl *resourceLimiter) snapshot() Snapshot {
	s := Snapshot{
		Resource:  rl.resource,
		Algorithm: rl.config.Algorithm,
		Limit:     rl.inspector.Limit(),
		InFlight:  rl.inspector.InFlight(),
		Acquired:  rl.acquired.Load(),
		Rejected:  rl.rejected.Load(),
		Timeouts:  rl.timeouts.Load(),
	}
	if rl.lifo != nil {
		s.Backlog = rl.lifo.BacklogSize()
	}
	if p, ok := rl.inspector.(*Partitioned); ok {
		s.Partitions = make(map[string]PartitionSnapshot, len(p.partitions)+1)
		for _, name := range append(p.Partitions(), UnknownPartition) {
			s.Partitions[name] = PartitionSnapshot{Limit: p.PartitionLimit(name), Busy: p.PartitionBusy(name)}
		}
	}
	return s
}

// managedLimiter routes Acquire through the manager so events and counters stay accurate
type managedLimiter struct {
	manager  *Manager
	resource string
}

func (l managedLimiter) Acquire(ctx context.Context) (Token, bool) {
	return l.manager.Acquire(ctx, l.resource)
}

// passthrough admits everything
type passthrough struct{}

func (passthrough) Acquire(context.Context) (Token, bool) { return noopToken{}, true }

type noopToken struct{}

func (noopToken) OnSuccess() {}
func (noopToken) OnIgnore()  {}
func (noopToken) OnDropped() {}
