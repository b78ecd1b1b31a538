package limiter

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KOMKZ/go-yogan-concurrency/metrics"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"
)

// UnknownPartition receives contexts no resolver could place
const UnknownPartition = "unknown"

// shareEpsilon absorbs float rounding in share sums such as 0.1+0.2+0.7
const shareEpsilon = 1e-9

// PartitionResolver maps a request context to a partition name ("" when unknown)
type PartitionResolver func(ctx context.Context) string

// PartitionConfig one named slice of the limit
type PartitionConfig struct {
	Name string `mapstructure:"name"`
	// Share of the global limit reserved for this partition, in [0, 1]
	Share float64 `mapstructure:"share"`
	// RejectDelay is slept by rejected callers (0 disables)
	RejectDelay time.Duration `mapstructure:"reject_delay"`
}

// Validate implements validation.Validatable
func (c PartitionConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Name, validation.Required),
		validation.Field(&c.Share, validation.By(shareRule)),
		validation.Field(&c.RejectDelay, validation.Min(time.Duration(0))),
	)
}

func shareRule(value interface{}) error {
	share, _ := value.(float64)
	if share < 0 || share > 1 {
		return fmt.Errorf("must be within [0, 1], got %v", share)
	}
	return nil
}

// PartitionedConfig partitioned limiter configuration
type PartitionedConfig struct {
	Partitions []PartitionConfig `mapstructure:"partitions"`
	// Resolvers are consulted in order; the first known name wins
	Resolvers []PartitionResolver `mapstructure:"-"`
	// MaxDelayedGoroutines caps how many rejected callers may sleep at once
	MaxDelayedGoroutines int `mapstructure:"max_delayed_goroutines"`
}

// Validate checks the partition set
func (c PartitionedConfig) Validate() error {
	if len(c.Partitions) == 0 {
		return &ValidationError{Field: "Partitions", Message: "at least one partition is required"}
	}

	seen := make(map[string]struct{}, len(c.Partitions))
	sum := 0.0
	for _, p := range c.Partitions {
		if err := p.Validate(); err != nil {
			ve := fromValidation(err).(*ValidationError)
			ve.Field = "Partitions." + p.Name + "." + ve.Field
			return ve
		}
		if p.Name == UnknownPartition {
			return &ValidationError{Field: "Partitions." + p.Name, Message: "name is reserved"}
		}
		if _, dup := seen[p.Name]; dup {
			return &ValidationError{Field: "Partitions." + p.Name, Message: "duplicate partition"}
		}
		seen[p.Name] = struct{}{}
		sum += p.Share
	}
	if sum > 1+shareEpsilon {
		return &ValidationError{Field: "Partitions", Message: fmt.Sprintf("shares sum to %v, must not exceed 1.0", sum)}
	}

	if c.MaxDelayedGoroutines < 0 {
		return &ValidationError{Field: "MaxDelayedGoroutines", Message: "must not be negative"}
	}
	return nil
}

type partitionKey struct{}

// WithPartition tags ctx with a partition name for PartitionFromContext
func WithPartition(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, partitionKey{}, name)
}

// PartitionFromContext is a resolver reading the name set by WithPartition
func PartitionFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(partitionKey{}).(string)
	return name
}

type partition struct {
	name        string
	share       float64
	rejectDelay time.Duration
	// guarded by Partitioned.mu
	limit int
	busy  int

	inflightListener metrics.SampleListener
}

// Partitioned splits the limit into named shares
type Partitioned struct {
	*baseLimiter

	resolvers  []PartitionResolver
	partitions map[string]*partition
	unknown    *partition
	maxDelayed int64
	delayed    atomic.Int64

	mu sync.Mutex
}

// NewPartitioned creates a partitioned limiter
func NewPartitioned(cfg PartitionedConfig, opts ...Option) (*Partitioned, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxDelayedGoroutines == 0 {
		cfg.MaxDelayedGoroutines = 100
	}

	s := applySettings(opts)
	p := &Partitioned{
		baseLimiter: newBaseLimiter(s),
		resolvers:   cfg.Resolvers,
		partitions:  make(map[string]*partition, len(cfg.Partitions)),
		maxDelayed:  int64(cfg.MaxDelayedGoroutines),
	}
	if len(p.resolvers) == 0 {
		p.resolvers = []PartitionResolver{PartitionFromContext}
	}

	for _, pc := range cfg.Partitions {
		p.partitions[pc.Name] = p.newPartition(s, pc)
	}
	p.unknown = p.newPartition(s, PartitionConfig{Name: UnknownPartition})

	p.recompute(s.limit.Limit())
	s.limit.NotifyOnChange(p.recompute)

	s.logger.Debug("partitioned limiter created",
		zap.String("id", s.name),
		zap.Int("partitions", len(cfg.Partitions)))
	return p, nil
}

func (p *Partitioned) newPartition(s settings, pc PartitionConfig) *partition {
	part := &partition{
		name:        pc.Name,
		share:       pc.Share,
		rejectDelay: pc.RejectDelay,
		inflightListener: s.registry.RegisterDistribution(metrics.IDPartitionInflight,
			"id", s.name, "partition", pc.Name),
	}
	s.registry.RegisterGauge(metrics.IDPartitionLimit, func() float64 {
		return float64(p.PartitionLimit(pc.Name))
	}, "id", s.name, "partition", pc.Name)
	return part
}

// recompute derives every sub-limit from a new global limit
func (p *Partitioned) recompute(globalLimit int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	reserved := 0
	for _, part := range p.partitions {
		part.limit = max(1, int(math.Ceil(float64(globalLimit)*part.share)))
		reserved += part.limit
	}
	p.unknown.limit = max(0, globalLimit-reserved)
}

func (p *Partitioned) resolve(ctx context.Context) *partition {
	for _, resolver := range p.resolvers {
		if part, ok := p.partitions[resolver(ctx)]; ok {
			return part
		}
	}
	return p.unknown
}

// Acquire implements Limiter
func (p *Partitioned) Acquire(ctx context.Context) (Token, bool) {
	part := p.resolve(ctx)

	p.mu.Lock()
	inflight := p.inFlight.Load()
	if inflight >= p.cachedLimit.Load() || part.busy >= part.limit {
		p.mu.Unlock()
		p.backoff(ctx, part)
		return nil, false
	}
	part.busy++
	busy := part.busy
	p.inFlight.Add(1)
	p.mu.Unlock()

	part.inflightListener.AddSample(float64(busy))
	return p.newToken(int(inflight+1), func() {
		p.mu.Lock()
		part.busy--
		p.mu.Unlock()
	}), true
}

// backoff sleeps a rejected caller when its partition asks for it and the
// number of sleepers is under the cap
func (p *Partitioned) backoff(ctx context.Context, part *partition) {
	if part.rejectDelay <= 0 {
		return
	}
	if p.delayed.Add(1) > p.maxDelayed {
		p.delayed.Add(-1)
		return
	}
	defer p.delayed.Add(-1)

	timer := time.NewTimer(part.rejectDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// PartitionLimit returns the current sub-limit of a partition (0 if unknown name)
func (p *Partitioned) PartitionLimit(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if part := p.lookup(name); part != nil {
		return part.limit
	}
	return 0
}

// PartitionBusy returns the in-flight count of a partition
func (p *Partitioned) PartitionBusy(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if part := p.lookup(name); part != nil {
		return part.busy
	}
	return 0
}

// Partitions lists the configured partition names, sorted, without "unknown"
func (p *Partitioned) Partitions() []string {
	names := make([]string, 0, len(p.partitions))
	for name := range p.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Partitioned) lookup(name string) *partition {
	if name == UnknownPartition {
		return p.unknown
	}
	return p.partitions[name]
}

func (p *Partitioned) String() string {
	return fmt.Sprintf("Partitioned[id=%s, limit=%d, inflight=%d, partitions=%d]",
		p.name, p.Limit(), p.InFlight(), len(p.partitions))
}
