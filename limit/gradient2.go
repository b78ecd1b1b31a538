package limit

import (
	"fmt"
	"math"
	"time"

	"github.com/KOMKZ/go-yogan-concurrency/metrics"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"
)

// Gradient2Config configures Gradient2
type Gradient2Config struct {
	InitialLimit int
	MinLimit     int
	MaxLimit     int
	// Smoothing in (0, 1]; applied to increases and decreases
	Smoothing    float64
	RTTTolerance float64
	// LongWindow samples covered by the long-term RTT average
	LongWindow int
	// Warmup samples averaged before exponential smoothing starts
	Warmup    int
	QueueSize func(limit int) int
}

// DefaultGradient2Config returns the default configuration
func DefaultGradient2Config() Gradient2Config {
	return Gradient2Config{
		InitialLimit: 20,
		MinLimit:     20,
		MaxLimit:     200,
		Smoothing:    0.2,
		RTTTolerance: 1.5,
		LongWindow:   600,
		Warmup:       10,
		QueueSize:    Constant(4),
	}
}

// Validate checks the configuration
func (c Gradient2Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.MinLimit, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxLimit, validation.Required, validation.Min(c.MinLimit)),
		validation.Field(&c.InitialLimit, validation.Required, validation.Min(c.MinLimit), validation.Max(c.MaxLimit)),
		validation.Field(&c.Smoothing, validation.Required, validation.Min(0.0).Exclusive(), validation.Max(1.0)),
		validation.Field(&c.RTTTolerance, validation.Required, toleranceRule),
		validation.Field(&c.LongWindow, validation.Required, validation.Min(1)),
		validation.Field(&c.Warmup, validation.Min(0)),
	)
	return configError("gradient2", err)
}

// Gradient2 compares the current RTT against a long-term exponential average
//
// Unlike Gradient there is no periodic probe: when the long average exceeds
// twice the current RTT it decays by 5% per sample so that a latency drop
// is picked up. Explicit drops are not used; the long average already
// reacts to the latency spikes that come with them.
type Gradient2 struct {
	base

	cfg  Gradient2Config
	opts options

	estimate float64
	lastRTT  time.Duration
	longRTT  *ExpAvgMeasurement

	longRTTListener   metrics.SampleListener
	shortRTTListener  metrics.SampleListener
	queueSizeListener metrics.SampleListener
}

// NewGradient2 creates a long-window gradient limit
func NewGradient2(cfg Gradient2Config, opts ...Option) (*Gradient2, error) {
	if cfg.QueueSize == nil {
		cfg.QueueSize = Constant(4)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := applyOptions(opts)
	g := &Gradient2{
		cfg:               cfg,
		opts:              o,
		estimate:          float64(cfg.InitialLimit),
		longRTT:           NewExpAvgMeasurement(cfg.LongWindow, cfg.Warmup),
		longRTTListener:   o.registry.RegisterDistribution(metrics.IDMinRTT, o.tags...),
		shortRTTListener:  o.registry.RegisterDistribution(metrics.IDMinWindowRTT, o.tags...),
		queueSizeListener: o.registry.RegisterDistribution(metrics.IDQueueSize, o.tags...),
	}
	g.init(cfg.InitialLimit)
	return g, nil
}

// OnSample feeds one observation; Dropped is ignored
func (g *Gradient2) OnSample(sample Sample) error {
	return g.update(func() (int, error) {
		return g.next(sample), nil
	})
}

func (g *Gradient2) next(sample Sample) int {
	queueSize := float64(g.cfg.QueueSize(int(g.estimate)))

	g.lastRTT = sample.RTT
	shortRTT := float64(sample.RTT)
	longRTT := g.longRTT.Add(shortRTT)

	g.shortRTTListener.AddSample(shortRTT)
	g.longRTTListener.AddSample(longRTT)
	g.queueSizeListener.AddSample(queueSize)

	if shortRTT > 0 && longRTT/shortRTT > 2 {
		g.longRTT.Update(func(current float64) float64 {
			return current * 0.95
		})
	}

	if float64(sample.InFlight) < g.estimate/2 {
		return int(g.estimate)
	}

	gradient := 1.0
	if shortRTT > 0 {
		gradient = math.Max(0.5, math.Min(1.0, g.cfg.RTTTolerance*longRTT/shortRTT))
	}

	newLimit := g.estimate*gradient + queueSize
	newLimit = g.estimate*(1-g.cfg.Smoothing) + newLimit*g.cfg.Smoothing
	newLimit = math.Max(float64(g.cfg.MinLimit), math.Min(float64(g.cfg.MaxLimit), newLimit))

	if int(newLimit) != int(g.estimate) {
		g.opts.logger.Debug("new limit",
			zap.Int("limit", int(newLimit)),
			zap.Duration("short_rtt", sample.RTT),
			zap.Duration("long_rtt", time.Duration(longRTT)),
			zap.Float64("queue_size", queueSize),
			zap.Float64("gradient", gradient))
	}

	g.estimate = newLimit
	return int(g.estimate)
}

// LastRTT returns the RTT of the most recent sample
func (g *Gradient2) LastRTT() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRTT
}

// RTTNoLoad returns the long-term RTT average, 0 before the first sample
func (g *Gradient2) RTTNoLoad() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, _ := g.longRTT.Get()
	return time.Duration(v)
}

func (g *Gradient2) String() string {
	return fmt.Sprintf("Gradient2[limit=%d]", g.Limit())
}
