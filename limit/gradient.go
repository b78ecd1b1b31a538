package limit

import (
	"fmt"
	"math"
	"time"

	"github.com/KOMKZ/go-yogan-concurrency/metrics"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"
)

// DisableProbe turns off periodic baseline probing in GradientConfig.ProbeInterval
const DisableProbe = -1

// GradientConfig configures Gradient
type GradientConfig struct {
	InitialLimit int
	MinLimit     int
	MaxLimit     int
	// Smoothing in (0, 1]; only decreases are smoothed
	Smoothing float64
	// RTTTolerance >= 1.0; how much latency growth is tolerated before backing off
	RTTTolerance float64
	// ProbeInterval samples between baseline resets, or DisableProbe
	ProbeInterval int
	// QueueSize returns the queuing margin for a limit
	QueueSize func(limit int) int
}

// DefaultGradientConfig returns the default gradient configuration
func DefaultGradientConfig() GradientConfig {
	return GradientConfig{
		InitialLimit:  50,
		MinLimit:      1,
		MaxLimit:      1000,
		Smoothing:     0.2,
		RTTTolerance:  2.0,
		ProbeInterval: 1000,
		QueueSize:     SquareRoot(4),
	}
}

// Validate checks the configuration
func (c GradientConfig) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.MinLimit, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxLimit, validation.Required, validation.Min(c.MinLimit)),
		validation.Field(&c.InitialLimit, validation.Required, validation.Min(c.MinLimit), validation.Max(c.MaxLimit)),
		validation.Field(&c.Smoothing, validation.Required, validation.Min(0.0).Exclusive(), validation.Max(1.0)),
		validation.Field(&c.RTTTolerance, validation.Required, toleranceRule),
		validation.Field(&c.ProbeInterval, validation.By(probeIntervalRule)),
	)
	return configError("gradient", err)
}

func probeIntervalRule(value interface{}) error {
	interval, _ := value.(int)
	if interval != DisableProbe && interval <= 0 {
		return fmt.Errorf("must be positive or %d to disable probing", DisableProbe)
	}
	return nil
}

// Gradient adjusts the limit by the ratio of the no-load RTT to the current RTT
//
// The no-load RTT is a running minimum that is reset every ProbeInterval
// samples (plus jitter) so that it can follow a permanent latency increase.
// Increases apply immediately, decreases are smoothed.
type Gradient struct {
	base

	cfg  GradientConfig
	opts options

	estimate     float64
	lastRTT      time.Duration
	rttNoLoad    *MinimumMeasurement
	resetCounter int

	minRTTListener    metrics.SampleListener
	windowRTTListener metrics.SampleListener
	queueSizeListener metrics.SampleListener
}

// NewGradient creates a gradient limit
func NewGradient(cfg GradientConfig, opts ...Option) (*Gradient, error) {
	if cfg.QueueSize == nil {
		cfg.QueueSize = SquareRoot(4)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := applyOptions(opts)
	g := &Gradient{
		cfg:               cfg,
		opts:              o,
		estimate:          float64(cfg.InitialLimit),
		rttNoLoad:         NewMinimumMeasurement(),
		minRTTListener:    o.registry.RegisterDistribution(metrics.IDMinRTT, o.tags...),
		windowRTTListener: o.registry.RegisterDistribution(metrics.IDMinWindowRTT, o.tags...),
		queueSizeListener: o.registry.RegisterDistribution(metrics.IDQueueSize, o.tags...),
	}
	g.resetCounter = g.nextProbeCountdown()
	g.init(cfg.InitialLimit)
	return g, nil
}

func (g *Gradient) nextProbeCountdown() int {
	if g.cfg.ProbeInterval == DisableProbe {
		return DisableProbe
	}
	return g.cfg.ProbeInterval + int(g.opts.random()*float64(g.cfg.ProbeInterval))
}

// OnSample feeds one observation
func (g *Gradient) OnSample(sample Sample) error {
	return g.update(func() (int, error) {
		return g.next(sample), nil
	})
}

func (g *Gradient) next(sample Sample) int {
	rtt := float64(sample.RTT)
	g.lastRTT = sample.RTT
	g.windowRTTListener.AddSample(rtt)

	queueSize := float64(g.cfg.QueueSize(int(g.estimate)))
	g.queueSizeListener.AddSample(queueSize)

	if g.cfg.ProbeInterval != DisableProbe {
		g.resetCounter--
		if g.resetCounter < 0 {
			g.resetCounter = g.nextProbeCountdown()
			g.estimate = math.Max(float64(g.cfg.MinLimit), queueSize)
			g.rttNoLoad.Reset()
			g.lastRTT = 0
			g.opts.logger.Debug("probe min rtt", zap.Int("limit", int(g.estimate)))
			return int(g.estimate)
		}
	}

	rttNoLoad := g.rttNoLoad.Add(rtt)
	g.minRTTListener.AddSample(rttNoLoad)

	gradient := 1.0
	if rtt > 0 {
		gradient = math.Max(0.5, math.Min(1.0, g.cfg.RTTTolerance*rttNoLoad/rtt))
	}

	var newLimit float64
	switch {
	case sample.Dropped:
		newLimit = g.estimate / 2
	case float64(sample.InFlight) < g.estimate/2:
		return int(g.estimate)
	default:
		newLimit = g.estimate*gradient + queueSize
	}

	if newLimit < g.estimate {
		newLimit = math.Max(float64(g.cfg.MinLimit), g.estimate*(1-g.cfg.Smoothing)+g.cfg.Smoothing*newLimit)
	}
	newLimit = math.Min(float64(g.cfg.MaxLimit), math.Max(queueSize, newLimit))

	if int(newLimit) != int(g.estimate) {
		g.opts.logger.Debug("new limit",
			zap.Int("limit", int(newLimit)),
			zap.Duration("min_rtt", time.Duration(rttNoLoad)),
			zap.Duration("win_rtt", sample.RTT),
			zap.Float64("queue_size", queueSize),
			zap.Float64("gradient", gradient),
			zap.Int("reset_counter", g.resetCounter))
	}

	g.estimate = newLimit
	return int(g.estimate)
}

// LastRTT returns the RTT of the most recent sample (0 right after a probe)
func (g *Gradient) LastRTT() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRTT
}

// RTTNoLoad returns the current baseline RTT, 0 when unset
func (g *Gradient) RTTNoLoad() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, _ := g.rttNoLoad.Get()
	return time.Duration(v)
}

func (g *Gradient) String() string {
	return fmt.Sprintf("Gradient[limit=%d, rtt_noload=%s]", g.Limit(), g.RTTNoLoad())
}
