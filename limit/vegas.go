package limit

import (
	"fmt"
	"math"
	"time"

	"github.com/KOMKZ/go-yogan-concurrency/metrics"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"
)

var log10Root = Log10Root(0)

// VegasConfig configures Vegas
type VegasConfig struct {
	InitialLimit int
	MaxLimit     int
	// Smoothing in (0, 1]; 1 applies every new estimate as is
	Smoothing float64
	// ProbeMultiplier scales the number of samples between baseline probes
	ProbeMultiplier int

	// Alpha, Beta and Threshold map the current limit to queue size bounds
	Alpha     func(limit int) int
	Beta      func(limit int) int
	Threshold func(limit int) int

	Increase func(limit float64) float64
	Decrease func(limit float64) float64
}

// DefaultVegasConfig returns the default configuration
func DefaultVegasConfig() VegasConfig {
	return VegasConfig{
		InitialLimit:    20,
		MaxLimit:        1000,
		Smoothing:       1.0,
		ProbeMultiplier: 30,
		Alpha:           func(limit int) int { return 3 * log10Root(limit) },
		Beta:            func(limit int) int { return 6 * log10Root(limit) },
		Threshold:       log10Root,
		Increase:        func(limit float64) float64 { return limit + float64(log10Root(int(limit))) },
		Decrease:        func(limit float64) float64 { return limit - float64(log10Root(int(limit))) },
	}
}

func (c *VegasConfig) applyDefaults() {
	defaults := DefaultVegasConfig()
	if c.Alpha == nil {
		c.Alpha = defaults.Alpha
	}
	if c.Beta == nil {
		c.Beta = defaults.Beta
	}
	if c.Threshold == nil {
		c.Threshold = defaults.Threshold
	}
	if c.Increase == nil {
		c.Increase = defaults.Increase
	}
	if c.Decrease == nil {
		c.Decrease = defaults.Decrease
	}
}

// Validate checks the configuration
func (c VegasConfig) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.MaxLimit, validation.Required, validation.Min(1)),
		validation.Field(&c.InitialLimit, validation.Required, validation.Min(1), validation.Max(c.MaxLimit)),
		validation.Field(&c.Smoothing, validation.Required, validation.Min(0.0).Exclusive(), validation.Max(1.0)),
		validation.Field(&c.ProbeMultiplier, validation.Required, validation.Min(1)),
	)
	return configError("vegas", err)
}

// Vegas estimates the queue built up at the resource from the ratio of the
// baseline RTT to the current RTT, in the manner of TCP Vegas
//
// The limit grows while the estimated queue is below alpha and shrinks once
// it exceeds beta. The baseline is re-measured every
// jitter*ProbeMultiplier*limit samples, jitter drawn from [0.5, 1).
type Vegas struct {
	base

	cfg  VegasConfig
	opts options

	estimate    float64
	rttNoLoad   *MinimumMeasurement
	probeCount  int
	probeJitter float64

	rttListener metrics.SampleListener
}

// NewVegas creates a Vegas limit
func NewVegas(cfg VegasConfig, opts ...Option) (*Vegas, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := applyOptions(opts)
	v := &Vegas{
		cfg:         cfg,
		opts:        o,
		estimate:    float64(cfg.InitialLimit),
		rttNoLoad:   NewMinimumMeasurement(),
		rttListener: o.registry.RegisterDistribution(metrics.IDMinRTT, o.tags...),
	}
	v.resetProbeJitter()
	v.init(cfg.InitialLimit)
	return v, nil
}

func (v *Vegas) resetProbeJitter() {
	v.probeJitter = 0.5 + v.opts.random()*0.5
}

func (v *Vegas) shouldProbe() bool {
	return v.probeJitter*float64(v.cfg.ProbeMultiplier)*v.estimate <= float64(v.probeCount)
}

// OnSample feeds one observation; sample.RTT must be positive
func (v *Vegas) OnSample(sample Sample) error {
	if sample.RTT <= 0 {
		return fmt.Errorf("%w: rtt must be > 0 but got %s", ErrInvalidSample, sample.RTT)
	}

	return v.update(func() (int, error) {
		return v.next(sample), nil
	})
}

func (v *Vegas) next(sample Sample) int {
	rtt := float64(sample.RTT)

	v.probeCount++
	if v.shouldProbe() {
		v.opts.logger.Debug("probe min rtt", zap.Duration("rtt", sample.RTT))
		v.resetProbeJitter()
		v.probeCount = 0
		v.rttNoLoad.Reset()
		v.rttNoLoad.Add(rtt)
		return int(v.estimate)
	}

	if current, ok := v.rttNoLoad.Get(); !ok || rtt < current {
		v.opts.logger.Debug("new min rtt", zap.Duration("rtt", sample.RTT))
		v.rttNoLoad.Add(rtt)
		return int(v.estimate)
	}

	rttNoLoad, _ := v.rttNoLoad.Get()
	v.rttListener.AddSample(rttNoLoad)

	return v.updateEstimate(rttNoLoad, sample)
}

func (v *Vegas) updateEstimate(rttNoLoad float64, sample Sample) int {
	rtt := float64(sample.RTT)
	queueSize := int(math.Ceil(v.estimate * (1 - rttNoLoad/rtt)))

	var newLimit float64
	switch {
	case sample.Dropped:
		newLimit = v.cfg.Decrease(v.estimate)
	case float64(sample.InFlight*2) < v.estimate:
		return int(v.estimate)
	default:
		current := int(v.estimate)
		alpha := v.cfg.Alpha(current)
		beta := v.cfg.Beta(current)
		threshold := v.cfg.Threshold(current)

		switch {
		case queueSize <= threshold:
			newLimit = v.estimate + float64(beta)
		case queueSize < alpha:
			newLimit = v.cfg.Increase(v.estimate)
		case queueSize > beta:
			newLimit = v.cfg.Decrease(v.estimate)
		default:
			return int(v.estimate)
		}
	}

	newLimit = math.Max(1, math.Min(float64(v.cfg.MaxLimit), newLimit))
	newLimit = (1-v.cfg.Smoothing)*v.estimate + v.cfg.Smoothing*newLimit

	if int(newLimit) != int(v.estimate) {
		v.opts.logger.Debug("new limit",
			zap.Int("limit", int(newLimit)),
			zap.Duration("min_rtt", time.Duration(rttNoLoad)),
			zap.Duration("win_rtt", sample.RTT),
			zap.Int("queue_size", queueSize))
	}

	v.estimate = newLimit
	return int(v.estimate)
}

// RTTNoLoad returns the baseline RTT, 0 before the first sample
func (v *Vegas) RTTNoLoad() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	rtt, _ := v.rttNoLoad.Get()
	return time.Duration(rtt)
}

func (v *Vegas) String() string {
	return fmt.Sprintf("Vegas[limit=%d, rtt_noload=%s]", v.Limit(), v.RTTNoLoad())
}
