package limiter

import (
	"fmt"
	"time"

	"github.com/KOMKZ/go-yogan-concurrency/config"
	"github.com/KOMKZ/go-yogan-concurrency/limit"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Algorithm names accepted in ResourceConfig.Algorithm
const (
	AlgorithmFixed     = "fixed"
	AlgorithmSettable  = "settable"
	AlgorithmGradient  = "gradient"
	AlgorithmGradient2 = "gradient2"
	AlgorithmVegas     = "vegas"
)

// Blocking modes accepted in ResourceConfig.Blocking
const (
	BlockingNone      = "none"
	BlockingBroadcast = "broadcast"
	BlockingLifo      = "lifo"
)

// Config concurrency limiter configuration
type Config struct {
	// Enabled whether to enable limiting (false means direct passthrough)
	Enabled bool `mapstructure:"enabled"`

	// EventBusBuffer event bus buffer size
	EventBusBuffer int `mapstructure:"event_bus_buffer"`

	// ReportInterval how often the reporter logs limiter state (0 disables)
	ReportInterval time.Duration `mapstructure:"report_interval"`

	// Default resource configuration, applied under every entry of Resources
	// and to resources that are not configured at all
	Default ResourceConfig `mapstructure:"default"`

	// Resources configuration level (overrides Default)
	Resources map[string]ResourceConfig `mapstructure:"resources"`
}

// ResourceConfig resource-level configuration
type ResourceConfig struct {
	// Algorithm: fixed, settable, gradient, gradient2, vegas
	Algorithm string `mapstructure:"algorithm"`

	InitialLimit int     `mapstructure:"initial_limit"`
	MinLimit     int     `mapstructure:"min_limit"`
	MaxLimit     int     `mapstructure:"max_limit"`
	Smoothing    float64 `mapstructure:"smoothing"`
	RTTTolerance float64 `mapstructure:"rtt_tolerance"`
	// QueueSize constant queuing margin (0 keeps the algorithm's function)
	QueueSize int `mapstructure:"queue_size"`

	// ProbeInterval gradient only; -1 disables probing
	ProbeInterval int `mapstructure:"probe_interval"`
	// LongWindow gradient2 only
	LongWindow int `mapstructure:"long_window"`
	// ProbeMultiplier vegas only
	ProbeMultiplier int `mapstructure:"probe_multiplier"`

	Window WindowConfig `mapstructure:"window"`

	Partitions           []PartitionConfig `mapstructure:"partitions"`
	MaxDelayedGoroutines int               `mapstructure:"max_delayed_goroutines"`

	// Blocking: none, broadcast, lifo
	Blocking       string        `mapstructure:"blocking"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxBacklog     int           `mapstructure:"max_backlog"`
	BacklogTimeout time.Duration `mapstructure:"backlog_timeout"`

	// Tracing logs every sample at debug level
	Tracing bool `mapstructure:"tracing"`
}

// WindowConfig sample window aggregation for a resource
type WindowConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	limit.WindowConfig `mapstructure:",squash"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		EventBusBuffer: 500,
		ReportInterval: 0,
		Default:        DefaultResourceConfig(),
		Resources:      make(map[string]ResourceConfig),
	}
}

// DefaultResourceConfig returns the default resource configuration
func DefaultResourceConfig() ResourceConfig {
	return ResourceConfig{
		Algorithm: AlgorithmVegas,
		Blocking:  BlockingNone,
	}
}

// LoadConfig reads the "limiter" section
func LoadConfig(loader *config.Loader) (Config, error) {
	cfg := DefaultConfig()
	if err := loader.UnmarshalKey("limiter", &cfg); err != nil {
		return Config{}, fmt.Errorf("load limiter config: %w", err)
	}
	if cfg.Resources == nil {
		cfg.Resources = make(map[string]ResourceConfig)
	}
	return cfg, nil
}

// Validate configuration; resources are merged onto Default in place
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil // not enabled, verification not required
	}

	if c.EventBusBuffer <= 0 {
		c.EventBusBuffer = 500
	}
	if c.ReportInterval < 0 {
		return &ValidationError{Field: "report_interval", Message: "must not be negative"}
	}

	if !c.Default.isEmpty() {
		if err := c.Default.Validate(); err != nil {
			return err
		}
	}

	for name, cfg := range c.Resources {
		merged := c.Default.Merge(cfg)
		c.Resources[name] = merged

		if err := merged.Validate(); err != nil {
			return &ValidationError{
				Resource: name,
				Err:      err,
			}
		}
	}

	return nil
}

// GetResourceConfig Retrieve resource configuration (prioritize resource-level configuration, fallback to default)
func (c *Config) GetResourceConfig(resource string) ResourceConfig {
	if cfg, ok := c.Resources[resource]; ok {
		return c.Default.Merge(cfg)
	}
	return c.Default
}

// Merge overlays the non-zero fields of override
func (rc ResourceConfig) Merge(override ResourceConfig) ResourceConfig {
	result := rc

	if override.Algorithm != "" {
		result.Algorithm = override.Algorithm
	}
	if override.InitialLimit > 0 {
		result.InitialLimit = override.InitialLimit
	}
	if override.MinLimit > 0 {
		result.MinLimit = override.MinLimit
	}
	if override.MaxLimit > 0 {
		result.MaxLimit = override.MaxLimit
	}
	if override.Smoothing > 0 {
		result.Smoothing = override.Smoothing
	}
	if override.RTTTolerance > 0 {
		result.RTTTolerance = override.RTTTolerance
	}
	if override.QueueSize > 0 {
		result.QueueSize = override.QueueSize
	}
	if override.ProbeInterval != 0 {
		result.ProbeInterval = override.ProbeInterval
	}
	if override.LongWindow > 0 {
		result.LongWindow = override.LongWindow
	}
	if override.ProbeMultiplier > 0 {
		result.ProbeMultiplier = override.ProbeMultiplier
	}
	if override.Window.Enabled {
		result.Window = override.Window
	}
	if len(override.Partitions) > 0 {
		result.Partitions = override.Partitions
	}
	if override.MaxDelayedGoroutines > 0 {
		result.MaxDelayedGoroutines = override.MaxDelayedGoroutines
	}
	if override.Blocking != "" {
		result.Blocking = override.Blocking
	}
	if override.Timeout > 0 {
		result.Timeout = override.Timeout
	}
	if override.MaxBacklog > 0 {
		result.MaxBacklog = override.MaxBacklog
	}
	if override.BacklogTimeout > 0 {
		result.BacklogTimeout = override.BacklogTimeout
	}
	if override.Tracing {
		result.Tracing = true
	}

	return result
}

// checks if ResourceConfig is an empty configuration
func (rc ResourceConfig) isEmpty() bool {
	return rc.Algorithm == "" &&
		rc.InitialLimit == 0 &&
		rc.MaxLimit == 0 &&
		len(rc.Partitions) == 0
}

// Validate resource configuration
func (rc ResourceConfig) Validate() error {
	err := validation.ValidateStruct(&rc,
		validation.Field(&rc.Algorithm, validation.Required, validation.In(
			AlgorithmFixed, AlgorithmSettable, AlgorithmGradient, AlgorithmGradient2, AlgorithmVegas)),
		validation.Field(&rc.Blocking, validation.In(BlockingNone, BlockingBroadcast, BlockingLifo)),
		validation.Field(&rc.Timeout, validation.Min(time.Duration(0)), validation.Max(MaxTimeout)),
		validation.Field(&rc.MaxBacklog, validation.Min(0)),
		validation.Field(&rc.BacklogTimeout, validation.Min(time.Duration(0)), validation.Max(MaxTimeout)),
		validation.Field(&rc.MaxDelayedGoroutines, validation.Min(0)),
	)
	if err != nil {
		return fromValidation(err)
	}

	switch rc.Algorithm {
	case AlgorithmFixed, AlgorithmSettable:
		if rc.InitialLimit <= 0 {
			return &ValidationError{Field: "initial_limit", Message: "must be > 0"}
		}
	case AlgorithmGradient:
		err = rc.gradientConfig().Validate()
	case AlgorithmGradient2:
		err = rc.gradient2Config().Validate()
	case AlgorithmVegas:
		err = rc.vegasConfig().Validate()
	}
	if err != nil {
		return &ValidationError{Field: "algorithm", Err: err}
	}

	if rc.Window.Enabled {
		if err := rc.windowConfig().Validate(); err != nil {
			return &ValidationError{Field: "window", Err: err}
		}
	}

	if len(rc.Partitions) > 0 {
		if err := rc.partitionedConfig().Validate(); err != nil {
			return err
		}
		if rc.Blocking == BlockingLifo {
			for _, p := range rc.Partitions {
				if p.RejectDelay > 0 {
					return &ValidationError{Field: "partitions." + p.Name + ".reject_delay", Message: "not supported with lifo blocking"}
				}
			}
		}
	}

	return nil
}

func (rc ResourceConfig) queueSize() func(int) int {
	if rc.QueueSize > 0 {
		return limit.Constant(rc.QueueSize)
	}
	return nil
}

func (rc ResourceConfig) gradientConfig() limit.GradientConfig {
	cfg := limit.DefaultGradientConfig()
	overlayInt(&cfg.InitialLimit, rc.InitialLimit)
	overlayInt(&cfg.MinLimit, rc.MinLimit)
	overlayInt(&cfg.MaxLimit, rc.MaxLimit)
	overlayFloat(&cfg.Smoothing, rc.Smoothing)
	overlayFloat(&cfg.RTTTolerance, rc.RTTTolerance)
	if rc.ProbeInterval != 0 {
		cfg.ProbeInterval = rc.ProbeInterval
	}
	if qs := rc.queueSize(); qs != nil {
		cfg.QueueSize = qs
	}
	return cfg
}

func (rc ResourceConfig) gradient2Config() limit.Gradient2Config {
	cfg := limit.DefaultGradient2Config()
	overlayInt(&cfg.InitialLimit, rc.InitialLimit)
	overlayInt(&cfg.MinLimit, rc.MinLimit)
	overlayInt(&cfg.MaxLimit, rc.MaxLimit)
	overlayFloat(&cfg.Smoothing, rc.Smoothing)
	overlayFloat(&cfg.RTTTolerance, rc.RTTTolerance)
	overlayInt(&cfg.LongWindow, rc.LongWindow)
	if qs := rc.queueSize(); qs != nil {
		cfg.QueueSize = qs
	}
	return cfg
}

func (rc ResourceConfig) vegasConfig() limit.VegasConfig {
	cfg := limit.DefaultVegasConfig()
	overlayInt(&cfg.InitialLimit, rc.InitialLimit)
	overlayInt(&cfg.MaxLimit, rc.MaxLimit)
	overlayFloat(&cfg.Smoothing, rc.Smoothing)
	overlayInt(&cfg.ProbeMultiplier, rc.ProbeMultiplier)
	return cfg
}

func (rc ResourceConfig) windowConfig() limit.WindowConfig {
	cfg := limit.DefaultWindowConfig()
	w := rc.Window.WindowConfig
	if w.MinWindowTime > 0 {
		cfg.MinWindowTime = w.MinWindowTime
	}
	if w.MaxWindowTime > 0 {
		cfg.MaxWindowTime = w.MaxWindowTime
	}
	overlayInt(&cfg.WindowSize, w.WindowSize)
	if w.MinRTTThreshold > 0 {
		cfg.MinRTTThreshold = w.MinRTTThreshold
	}
	return cfg
}

func (rc ResourceConfig) partitionedConfig() PartitionedConfig {
	return PartitionedConfig{
		Partitions:           rc.Partitions,
		MaxDelayedGoroutines: rc.MaxDelayedGoroutines,
	}
}

func overlayInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func overlayFloat(dst *float64, v float64) {
	if v > 0 {
		*dst = v
	}
}
