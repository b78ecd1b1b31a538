package limit

import (
	"sync"
	"sync/atomic"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// WindowConfig configures Windowed
type WindowConfig struct {
	MinWindowTime time.Duration `mapstructure:"min_window_time"`
	MaxWindowTime time.Duration `mapstructure:"max_window_time"`
	// WindowSize is the minimum number of samples for a window to be forwarded
	WindowSize int `mapstructure:"window_size"`
	// MinRTTThreshold drops faster samples (cache hits and the like)
	MinRTTThreshold time.Duration `mapstructure:"min_rtt_threshold"`
}

// DefaultWindowConfig returns the default window configuration
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		MinWindowTime:   time.Second,
		MaxWindowTime:   time.Second,
		WindowSize:      10,
		MinRTTThreshold: 100 * time.Microsecond,
	}
}

// Validate checks the configuration
func (c WindowConfig) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.MinWindowTime, validation.Required, validation.Min(100*time.Millisecond)),
		validation.Field(&c.MaxWindowTime, validation.Required, validation.Min(100*time.Millisecond), validation.Min(c.MinWindowTime)),
		validation.Field(&c.WindowSize, validation.Required, validation.Min(10)),
		validation.Field(&c.MinRTTThreshold, validation.Min(time.Duration(0))),
	)
	return configError("window", err)
}

// Windowed aggregates samples into time windows before they reach the wrapped limit
//
// The window length adapts to twice the smallest RTT seen in the previous
// window, clamped to [MinWindowTime, MaxWindowTime]. A window is forwarded as
// one sample (average RTT, max in-flight, any drop) only if it collected at
// least WindowSize samples.
type Windowed struct {
	delegate Limit
	cfg      WindowConfig
	factory  SampleWindowFactory

	window     atomic.Pointer[SampleWindow]
	nextUpdate atomic.Int64 // unix nanos of the next window boundary
	mu         sync.Mutex
}

// NewWindowed wraps delegate; a nil factory uses NewAverageSampleWindow
func NewWindowed(delegate Limit, cfg WindowConfig, factory SampleWindowFactory) (*Windowed, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		factory = NewAverageSampleWindow
	}

	w := &Windowed{delegate: delegate, cfg: cfg, factory: factory}
	empty := factory()
	w.window.Store(&empty)
	return w, nil
}

// Limit returns the wrapped limit's value
func (w *Windowed) Limit() int {
	return w.delegate.Limit()
}

// NotifyOnChange registers on the wrapped limit
func (w *Windowed) NotifyOnChange(listener func(newLimit int)) {
	w.delegate.NotifyOnChange(listener)
}

// OnSample folds the sample into the current window and forwards the window
// when the sample ends past the window boundary
func (w *Windowed) OnSample(sample Sample) error {
	if sample.RTT < w.cfg.MinRTTThreshold {
		return nil
	}

	for {
		current := w.window.Load()
		next := (*current).AddSample(sample.RTT, sample.InFlight, sample.Dropped)
		if w.window.CompareAndSwap(current, &next) {
			break
		}
	}

	endTime := sample.EndTime().UnixNano()
	if endTime <= w.nextUpdate.Load() {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if endTime <= w.nextUpdate.Load() {
		return nil
	}

	empty := w.factory()
	closed := *w.window.Swap(&empty)
	w.nextUpdate.Store(endTime + int64(w.windowLength(closed)))

	if !w.ready(closed) {
		return nil
	}

	return w.delegate.OnSample(Sample{
		StartTime: sample.StartTime,
		RTT:       closed.TrackedRTT(),
		InFlight:  closed.MaxInFlight(),
		Dropped:   closed.Dropped(),
	})
}

func (w *Windowed) windowLength(closed SampleWindow) time.Duration {
	candidate, ok := closed.CandidateRTT()
	if !ok {
		return w.cfg.MinWindowTime
	}
	return min(max(2*candidate, w.cfg.MinWindowTime), w.cfg.MaxWindowTime)
}

func (w *Windowed) ready(closed SampleWindow) bool {
	_, ok := closed.CandidateRTT()
	return ok && closed.SampleCount() >= w.cfg.WindowSize
}
