package limit

import (
	"fmt"
	"math"
	"time"
)

// SampleWindow is an immutable aggregate of the samples in one window
type SampleWindow interface {
	// AddSample returns a new window including the sample
	AddSample(rtt time.Duration, inflight int, dropped bool) SampleWindow
	// CandidateRTT is the smallest RTT seen; ok is false for an empty window
	CandidateRTT() (rtt time.Duration, ok bool)
	// TrackedRTT is the RTT forwarded to the wrapped limit
	TrackedRTT() time.Duration
	MaxInFlight() int
	SampleCount() int
	Dropped() bool
}

// SampleWindowFactory creates empty windows
type SampleWindowFactory func() SampleWindow

// AverageSampleWindow tracks the average RTT of its samples
type AverageSampleWindow struct {
	minRTT      time.Duration
	sum         time.Duration
	maxInFlight int
	count       int
	dropped     bool
}

// NewAverageSampleWindow returns an empty window
func NewAverageSampleWindow() SampleWindow {
	return AverageSampleWindow{minRTT: math.MaxInt64}
}

func (w AverageSampleWindow) AddSample(rtt time.Duration, inflight int, dropped bool) SampleWindow {
	return AverageSampleWindow{
		minRTT:      min(w.minRTT, rtt),
		sum:         w.sum + rtt,
		maxInFlight: max(w.maxInFlight, inflight),
		count:       w.count + 1,
		dropped:     w.dropped || dropped,
	}
}

func (w AverageSampleWindow) CandidateRTT() (time.Duration, bool) {
	return w.minRTT, w.count > 0
}

func (w AverageSampleWindow) TrackedRTT() time.Duration {
	if w.count == 0 {
		return 0
	}
	return w.sum / time.Duration(w.count)
}

func (w AverageSampleWindow) MaxInFlight() int { return w.maxInFlight }
func (w AverageSampleWindow) SampleCount() int { return w.count }
func (w AverageSampleWindow) Dropped() bool    { return w.dropped }

func (w AverageSampleWindow) String() string {
	return fmt.Sprintf("AverageSampleWindow[min_rtt=%s, avg_rtt=%s, max_inflight=%d, count=%d, dropped=%t]",
		w.minRTT, w.TrackedRTT(), w.maxInFlight, w.count, w.dropped)
}
