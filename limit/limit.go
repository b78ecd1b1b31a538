// Package limit contains the concurrency limit estimators.
//
// A Limit turns completed-operation samples into a concurrency ceiling. Fixed
// and Settable ignore samples; Gradient, Gradient2 and Vegas adapt to latency.
// Windowed aggregates raw samples before they reach an estimator and Tracing
// logs every sample.
package limit

import (
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var (
	// ErrInvalidConfig is wrapped by every construction error
	ErrInvalidConfig = errors.New("limit: invalid config")

	// ErrInvalidSample is wrapped when a sample cannot be used (non-positive rtt for Vegas)
	ErrInvalidSample = errors.New("limit: invalid sample")
)

// Sample is one completed operation
type Sample struct {
	StartTime time.Time
	RTT       time.Duration
	InFlight  int // in-flight count when the operation was admitted
	Dropped   bool
}

// EndTime returns StartTime + RTT
func (s Sample) EndTime() time.Time {
	return s.StartTime.Add(s.RTT)
}

// Limit estimates the concurrency ceiling of a resource
//
// Limit is a lock-free read. Listeners run synchronously inside the update
// that changed the value and must not call back into the same Limit's
// NotifyOnChange.
type Limit interface {
	Limit() int
	NotifyOnChange(listener func(newLimit int))
	OnSample(sample Sample) error
}

// configError converts an ozzo-validation result into an ErrInvalidConfig error
func configError(kind string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, kind, err)
}

// toleranceRule rejects tolerances below 1.0
var toleranceRule = validation.Min(1.0).Error("must be >= 1.0")
