package limit

import "fmt"

// Fixed never changes
type Fixed struct {
	base
}

// NewFixed creates a limit pinned to value
func NewFixed(value int) *Fixed {
	f := &Fixed{}
	f.init(value)
	return f
}

// OnSample ignores the sample
func (f *Fixed) OnSample(Sample) error {
	return nil
}

func (f *Fixed) String() string {
	return fmt.Sprintf("Fixed[limit=%d]", f.Limit())
}

// Settable ignores samples but can be changed from outside
type Settable struct {
	base
}

// NewSettable creates a settable limit starting at value
func NewSettable(value int) *Settable {
	s := &Settable{}
	s.init(value)
	return s
}

// OnSample ignores the sample
func (s *Settable) OnSample(Sample) error {
	return nil
}

// SetLimit publishes value, notifying listeners when it differs
func (s *Settable) SetLimit(value int) {
	_ = s.update(func() (int, error) {
		return value, nil
	})
}

func (s *Settable) String() string {
	return fmt.Sprintf("Settable[limit=%d]", s.Limit())
}
