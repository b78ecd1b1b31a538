package limit

// Measurement is a running statistic over float64 samples
type Measurement interface {
	// Add folds sample in and returns the new value
	Add(sample float64) float64
	// Get returns the current value; ok is false before the first sample
	Get() (value float64, ok bool)
	Reset()
	// Update replaces the current value with fn(value); no-op while unset
	Update(fn func(float64) float64)
}

// MinimumMeasurement tracks the smallest sample since the last reset
type MinimumMeasurement struct {
	value float64
	set   bool
}

// NewMinimumMeasurement creates an unset minimum
func NewMinimumMeasurement() *MinimumMeasurement {
	return &MinimumMeasurement{}
}

func (m *MinimumMeasurement) Add(sample float64) float64 {
	if !m.set || sample < m.value {
		m.value = sample
		m.set = true
	}
	return m.value
}

func (m *MinimumMeasurement) Get() (float64, bool) {
	return m.value, m.set
}

func (m *MinimumMeasurement) Reset() {
	m.value = 0
	m.set = false
}

func (m *MinimumMeasurement) Update(fn func(float64) float64) {
	if m.set {
		m.value = fn(m.value)
	}
}

// ExpAvgMeasurement averages the first warmup samples, then smooths
// exponentially with factor 2/(window+1)
type ExpAvgMeasurement struct {
	window int
	warmup int
	count  int
	sum    float64
	value  float64
}

// NewExpAvgMeasurement creates an exponential average over window samples
func NewExpAvgMeasurement(window, warmup int) *ExpAvgMeasurement {
	return &ExpAvgMeasurement{window: window, warmup: warmup}
}

func (m *ExpAvgMeasurement) Add(sample float64) float64 {
	if m.count < m.warmup {
		m.count++
		m.sum += sample
		m.value = m.sum / float64(m.count)
		return m.value
	}

	// warmup 0 starts smoothing from the first sample
	if m.count == 0 {
		m.count = 1
		m.value = sample
		return m.value
	}

	factor := 2.0 / float64(m.window+1)
	m.value = m.value*(1-factor) + sample*factor
	return m.value
}

func (m *ExpAvgMeasurement) Get() (float64, bool) {
	return m.value, m.count > 0
}

func (m *ExpAvgMeasurement) Reset() {
	m.count = 0
	m.sum = 0
	m.value = 0
}

func (m *ExpAvgMeasurement) Update(fn func(float64) float64) {
	if m.count > 0 {
		m.value = fn(m.value)
	}
}
