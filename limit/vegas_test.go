package limit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVegas(t *testing.T, mutate func(*VegasConfig)) *Vegas {
	t.Helper()
	cfg := DefaultVegasConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	v, err := NewVegas(cfg, testOptions()...)
	require.NoError(t, err)
	return v
}

func TestVegas_LowInflightKeepsLimit(t *testing.T) {
	v := newTestVegas(t, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, v.OnSample(Sample{RTT: 10 * time.Millisecond, InFlight: 5}))
		assert.Equal(t, 20, v.Limit())
	}
}

func TestVegas_IncreaseAndDecrease(t *testing.T) {
	v := newTestVegas(t, nil)

	// first sample only sets the baseline
	require.NoError(t, v.OnSample(Sample{RTT: 10 * time.Millisecond, InFlight: 20}))
	require.Equal(t, 20, v.Limit())

	// no queueing: grow by beta = 6*log10(20)
	require.NoError(t, v.OnSample(Sample{RTT: 10 * time.Millisecond, InFlight: 20}))
	assert.Equal(t, 26, v.Limit())

	// queue of ceil(26*0.9) = 24 > beta: shrink by log10(26)
	require.NoError(t, v.OnSample(Sample{RTT: 100 * time.Millisecond, InFlight: 26}))
	assert.Equal(t, 25, v.Limit())

	require.NoError(t, v.OnSample(Sample{RTT: 10 * time.Millisecond, InFlight: 25, Dropped: true}))
	assert.Equal(t, 24, v.Limit())
}

func TestVegas_NewMinimumOnlyUpdatesBaseline(t *testing.T) {
	v := newTestVegas(t, nil)

	require.NoError(t, v.OnSample(Sample{RTT: 10 * time.Millisecond, InFlight: 20}))
	require.NoError(t, v.OnSample(Sample{RTT: 5 * time.Millisecond, InFlight: 20, Dropped: true}))

	assert.Equal(t, 20, v.Limit())
	assert.Equal(t, 5*time.Millisecond, v.RTTNoLoad())
}

func TestVegas_Probe(t *testing.T) {
	// jitter 0.5, multiplier 1, limit 20: probe on the 10th sample
	v := newTestVegas(t, func(c *VegasConfig) { c.ProbeMultiplier = 1 })

	for i := 0; i < 9; i++ {
		require.NoError(t, v.OnSample(Sample{RTT: 10 * time.Millisecond, InFlight: 1}))
	}
	require.Equal(t, 10*time.Millisecond, v.RTTNoLoad())

	require.NoError(t, v.OnSample(Sample{RTT: 50 * time.Millisecond, InFlight: 1}))
	assert.Equal(t, 50*time.Millisecond, v.RTTNoLoad(), "probe replaces the baseline even if higher")
	assert.Equal(t, 20, v.Limit())
}

func TestVegas_Smoothing(t *testing.T) {
	v := newTestVegas(t, func(c *VegasConfig) { c.Smoothing = 0.5 })

	require.NoError(t, v.OnSample(Sample{RTT: 10 * time.Millisecond, InFlight: 20}))
	require.NoError(t, v.OnSample(Sample{RTT: 10 * time.Millisecond, InFlight: 20}))

	// halfway from 20 to 26
	assert.Equal(t, 23, v.Limit())
}

func TestVegas_RejectsNonPositiveRTT(t *testing.T) {
	v := newTestVegas(t, nil)

	err := v.OnSample(Sample{RTT: 0, InFlight: 20})
	assert.ErrorIs(t, err, ErrInvalidSample)

	err = v.OnSample(Sample{RTT: -time.Millisecond, InFlight: 20})
	assert.ErrorIs(t, err, ErrInvalidSample)
	assert.Equal(t, 20, v.Limit())
}

func TestVegasConfig_Validate(t *testing.T) {
	cfg := DefaultVegasConfig()
	cfg.InitialLimit = 2000
	_, err := NewVegas(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = DefaultVegasConfig()
	cfg.Alpha = nil
	cfg.Decrease = nil
	v, err := NewVegas(cfg, testOptions()...)
	require.NoError(t, err)
	assert.Contains(t, v.String(), "limit=20")
}
