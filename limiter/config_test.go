package limiter

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KOMKZ/go-yogan-concurrency/config"
	"github.com/KOMKZ/go-yogan-concurrency/limit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 500, cfg.EventBusBuffer)
	assert.Equal(t, AlgorithmVegas, cfg.Default.Algorithm)
	assert.Equal(t, BlockingNone, cfg.Default.Blocking)
	assert.NotNil(t, cfg.Resources)
}

func TestConfig_ValidateSkipsWhenDisabled(t *testing.T) {
	cfg := Config{Default: ResourceConfig{Algorithm: "token_bucket"}}
	assert.NoError(t, cfg.Validate())
}

func TestConfig_ValidateMergesResources(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.EventBusBuffer = 0
	cfg.Default.MaxLimit = 300
	cfg.Resources["orders"] = ResourceConfig{Algorithm: AlgorithmGradient, InitialLimit: 40}

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 500, cfg.EventBusBuffer)

	merged := cfg.Resources["orders"]
	assert.Equal(t, AlgorithmGradient, merged.Algorithm)
	assert.Equal(t, 40, merged.InitialLimit)
	assert.Equal(t, 300, merged.MaxLimit)
	assert.Equal(t, BlockingNone, merged.Blocking)

	assert.Equal(t, merged, cfg.GetResourceConfig("orders"))
	assert.Equal(t, cfg.Default, cfg.GetResourceConfig("missing"))
}

func TestResourceConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ResourceConfig
		wantErr bool
	}{
		{"vegas defaults", ResourceConfig{Algorithm: AlgorithmVegas}, false},
		{"gradient defaults", ResourceConfig{Algorithm: AlgorithmGradient}, false},
		{"gradient2 defaults", ResourceConfig{Algorithm: AlgorithmGradient2}, false},
		{"fixed", ResourceConfig{Algorithm: AlgorithmFixed, InitialLimit: 10}, false},
		{"missing algorithm", ResourceConfig{}, true},
		{"unknown algorithm", ResourceConfig{Algorithm: "token_bucket"}, true},
		{"fixed without limit", ResourceConfig{Algorithm: AlgorithmFixed}, true},
		{"tolerance below one", ResourceConfig{Algorithm: AlgorithmGradient, RTTTolerance: 0.5}, true},
		{"initial above max", ResourceConfig{Algorithm: AlgorithmVegas, InitialLimit: 50, MaxLimit: 10}, true},
		{"unknown blocking", ResourceConfig{Algorithm: AlgorithmVegas, Blocking: "fifo"}, true},
		{"timeout above cap", ResourceConfig{Algorithm: AlgorithmVegas, Blocking: BlockingBroadcast, Timeout: 2 * time.Hour}, true},
		{"window too short", ResourceConfig{
			Algorithm: AlgorithmVegas,
			Window:    WindowConfig{Enabled: true, WindowConfig: limit.WindowConfig{MinWindowTime: 10 * time.Millisecond}},
		}, true},
		{"window defaults", ResourceConfig{Algorithm: AlgorithmVegas, Window: WindowConfig{Enabled: true}}, false},
		{"shares above one", ResourceConfig{
			Algorithm:  AlgorithmVegas,
			Partitions: []PartitionConfig{{Name: "a", Share: 0.7}, {Name: "b", Share: 0.7}},
		}, true},
		{"lifo with reject delay", ResourceConfig{
			Algorithm:  AlgorithmVegas,
			Blocking:   BlockingLifo,
			Partitions: []PartitionConfig{{Name: "a", Share: 0.5, RejectDelay: time.Millisecond}},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), err.Error())
		})
	}
}

func TestConfig_ValidateReportsResource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Resources["search"] = ResourceConfig{Algorithm: AlgorithmFixed}

	err := cfg.Validate()
	require.Error(t, err)

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "search", ve.Resource)
	assert.Contains(t, err.Error(), "resource 'search'")
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestResourceConfig_Merge(t *testing.T) {
	base := ResourceConfig{
		Algorithm:    AlgorithmGradient,
		InitialLimit: 10,
		MaxLimit:     100,
		Blocking:     BlockingNone,
		Partitions:   []PartitionConfig{{Name: "a", Share: 1}},
	}
	merged := base.Merge(ResourceConfig{
		MaxLimit:      200,
		ProbeInterval: limit.DisableProbe,
		Blocking:      BlockingLifo,
		Tracing:       true,
	})

	assert.Equal(t, AlgorithmGradient, merged.Algorithm)
	assert.Equal(t, 10, merged.InitialLimit)
	assert.Equal(t, 200, merged.MaxLimit)
	assert.Equal(t, limit.DisableProbe, merged.ProbeInterval)
	assert.Equal(t, BlockingLifo, merged.Blocking)
	assert.True(t, merged.Tracing)
	assert.Len(t, merged.Partitions, 1)
}

func TestResourceConfig_AlgorithmConfigs(t *testing.T) {
	rc := ResourceConfig{InitialLimit: 30, MinLimit: 5, MaxLimit: 90, Smoothing: 0.5, QueueSize: 3, LongWindow: 100, ProbeMultiplier: 7}

	g := rc.gradientConfig()
	assert.Equal(t, 30, g.InitialLimit)
	assert.Equal(t, 5, g.MinLimit)
	assert.Equal(t, 90, g.MaxLimit)
	assert.Equal(t, 0.5, g.Smoothing)
	assert.Equal(t, 2.0, g.RTTTolerance)
	assert.Equal(t, 3, g.QueueSize(1000))

	g2 := rc.gradient2Config()
	assert.Equal(t, 100, g2.LongWindow)
	assert.Equal(t, 1.5, g2.RTTTolerance)

	v := rc.vegasConfig()
	assert.Equal(t, 7, v.ProbeMultiplier)
	assert.Equal(t, 90, v.MaxLimit)

	w := ResourceConfig{Window: WindowConfig{Enabled: true, WindowConfig: limit.WindowConfig{WindowSize: 50}}}.windowConfig()
	assert.Equal(t, 50, w.WindowSize)
	assert.Equal(t, time.Second, w.MinWindowTime)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
limiter:
  enabled: true
  report_interval: 30s
  default:
    algorithm: gradient2
    max_limit: 400
  resources:
    checkout:
      algorithm: fixed
      initial_limit: 12
      blocking: lifo
      max_backlog: 20
      backlog_timeout: 200ms
    search:
      window:
        enabled: true
        window_size: 25
      partitions:
        - name: live
          share: 0.8
        - name: batch
          share: 0.2
          reject_delay: 5ms
`), 0o644))

	loader, err := config.NewLoaderBuilder().WithConfigPath(dir).Build()
	require.NoError(t, err)

	cfg, err := LoadConfig(loader)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Enabled)
	assert.Equal(t, 30*time.Second, cfg.ReportInterval)
	assert.Equal(t, AlgorithmGradient2, cfg.Default.Algorithm)

	checkout := cfg.Resources["checkout"]
	assert.Equal(t, AlgorithmFixed, checkout.Algorithm)
	assert.Equal(t, 12, checkout.InitialLimit)
	assert.Equal(t, BlockingLifo, checkout.Blocking)
	assert.Equal(t, 200*time.Millisecond, checkout.BacklogTimeout)

	search := cfg.Resources["search"]
	assert.Equal(t, AlgorithmGradient2, search.Algorithm)
	assert.Equal(t, 400, search.MaxLimit)
	assert.True(t, search.Window.Enabled)
	assert.Equal(t, 25, search.Window.WindowSize)
	require.Len(t, search.Partitions, 2)
	assert.Equal(t, 5*time.Millisecond, search.Partitions[1].RejectDelay)
}
