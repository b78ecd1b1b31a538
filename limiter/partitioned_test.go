package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KOMKZ/go-yogan-concurrency/limit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPartitioned(t *testing.T, l limit.Limit, partitions ...PartitionConfig) *Partitioned {
	t.Helper()
	p, err := NewPartitioned(PartitionedConfig{Partitions: partitions}, testLimiterOptions(l)...)
	require.NoError(t, err)
	return p
}

func acquireN(t *testing.T, l Limiter, ctx context.Context, n int) []Token {
	t.Helper()
	tokens := make([]Token, 0, n)
	for i := 0; i < n; i++ {
		tok, ok := l.Acquire(ctx)
		require.True(t, ok, "acquire %d of %d", i+1, n)
		tokens = append(tokens, tok)
	}
	return tokens
}

func TestPartitioned_SharesOfTen(t *testing.T) {
	p := newTestPartitioned(t, limit.NewFixed(10),
		PartitionConfig{Name: "a", Share: 0.6},
		PartitionConfig{Name: "b", Share: 0.4},
	)

	assert.Equal(t, 6, p.PartitionLimit("a"))
	assert.Equal(t, 4, p.PartitionLimit("b"))
	assert.Equal(t, 0, p.PartitionLimit(UnknownPartition))
	assert.Equal(t, []string{"a", "b"}, p.Partitions())

	ctxA := WithPartition(context.Background(), "a")
	ctxB := WithPartition(context.Background(), "b")

	// the full limit is reserved, so unknown traffic never gets in
	_, ok := p.Acquire(context.Background())
	assert.False(t, ok)
	_, ok = p.Acquire(WithPartition(context.Background(), "other"))
	assert.False(t, ok)

	acquireN(t, p, ctxA, 6)
	_, ok = p.Acquire(ctxA)
	assert.False(t, ok)

	tokens := acquireN(t, p, ctxB, 4)
	_, ok = p.Acquire(ctxB)
	assert.False(t, ok)
	assert.Equal(t, 10, p.InFlight())

	tokens[0].OnSuccess()
	assert.Equal(t, 3, p.PartitionBusy("b"))
	_, ok = p.Acquire(ctxB)
	assert.True(t, ok)
}

func TestPartitioned_UnknownGetsUnreservedCapacity(t *testing.T) {
	p := newTestPartitioned(t, limit.NewFixed(10), PartitionConfig{Name: "a", Share: 0.5})
	assert.Equal(t, 5, p.PartitionLimit(UnknownPartition))

	ctx := context.Background()
	acquireN(t, p, ctx, 5)
	_, ok := p.Acquire(ctx)
	assert.False(t, ok)
	assert.Equal(t, 5, p.PartitionBusy(UnknownPartition))
}

func TestPartitioned_RecomputesOnLimitChange(t *testing.T) {
	settable := limit.NewSettable(10)
	p := newTestPartitioned(t, settable,
		PartitionConfig{Name: "a", Share: 0.33},
		PartitionConfig{Name: "b", Share: 0.1},
	)
	assert.Equal(t, 4, p.PartitionLimit("a"))
	assert.Equal(t, 1, p.PartitionLimit("b"))

	settable.SetLimit(100)
	assert.Equal(t, 33, p.PartitionLimit("a"))
	assert.Equal(t, 10, p.PartitionLimit("b"))
	assert.Equal(t, 57, p.PartitionLimit(UnknownPartition))

	settable.SetLimit(1)
	assert.Equal(t, 1, p.PartitionLimit("a"))
	assert.Equal(t, 1, p.PartitionLimit("b"))
	assert.Equal(t, 0, p.PartitionLimit(UnknownPartition))
}

func TestPartitioned_GlobalLimitStillApplies(t *testing.T) {
	// ceil(3*0.5) = 2 per partition, 4 in total against a global limit of 3
	p := newTestPartitioned(t, limit.NewFixed(3),
		PartitionConfig{Name: "a", Share: 0.5},
		PartitionConfig{Name: "b", Share: 0.5},
	)
	ctxA := WithPartition(context.Background(), "a")
	ctxB := WithPartition(context.Background(), "b")

	acquireN(t, p, ctxA, 2)
	acquireN(t, p, ctxB, 1)
	_, ok := p.Acquire(ctxB)
	assert.False(t, ok)
	assert.Equal(t, 1, p.PartitionBusy("b"))
}

func TestPartitioned_ResolverChain(t *testing.T) {
	p, err := NewPartitioned(PartitionedConfig{
		Partitions: []PartitionConfig{{Name: "batch", Share: 0.5}, {Name: "live", Share: 0.5}},
		Resolvers: []PartitionResolver{
			func(context.Context) string { return "nope" },
			func(context.Context) string { return "" },
			func(context.Context) string { return "live" },
			func(context.Context) string { return "batch" },
		},
	}, testLimiterOptions(limit.NewFixed(4))...)
	require.NoError(t, err)

	_, ok := p.Acquire(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, p.PartitionBusy("live"))
	assert.Equal(t, 0, p.PartitionBusy("batch"))
}

func TestPartitioned_RejectDelay(t *testing.T) {
	p := newTestPartitioned(t, limit.NewFixed(1),
		PartitionConfig{Name: "a", Share: 1, RejectDelay: 50 * time.Millisecond})
	ctx := WithPartition(context.Background(), "a")
	acquireN(t, p, ctx, 1)

	start := time.Now()
	_, ok := p.Acquire(ctx)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	start = time.Now()
	_, ok = p.Acquire(cancelled)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestPartitioned_RejectDelayIsCapped(t *testing.T) {
	p, err := NewPartitioned(PartitionedConfig{
		Partitions:           []PartitionConfig{{Name: "a", Share: 1, RejectDelay: time.Hour}},
		MaxDelayedGoroutines: 1,
	}, testLimiterOptions(limit.NewFixed(1))...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(WithPartition(context.Background(), "a"))
	acquireN(t, p, ctx, 1)

	sleeping := make(chan struct{})
	go func() {
		defer close(sleeping)
		p.Acquire(ctx)
	}()
	require.Eventually(t, func() bool { return p.delayed.Load() == 1 }, time.Second, time.Millisecond)

	// the only backoff slot is taken, so this caller is rejected at once
	start := time.Now()
	_, ok := p.Acquire(ctx)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)

	cancel()
	<-sleeping
	assert.Equal(t, int64(0), p.delayed.Load())
}

func TestPartitionedConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  PartitionedConfig
	}{
		{"no partitions", PartitionedConfig{}},
		{"empty name", PartitionedConfig{Partitions: []PartitionConfig{{Share: 0.5}}}},
		{"duplicate", PartitionedConfig{Partitions: []PartitionConfig{{Name: "a", Share: 0.2}, {Name: "a", Share: 0.2}}}},
		{"share above one", PartitionedConfig{Partitions: []PartitionConfig{{Name: "a", Share: 1.5}}}},
		{"negative share", PartitionedConfig{Partitions: []PartitionConfig{{Name: "a", Share: -0.1}}}},
		{"sum above one", PartitionedConfig{Partitions: []PartitionConfig{{Name: "a", Share: 0.6}, {Name: "b", Share: 0.5}}}},
		{"reserved name", PartitionedConfig{Partitions: []PartitionConfig{{Name: UnknownPartition, Share: 0.5}}}},
		{"negative delayed", PartitionedConfig{Partitions: []PartitionConfig{{Name: "a", Share: 0.5}}, MaxDelayedGoroutines: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPartitioned(tt.cfg, testLimiterOptions(limit.NewFixed(10))...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}

	ok := PartitionedConfig{Partitions: []PartitionConfig{
		{Name: "a", Share: 0.1}, {Name: "b", Share: 0.2}, {Name: "c", Share: 0.7},
	}}
	assert.NoError(t, ok.Validate())
}
