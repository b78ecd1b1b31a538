package main

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/KOMKZ/go-yogan-concurrency/config"
	"github.com/KOMKZ/go-yogan-concurrency/limiter"
	"github.com/KOMKZ/go-yogan-concurrency/logger"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const resource = "backend"

type runOptions struct {
	configPath  string
	algorithm   string
	clients     int
	capacity    int
	baseLatency time.Duration
	duration    time.Duration
	interval    time.Duration
	window      bool
}

type runStats struct {
	admitted atomic.Int64
	rejected atomic.Int64
	dropped  atomic.Int64
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run clients against the simulated backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "directory holding config.yaml with logger and limiter sections (resource \"backend\")")
	flags.StringVar(&opts.algorithm, "algorithm", limiter.AlgorithmVegas, "vegas, gradient or gradient2")
	flags.IntVar(&opts.clients, "clients", 50, "concurrent clients")
	flags.IntVar(&opts.capacity, "capacity", 20, "calls the backend serves at base latency")
	flags.DurationVar(&opts.baseLatency, "base-latency", 10*time.Millisecond, "backend latency under capacity")
	flags.DurationVar(&opts.duration, "duration", 5*time.Second, "simulation length")
	flags.DurationVar(&opts.interval, "interval", 500*time.Millisecond, "how often the limit is printed")
	flags.BoolVar(&opts.window, "window", false, "aggregate samples in windows before the algorithm sees them")
	return cmd
}

// fileConfig is the layout of config.yaml
type fileConfig struct {
	Logger  logger.ManagerConfig `mapstructure:"logger"`
	Limiter limiter.Config       `mapstructure:"limiter"`
}

// loadFileConfig reads the logger and limiter sections and validates both
func loadFileConfig(path string) (fileConfig, error) {
	loader, err := config.NewLoaderBuilder().
		WithConfigPath(path).
		WithEnvPrefix("LIMITSIM").
		Build()
	if err != nil {
		return fileConfig{}, err
	}

	cfg := fileConfig{
		Logger:  logger.DefaultManagerConfig(),
		Limiter: limiter.DefaultConfig(),
	}
	if err := loader.Unmarshal(&cfg); err != nil {
		return fileConfig{}, err
	}
	cfg.Logger.ApplyDefaults()
	cfg.Limiter.Enabled = true

	if err := config.ValidateAll(cfg.Logger, &cfg.Limiter); err != nil {
		return fileConfig{}, err
	}
	return cfg, nil
}

// limiterConfig reads config.yaml when a config directory is given,
// otherwise builds one resource from the flags
func limiterConfig(opts runOptions) (limiter.Config, error) {
	if opts.configPath != "" {
		cfg, err := loadFileConfig(opts.configPath)
		if err != nil {
			return limiter.Config{}, err
		}
		logger.InitManager(cfg.Logger)
		if err := logger.ReloadConfig(cfg.Logger); err != nil {
			return limiter.Config{}, err
		}
		return cfg.Limiter, nil
	}

	cfg := limiter.DefaultConfig()
	cfg.Enabled = true
	cfg.Resources[resource] = limiter.ResourceConfig{
		Algorithm: opts.algorithm,
		Window:    limiter.WindowConfig{Enabled: opts.window},
	}
	return cfg, nil
}

func runSimulation(ctx context.Context, out io.Writer, opts runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.clients <= 0 || opts.duration <= 0 || opts.interval <= 0 {
		return fmt.Errorf("clients, duration and interval must be positive")
	}

	cfg, err := limiterConfig(opts)
	if err != nil {
		return err
	}
	manager, err := limiter.NewManager(cfg, logger.GetLogger("limitsim"), nil)
	if err != nil {
		return err
	}
	defer manager.Close()

	lim, err := manager.Limiter(resource)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	b := newBackend(opts.capacity, opts.baseLatency)
	stats := &runStats{}
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.clients; i++ {
		g.Go(func() error {
			return client(ctx, lim, b, stats)
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s, _ := manager.Snapshot(resource)
				fmt.Fprintf(out, "t=%-6s limit=%-4d inflight=%-4d backend=%d\n",
					time.Since(start).Truncate(time.Millisecond), s.Limit, s.InFlight, b.inflight.Load())
			}
		}
	})
	if err := g.Wait(); err != nil {
		return err
	}

	s, _ := manager.Snapshot(resource)
	fmt.Fprintf(out, "final limit=%d admitted=%d rejected=%d dropped=%d\n",
		s.Limit, stats.admitted.Load(), stats.rejected.Load(), stats.dropped.Load())
	return nil
}

func client(ctx context.Context, lim limiter.Limiter, b *backend, stats *runStats) error {
	for ctx.Err() == nil {
		token, ok := lim.Acquire(ctx)
		if !ok {
			stats.rejected.Add(1)
			pause(ctx, time.Millisecond)
			continue
		}
		stats.admitted.Add(1)

		overloaded, err := b.call(ctx)
		switch {
		case err != nil:
			token.OnIgnore()
		case overloaded:
			stats.dropped.Add(1)
			token.OnDropped()
		default:
			token.OnSuccess()
		}
	}
	return nil
}

func pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
