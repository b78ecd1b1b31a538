package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/KOMKZ/go-yogan-concurrency/logger"
	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Reporter periodically logs the state of every limiter a Manager built
type Reporter struct {
	manager   *Manager
	interval  time.Duration
	scheduler gocron.Scheduler
	logger    *logger.CtxZapLogger
}

// NewReporter schedules a report every interval; call Start to begin
func NewReporter(manager *Manager, interval time.Duration, ctxLogger *logger.CtxZapLogger) (*Reporter, error) {
	if interval <= 0 {
		return nil, &ValidationError{Field: "report_interval", Message: "must be > 0"}
	}
	if ctxLogger == nil {
		ctxLogger = logger.GetLogger("limiter")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	r := &Reporter{
		manager:   manager,
		interval:  interval,
		scheduler: scheduler,
		logger:    ctxLogger,
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(r.Report, context.Background()),
		gocron.WithName("limiter-report"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("schedule report: %w", err)
	}
	return r, nil
}

// Start begins reporting
func (r *Reporter) Start() {
	r.scheduler.Start()
	r.logger.Debug("limiter reporter started", zap.Duration("interval", r.interval))
}

// Report logs one line per resource
func (r *Reporter) Report(ctx context.Context) {
	for _, s := range r.manager.Snapshots() {
		fields := []zap.Field{
			zap.String("resource", s.Resource),
			zap.String("algorithm", s.Algorithm),
			zap.Int("limit", s.Limit),
			zap.Int("inflight", s.InFlight),
			zap.Int64("acquired", s.Acquired),
			zap.Int64("rejected", s.Rejected),
		}
		if s.Backlog > 0 {
			fields = append(fields, zap.Int("backlog", s.Backlog))
		}
		if s.Timeouts > 0 {
			fields = append(fields, zap.Int64("timeouts", s.Timeouts))
		}
		for name, p := range s.Partitions {
			fields = append(fields, zap.Dict("partition."+name,
				zap.Int("limit", p.Limit),
				zap.Int("busy", p.Busy)))
		}
		r.logger.InfoCtx(ctx, "limiter state", fields...)
	}
}

// Shutdown stops the scheduler and waits for a running report
func (r *Reporter) Shutdown() error {
	return r.scheduler.Shutdown()
}
