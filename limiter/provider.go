package limiter

import (
	"fmt"

	"github.com/KOMKZ/go-yogan-concurrency/config"
	"github.com/KOMKZ/go-yogan-concurrency/logger"
	"github.com/KOMKZ/go-yogan-concurrency/metrics"
	"github.com/samber/do/v2"
)

// ProvideManager creates the Manager from the "limiter" config section
// Depends on: *config.Loader; optional: *logger.Manager, metrics.Registry
func ProvideManager(i do.Injector) (*Manager, error) {
	loader, err := do.Invoke[*config.Loader](i)
	if err != nil {
		return nil, fmt.Errorf("limiter requires a config loader: %w", err)
	}

	cfg, err := LoadConfig(loader)
	if err != nil {
		return nil, err
	}

	ctxLogger := logger.GetLogger("limiter")
	if mgr, err := do.Invoke[*logger.Manager](i); err == nil {
		ctxLogger = mgr.GetLogger("limiter")
	}

	registry := metrics.Empty()
	if r, err := do.Invoke[metrics.Registry](i); err == nil {
		registry = r
	}

	return NewManager(cfg, ctxLogger, registry)
}

// ProvideReporter creates a started Reporter when report_interval is set
// Depends on: *Manager; returns an error when reporting is not configured
func ProvideReporter(i do.Injector) (*Reporter, error) {
	manager, err := do.Invoke[*Manager](i)
	if err != nil {
		return nil, err
	}

	interval := manager.GetConfig().ReportInterval
	if !manager.IsEnabled() || interval <= 0 {
		return nil, fmt.Errorf("limiter reporting is not configured")
	}

	reporter, err := NewReporter(manager, interval, manager.logger)
	if err != nil {
		return nil, err
	}
	reporter.Start()
	return reporter, nil
}
