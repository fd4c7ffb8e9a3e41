package cli

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"pipeweave/internal/logging"
	"pipeweave/internal/metrics"
	"pipeweave/internal/pipeline"
)

// runtime is everything a command needs once flags and configuration are
// resolved.
type runtime struct {
	inv      Invocation
	cfg      *pipeline.Config
	log      *zap.Logger
	closeLog func() error
	metrics  *metrics.Metrics
}

// newRuntime loads the configuration, applies flag overrides and builds the
// logger. Flags set explicitly win over the file.
func (a *app) newRuntime(changed func(string) bool) (*runtime, error) {
	inv, err := a.flags.canonicalize()
	if err != nil {
		return nil, err
	}
	cfg, err := pipeline.LoadConfig(inv.ConfigPath, inv.WorkDir)
	if err != nil {
		return nil, err
	}
	if changed("jobs") {
		if inv.Jobs < 1 {
			return nil, invalidInvocationf("--jobs must be at least 1 (got %d)", inv.Jobs)
		}
		cfg.Jobs = inv.Jobs
	}
	if changed("log-level") {
		if _, err := logging.ParseLevel(inv.LogLevel); err != nil {
			return nil, invalidInvocationf("--log-level: %v", err)
		}
		cfg.Log.Level = inv.LogLevel
	}
	if inv.MetricsFile != "" {
		cfg.MetricsFile = inv.MetricsFile
	}

	log, closeLog, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		File:    cfg.Abs(cfg.Log.File),
		Console: a.stderr,
	})
	if err != nil {
		return nil, &pipeline.ConfigError{Path: inv.ConfigPath, Err: err}
	}
	log.Debug("configuration loaded",
		zap.String("config", inv.ConfigPath),
		zap.String("workdir", inv.WorkDir),
		zap.Int("jobs", cfg.Jobs),
		zap.String("ledger", cfg.LedgerPath()))

	return &runtime{
		inv:      inv,
		cfg:      cfg,
		log:      log,
		closeLog: closeLog,
		metrics:  metrics.New(),
	}, nil
}

// open runs discovery and loads the pipeline.
func (rt *runtime) open(ctx context.Context) (*pipeline.Session, error) {
	return pipeline.Open(ctx, rt.cfg, pipeline.SessionOptions{
		Logger:         rt.log,
		ActionObserver: rt.metrics,
	})
}

// flush writes the metrics file, when configured.
func (rt *runtime) flush() error {
	if rt.cfg.MetricsFile == "" {
		return nil
	}
	if err := rt.metrics.WriteFile(rt.cfg.Abs(rt.cfg.MetricsFile)); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

func (rt *runtime) Close() error {
	return multierr.Combine(rt.flush(), rt.closeLog())
}
