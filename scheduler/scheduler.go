// Package scheduler runs the periodic maintenance of the self-healing layer
// on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/use-agent/selfheal/adapt"
	"github.com/use-agent/selfheal/heal"
)

// Job names.
const (
	JobOptimize    = "optimize"
	JobRecalibrate = "recalibrate"
	JobPredict     = "predict"
	JobCleanup     = "cleanup"
	JobFlush       = "flush"
)

// Disabled turns a job off when used as its schedule.
const Disabled = "off"

// Config holds cron expressions (robfig syntax, descriptors allowed) and the
// cleanup thresholds.
type Config struct {
	Optimize             string `koanf:"optimize"`               // default: @every 5m
	Recalibrate          string `koanf:"recalibrate"`            // default: @every 30m
	Predict              string `koanf:"predict"`                // default: @every 15m
	Cleanup              string `koanf:"cleanup"`                // default: @daily
	Flush                string `koanf:"flush"`                  // default: @every 1m
	CleanupDays          int    `koanf:"cleanup_days"`           // default: 30
	CleanupMinConfidence int    `koanf:"cleanup_min_confidence"` // default: 20
}

// DefaultConfig returns the standard schedules.
func DefaultConfig() Config {
	return Config{
		Optimize:             "@every 5m",
		Recalibrate:          "@every 30m",
		Predict:              "@every 15m",
		Cleanup:              "@daily",
		Flush:                "@every 1m",
		CleanupDays:          30,
		CleanupMinConfidence: 20,
	}
}

// Optimizer re-ranks adaptation strategies.
type Optimizer interface {
	OptimizeStrategies() []adapt.StrategyScore
}

// Recalibrator recomputes healing weights.
type Recalibrator interface {
	RecalibrateStrategies() heal.Recalibration
}

// Predictor forecasts failures and alerts on them.
type Predictor interface {
	PredictFailures() []heal.Prediction
}

// Maintainer is the pattern memory housekeeping surface.
type Maintainer interface {
	Cleanup(daysToKeep, minConfidence int) int
	Flush(ctx context.Context) error
}

// Targets are the components jobs run against. Nil targets skip their job.
type Targets struct {
	Optimizer    Optimizer
	Recalibrator Recalibrator
	Predictor    Predictor
	Memory       Maintainer
}

type job struct {
	name string
	spec string
	run  func(ctx context.Context)
}

// Scheduler owns a cron instance. Runs of the same job never overlap.
type Scheduler struct {
	cron   *cron.Cron
	jobs   map[string]job
	ctx    context.Context
	cancel context.CancelFunc
}

// New validates every schedule and registers the jobs. Nothing runs until
// Start.
func New(cfg Config, t Targets) (*Scheduler, error) {
	def := DefaultConfig()
	pick := func(v, d string) string {
		if v == "" {
			return d
		}
		return v
	}
	if cfg.CleanupDays <= 0 {
		cfg.CleanupDays = def.CleanupDays
	}
	if cfg.CleanupMinConfidence <= 0 {
		cfg.CleanupMinConfidence = def.CleanupMinConfidence
	}

	var jobs []job
	if t.Optimizer != nil {
		jobs = append(jobs, job{JobOptimize, pick(cfg.Optimize, def.Optimize), func(context.Context) {
			scores := t.Optimizer.OptimizeStrategies()
			slog.Debug("scheduler: strategies optimized", "scored", len(scores))
		}})
	}
	if t.Recalibrator != nil {
		jobs = append(jobs, job{JobRecalibrate, pick(cfg.Recalibrate, def.Recalibrate), func(context.Context) {
			rc := t.Recalibrator.RecalibrateStrategies()
			slog.Debug("scheduler: recalibrated", "valid", rc.Valid, "issues", len(rc.Issues))
		}})
	}
	if t.Predictor != nil {
		jobs = append(jobs, job{JobPredict, pick(cfg.Predict, def.Predict), func(context.Context) {
			preds := t.Predictor.PredictFailures()
			slog.Debug("scheduler: predictions", "count", len(preds))
		}})
	}
	if t.Memory != nil {
		days, minConf := cfg.CleanupDays, cfg.CleanupMinConfidence
		jobs = append(jobs, job{JobCleanup, pick(cfg.Cleanup, def.Cleanup), func(context.Context) {
			n := t.Memory.Cleanup(days, minConf)
			slog.Info("scheduler: pattern cleanup", "removed", n, "days", days, "min_confidence", minConf)
		}})
		jobs = append(jobs, job{JobFlush, pick(cfg.Flush, def.Flush), func(ctx context.Context) {
			fctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := t.Memory.Flush(fctx); err != nil {
				slog.Warn("scheduler: memory flush failed", "error", err)
			}
		}})
	}

	logger := slogLogger{}
	s := &Scheduler{
		cron: cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		jobs: make(map[string]job, len(jobs)),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, j := range jobs {
		s.jobs[j.name] = j
		if j.spec == Disabled {
			continue
		}
		run := j.run
		if _, err := s.cron.AddFunc(j.spec, func() { run(s.ctx) }); err != nil {
			s.cancel()
			return nil, fmt.Errorf("scheduler: job %s: bad schedule %q: %w", j.name, j.spec, err)
		}
	}
	return s, nil
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler: started", "jobs", s.Jobs())
}

// Stop halts scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		slog.Info("scheduler: stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}
}

// RunNow runs the named job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	j.run(ctx)
	return nil
}

// Jobs lists the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// slogLogger routes cron's own messages through slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, kv ...any) {
	slog.Debug("scheduler: cron "+msg, kv...)
}

func (slogLogger) Error(err error, msg string, kv ...any) {
	slog.Error("scheduler: cron "+msg, append(kv, "error", err)...)
}
