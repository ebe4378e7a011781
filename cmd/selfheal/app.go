package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/use-agent/selfheal/adapt"
	"github.com/use-agent/selfheal/cache"
	"github.com/use-agent/selfheal/config"
	"github.com/use-agent/selfheal/heal"
	"github.com/use-agent/selfheal/memory"
	"github.com/use-agent/selfheal/pipeline"
	"github.com/use-agent/selfheal/webhook"
)

// app is the wired self-healing layer.
type app struct {
	mem       *memory.Memory
	engine    *adapt.Engine
	healer    *heal.Healer
	pipeline  *pipeline.Pipeline
	selectors *cache.Cache[string]
	notifier  *webhook.Notifier
}

// openStore returns the configured durable store, or nil for "none".
func openStore(ctx context.Context, cfg config.MemoryConfig) (memory.Store, error) {
	switch cfg.Store {
	case config.StoreFile:
		return memory.NewFileStore(cfg.Path), nil
	case config.StoreSQLite:
		s, err := memory.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StorePostgres:
		s, err := memory.OpenPostgres(ctx, cfg.PostgresDSN, cfg.PostgresSchema, cfg.PostgresMaxConns, cfg.ViaBouncer)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreNone:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown memory store %q", cfg.Store)
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	opts := []memory.Option{
		memory.WithWeights(cfg.Memory.Weights),
		memory.WithFlushPolicy(cfg.Memory.FlushEvery, cfg.Memory.FlushInterval),
		memory.WithBroadChange(cfg.Memory.BroadChangeWindow, cfg.Memory.BroadChangeThreshold),
	}
	store, err := openStore(ctx, cfg.Memory)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Memory.Store, err)
	}
	if store != nil {
		opts = append(opts, memory.WithStore(store))
	}

	mem := memory.New(opts...)
	mem.Load(ctx)
	if len(mem.DataTypes()) == 0 && len(cfg.Memory.Baseline) > 0 {
		mem.Seed(cfg.Memory.Baseline, "config")
		slog.Info("memory seeded from baseline", "patterns", len(cfg.Memory.Baseline))
	}

	eng := adapt.New(adapt.WithPatterns(mem))
	selectors := cache.New[string](cfg.Pipeline.CacheEntries, cfg.Pipeline.CacheTTL)
	h := heal.New(cfg.HealerConfig(), eng, mem, heal.WithCaches(selectors))
	n := webhook.NewNotifier(cfg.Webhook.URL, cfg.Webhook.Secret)

	p := pipeline.New(pipeline.Config{
		Targets:      cfg.Pipeline.Targets,
		MinFillRate:  cfg.Pipeline.MinFillRate,
		ShiftAlert:   cfg.Pipeline.ShiftAlert,
		CacheEntries: cfg.Pipeline.CacheEntries,
		CacheTTL:     cfg.Pipeline.CacheTTL,
	}, eng, h, pipeline.WithNotifier(n), pipeline.WithSelectorCache(selectors))

	return &app{
		mem:       mem,
		engine:    eng,
		healer:    h,
		pipeline:  p,
		selectors: selectors,
		notifier:  n,
	}, nil
}

// close drains alerts and persists memory.
func (a *app) close(ctx context.Context) {
	a.notifier.Wait()
	a.selectors.Stop()
	if err := a.mem.Close(ctx); err != nil {
		slog.Error("memory close failed", "error", err)
	}
}
