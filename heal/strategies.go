package heal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/use-agent/selfheal/adapt"
	"github.com/use-agent/selfheal/memory"
	"github.com/use-agent/selfheal/models"
)

// Strategy is a healing strategy.
type Strategy string

// Healing strategies, least invasive first.
const (
	SelectorRefresh     Strategy = "selector-refresh"
	StrategyReorder     Strategy = "strategy-reorder"
	PatternRegeneration Strategy = "pattern-regeneration"
	FallbackActivation  Strategy = "fallback-activation"
	CacheClear          Strategy = "cache-clear"
	FullReset           Strategy = "full-reset"
)

// Strategies lists every healing strategy in order of invasiveness.
var Strategies = []Strategy{
	SelectorRefresh,
	StrategyReorder,
	PatternRegeneration,
	FallbackActivation,
	CacheClear,
	FullReset,
}

// execute runs one healing strategy. It reports success, a short detail for
// the trial log, and any fields recovered along the way.
func (h *Healer) execute(ctx context.Context, s Strategy, r Report) (bool, string, models.Fields) {
	switch s {
	case SelectorRefresh:
		return h.refreshSelectors(ctx, r)
	case StrategyReorder:
		return h.reorderStrategies()
	case PatternRegeneration:
		ok, detail := h.regeneratePatterns()
		return ok, detail, nil
	case FallbackActivation:
		return h.activateFallback(ctx, r)
	case CacheClear:
		return h.clearCaches(), "caches cleared", nil
	case FullReset:
		ok, detail := h.fullReset(ctx)
		return ok, detail, nil
	}
	return false, fmt.Sprintf("unknown strategy %q", s), nil
}

// refreshSelectors regenerates candidate selectors against the failing
// document. The adaptation engine records what it finds into pattern
// memory.
func (h *Healer) refreshSelectors(ctx context.Context, r Report) (bool, string, models.Fields) {
	if h.adapter == nil {
		return false, "no adaptation engine", nil
	}
	if r.Document == nil {
		return false, "no document in report", nil
	}
	res := h.adapter.Adapt(ctx, adapt.Request{
		Document: r.Document,
		Targets:  targetsOf(r),
		Current:  r.TargetData,
		Context:  map[string]any{"source": string(SelectorRefresh), "url": r.URL},
	})
	if len(res.Fields) == 0 {
		return false, "no selectors recovered", nil
	}
	return true, fmt.Sprintf("recovered %v", res.Fields.Keys()), res.Fields
}

func (h *Healer) reorderStrategies() (bool, string, models.Fields) {
	if h.adapter == nil {
		return false, "no adaptation engine", nil
	}
	scores := h.adapter.OptimizeStrategies()
	if len(scores) == 0 {
		return false, "no performance samples", nil
	}
	return true, fmt.Sprintf("top strategy %s", scores[0].Strategy), nil
}

// regeneratePatterns mines the recent successful extractions for selectors
// and seeds pattern memory with them, weighted by how often they recurred.
func (h *Healer) regeneratePatterns() (bool, string) {
	if h.patterns == nil {
		return false, "no pattern memory"
	}
	h.mu.Lock()
	recent := append([]models.Fields(nil), h.recent...)
	h.mu.Unlock()
	if len(recent) == 0 {
		return false, "no recent extractions"
	}

	type key struct{ field, selector string }
	counts := make(map[key]int)
	perField := make(map[string]int)
	for _, fields := range recent {
		for field, f := range fields {
			if f.Selector == "" {
				continue
			}
			counts[key{field, f.Selector}]++
			perField[field]++
		}
	}
	if len(counts) == 0 {
		return false, "recent extractions carry no selectors"
	}

	seeds := make([]memory.Seed, 0, len(counts))
	for k, n := range counts {
		seeds = append(seeds, memory.Seed{
			Selector:    k.selector,
			DataType:    k.field,
			SuccessRate: float64(n) / float64(perField[k.field]),
		})
	}
	sort.Slice(seeds, func(i, j int) bool {
		if seeds[i].DataType != seeds[j].DataType {
			return seeds[i].DataType < seeds[j].DataType
		}
		return seeds[i].Selector < seeds[j].Selector
	})
	h.patterns.Seed(seeds, string(PatternRegeneration))
	return true, fmt.Sprintf("seeded %d patterns", len(seeds))
}

// activateFallback pins the adaptation engine to aggressive mode and, when
// a document is available, retries it straight away.
func (h *Healer) activateFallback(ctx context.Context, r Report) (bool, string, models.Fields) {
	if h.adapter == nil {
		return false, "no adaptation engine", nil
	}
	h.adapter.ForceMode(adapt.Aggressive, h.cfg.FallbackTTL)
	detail := fmt.Sprintf("aggressive mode for %s", h.cfg.FallbackTTL)
	if r.Document == nil {
		return true, detail, nil
	}
	res := h.adapter.Adapt(ctx, adapt.Request{
		Document: r.Document,
		Targets:  targetsOf(r),
		Current:  r.TargetData,
		Context:  map[string]any{"source": string(FallbackActivation), "url": r.URL},
	})
	return true, detail, res.Fields
}

func (h *Healer) clearCaches() bool {
	for _, c := range h.caches {
		c.Clear()
	}
	if h.adapter != nil {
		h.adapter.ResetPerformance()
	}
	slog.Info("heal: caches cleared", "caches", len(h.caches))
	return true
}

// fullReset backs up pattern memory, wipes it and reseeds the baseline.
// A failed backup aborts the reset.
func (h *Healer) fullReset(ctx context.Context) (bool, string) {
	if h.patterns == nil {
		return false, "no pattern memory"
	}
	label := "pre-reset-" + h.now().UTC().Format("20060102T150405Z")
	if err := h.patterns.Backup(ctx, label); err != nil {
		slog.Error("heal: backup before reset failed", "error", err)
		return false, "backup failed: " + err.Error()
	}
	h.patterns.Reset(h.cfg.Baseline)
	if h.adapter != nil {
		h.adapter.ResetPriorities()
	}
	h.clearCaches()
	slog.Warn("heal: full reset", "backup", label, "baseline", len(h.cfg.Baseline))
	return true, "reset to baseline, backup " + label
}

func targetsOf(r Report) []string {
	if len(r.Targets) > 0 {
		return r.Targets
	}
	return models.KnownFields
}
