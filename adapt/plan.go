package adapt

import (
	"fmt"
	"time"

	"github.com/use-agent/selfheal/models"
)

// Mode selects how much effort a plan spends.
type Mode string

const (
	Aggressive   Mode = "aggressive"
	Moderate     Mode = "moderate"
	Conservative Mode = "conservative"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case Aggressive, Moderate, Conservative:
		return m, nil
	}
	return "", fmt.Errorf("adapt: unknown mode %q", s)
}

// Priority of a plan.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

type modeSpec struct {
	strategies []Strategy
	parallel   bool
	timeout    time.Duration
	priority   Priority
}

var modes = map[Mode]modeSpec{
	Aggressive: {
		strategies: []Strategy{DeepScan, PatternMutation, ContextExpansion, FuzzyMatching, SelectorRefinement},
		parallel:   true,
		timeout:    10 * time.Second,
		priority:   PriorityHigh,
	},
	Moderate: {
		strategies: []Strategy{PatternMutation, ContextExpansion},
		timeout:    5 * time.Second,
		priority:   PriorityMedium,
	},
	Conservative: {
		strategies: []Strategy{SelectorRefinement},
		timeout:    2 * time.Second,
		priority:   PriorityLow,
	},
}

// Plan is the ordered set of strategies one adaptation call runs.
type Plan struct {
	Mode       Mode          `json:"mode"`
	Strategies []Strategy    `json:"strategies"`
	Parallel   bool          `json:"parallel"`
	Timeout    time.Duration `json:"timeout"`
	Priority   Priority      `json:"priority"`
}

// Performance summarises recent adaptation outcomes.
type Performance struct {
	Samples     int     `json:"samples"`
	SuccessRate float64 `json:"success_rate"`
}

// ModeFor picks the mode recent performance calls for.
func ModeFor(perf Performance) Mode {
	switch {
	case perf.Samples == 0 || perf.SuccessRate < 0.3:
		return Aggressive
	case perf.SuccessRate < 0.7:
		return Moderate
	}
	return Conservative
}

// PlanFor builds the plan for missing fields in mode. Generic strategies are
// ordered by priority (an ordering over all strategies; nil keeps the
// catalog order). A missing price prepends price-specific-scan and a missing
// title prepends heading-detection, price first.
func PlanFor(missing []string, mode Mode, priority []Strategy) Plan {
	spec, ok := modes[mode]
	if !ok {
		mode, spec = Aggressive, modes[Aggressive]
	}

	var head []Strategy
	if contains(missing, models.FieldPrice) {
		head = append(head, PriceSpecificScan)
	}
	if contains(missing, models.FieldTitle) {
		head = append(head, HeadingDetection)
	}

	generic := orderBy(spec.strategies, priority)
	list := make([]Strategy, 0, len(head)+len(generic))
	seen := make(map[Strategy]bool, len(head)+len(generic))
	for _, s := range append(head, generic...) {
		if !seen[s] {
			seen[s] = true
			list = append(list, s)
		}
	}

	return Plan{
		Mode:       mode,
		Strategies: list,
		Parallel:   spec.parallel,
		Timeout:    spec.timeout,
		Priority:   spec.priority,
	}
}

// CreatePlan builds the plan for missing fields from recent performance.
func CreatePlan(missing []string, perf Performance, priority []Strategy) Plan {
	return PlanFor(missing, ModeFor(perf), priority)
}

// orderBy returns set sorted by position in priority. Strategies absent from
// priority keep their relative order after the ranked ones.
func orderBy(set, priority []Strategy) []Strategy {
	if len(priority) == 0 {
		return append([]Strategy(nil), set...)
	}
	in := make(map[Strategy]bool, len(set))
	for _, s := range set {
		in[s] = true
	}
	out := make([]Strategy, 0, len(set))
	for _, s := range priority {
		if in[s] {
			out = append(out, s)
			delete(in, s)
		}
	}
	for _, s := range set {
		if in[s] {
			out = append(out, s)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
