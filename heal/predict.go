package heal

import (
	"sort"
	"time"
)

// PredictionType names a forecast failure mode.
type PredictionType string

const (
	LowSuccessRate  PredictionType = "low-success-rate"
	HighErrorRate   PredictionType = "high-error-rate"
	StrategyFailure PredictionType = "strategy-failure"
)

// ErrorEvent is one extraction error observed by the caller.
type ErrorEvent struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// StrategyPerformance is the caller's view of one extraction strategy.
type StrategyPerformance struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
}

// Metrics are the externally supplied inputs to PredictFailures.
type Metrics struct {
	SuccessRate float64                        `json:"success_rate"`
	Errors      []ErrorEvent                   `json:"errors"`
	Strategies  map[string]StrategyPerformance `json:"strategies"`
}

// Prediction is a forecast failure with the healing strategy to run
// proactively.
type Prediction struct {
	Type        PredictionType `json:"type"`
	Probability float64        `json:"probability"`
	Timeframe   string         `json:"timeframe"`
	Strategy    string         `json:"strategy,omitempty"`
	Recommended Strategy       `json:"recommended"`
}

// PredictFailures flags failures likely to come, from the current metrics.
func (h *Healer) PredictFailures(m Metrics) []Prediction {
	var out []Prediction
	if m.SuccessRate < 0.5 {
		out = append(out, Prediction{
			Type:        LowSuccessRate,
			Probability: 0.8,
			Timeframe:   "1-2 hours",
			Recommended: SelectorRefresh,
		})
	}

	cutoff := h.now().Add(-time.Hour)
	recent := 0
	for _, e := range m.Errors {
		if e.At.After(cutoff) {
			recent++
		}
	}
	if recent > 5 {
		out = append(out, Prediction{
			Type:        HighErrorRate,
			Probability: 0.7,
			Timeframe:   "30 minutes",
			Recommended: CacheClear,
		})
	}

	names := make([]string, 0, len(m.Strategies))
	for name := range m.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := m.Strategies[name]
		if p.Attempts <= 10 {
			continue
		}
		if float64(p.Successes)/float64(p.Attempts) < 0.3 {
			out = append(out, Prediction{
				Type:        StrategyFailure,
				Probability: 0.9,
				Timeframe:   "immediate",
				Strategy:    name,
				Recommended: StrategyReorder,
			})
		}
	}
	return out
}
