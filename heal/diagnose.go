package heal

import (
	"time"

	"github.com/use-agent/selfheal/document"
	"github.com/use-agent/selfheal/models"
)

// FailureType is the root-cause class of a systemic failure.
type FailureType string

const (
	CompleteFailure     FailureType = "complete-failure"
	SelectorBroken      FailureType = "selector-broken"
	PerformanceDegraded FailureType = "performance-degraded"
	PartialFailure      FailureType = "partial-failure"
)

// Severity of a diagnosis.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Report describes a batch-level extraction malfunction.
type Report struct {
	// TargetData holds whatever was recovered for the batch.
	TargetData models.Fields `json:"target_data"`

	AttemptedStrategies []string      `json:"attempted_strategies"`
	TimeElapsed         time.Duration `json:"time_elapsed"`

	// Targets are the fields the caller expected. Optional.
	Targets []string `json:"targets,omitempty"`

	// Document is a representative failing page, used by selector-refresh.
	Document document.Document `json:"-"`
	URL      string            `json:"url,omitempty"`

	// LayoutShift is the structural distance between the failing page and
	// the last healthy one (0-64), or -1 when unknown.
	LayoutShift int `json:"layout_shift"`
}

// Thresholds are the tunable cut-offs of classification and severity.
type Thresholds struct {
	SelectorBrokenStrategies int           `json:"selector_broken_strategies" koanf:"selector_broken_strategies"`
	SlowElapsed              time.Duration `json:"slow_elapsed" koanf:"slow_elapsed"`
	HighSeverityStrategies   int           `json:"high_severity_strategies" koanf:"high_severity_strategies"`
	MediumSeverityFields     int           `json:"medium_severity_fields" koanf:"medium_severity_fields"`
}

// DefaultThresholds returns the standard cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SelectorBrokenStrategies: 3,
		SlowElapsed:              30 * time.Second,
		HighSeverityStrategies:   5,
		MediumSeverityFields:     3,
	}
}

// Diagnosis is the classification of a Report plus the healing plan for it.
type Diagnosis struct {
	FailureType FailureType `json:"failure_type"`
	Severity    Severity    `json:"severity"`
	Recommended []Strategy  `json:"recommended_strategies"`
	LayoutShift int         `json:"layout_shift"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Recommended maps each failure type to its healing strategies in the order
// they are tried. A complete failure starts with the full reset; the other
// types start with the least invasive strategy.
var Recommended = map[FailureType][]Strategy{
	CompleteFailure:     {FullReset, PatternRegeneration, FallbackActivation},
	SelectorBroken:      {SelectorRefresh, PatternRegeneration, CacheClear},
	PerformanceDegraded: {StrategyReorder, CacheClear},
	PartialFailure:      {SelectorRefresh, StrategyReorder, FallbackActivation},
}

// ClassifyFailure determines the failure type of r.
func (t Thresholds) ClassifyFailure(r Report) FailureType {
	switch {
	case len(r.TargetData) == 0:
		return CompleteFailure
	case distinct(r.AttemptedStrategies) > t.SelectorBrokenStrategies:
		return SelectorBroken
	case r.TimeElapsed > t.SlowElapsed:
		return PerformanceDegraded
	}
	return PartialFailure
}

// AssessSeverity grades r.
func (t Thresholds) AssessSeverity(r Report) Severity {
	switch {
	case len(r.AttemptedStrategies) > t.HighSeverityStrategies:
		return SeverityHigh
	case len(r.TargetData) > t.MediumSeverityFields:
		return SeverityMedium
	}
	return SeverityLow
}

func distinct(list []string) int {
	seen := make(map[string]struct{}, len(list))
	for _, s := range list {
		seen[s] = struct{}{}
	}
	return len(seen)
}
