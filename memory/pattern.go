package memory

import (
	"math"
	"time"
)

const (
	maxPatternContexts = 10
	maxFailureReasons  = 5
	maxFailureContexts = 5
)

// Context is a metadata snapshot attached to an observation.
type Context struct {
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

// Pattern is the accumulated evidence for one (data type, selector) pair.
type Pattern struct {
	Selector           string    `json:"selector"`
	DataType           string    `json:"data_type"`
	SuccessCount       int       `json:"success_count"`
	TotalAttempts      int       `json:"total_attempts"`
	AverageSuccessRate float64   `json:"average_success_rate"`
	Confidence         int       `json:"confidence"`
	FirstSeen          time.Time `json:"first_seen"`
	LastSuccess        time.Time `json:"last_success"`
	Contexts           []Context `json:"contexts,omitempty"`
}

// Failure mirrors Pattern for negative evidence.
type Failure struct {
	Selector     string    `json:"selector"`
	DataType     string    `json:"data_type"`
	FailureCount int       `json:"failure_count"`
	Reasons      []string  `json:"reasons,omitempty"`
	Contexts     []Context `json:"contexts,omitempty"`
	FirstFailed  time.Time `json:"first_failed"`
	LastFailed   time.Time `json:"last_failed"`

	// Recent holds the timestamps of failures inside the broad-change
	// window, newest last.
	Recent []time.Time `json:"recent,omitempty"`
}

func (p *Pattern) clone() Pattern {
	c := *p
	c.Contexts = append([]Context(nil), p.Contexts...)
	return c
}

func (f *Failure) clone() Failure {
	c := *f
	c.Reasons = append([]string(nil), f.Reasons...)
	c.Contexts = append([]Context(nil), f.Contexts...)
	c.Recent = append([]time.Time(nil), f.Recent...)
	return c
}

// ConfidenceWeights parameterises the confidence score. Success rate
// contributes twice: once as the running average and once as the
// success/attempt ratio.
type ConfidenceWeights struct {
	Base                float64       `json:"base" koanf:"base"`
	SuccessRate         float64       `json:"success_rate" koanf:"success_rate"`
	Frequency           float64       `json:"frequency" koanf:"frequency"`
	FrequencySaturation float64       `json:"frequency_saturation" koanf:"frequency_saturation"`
	Recency             float64       `json:"recency" koanf:"recency"`
	RecencyWindow       time.Duration `json:"recency_window" koanf:"recency_window"`
	Consistency         float64       `json:"consistency" koanf:"consistency"`
}

// DefaultWeights returns the standard confidence weights.
func DefaultWeights() ConfidenceWeights {
	return ConfidenceWeights{
		Base:                50,
		SuccessRate:         40,
		Frequency:           20,
		FrequencySaturation: 10,
		Recency:             20,
		RecencyWindow:       240 * time.Hour,
		Consistency:         20,
	}
}

// Score computes the confidence of p at time now, clamped to [0,100].
func (w ConfidenceWeights) Score(p *Pattern, now time.Time) int {
	score := w.Base
	score += w.SuccessRate * p.AverageSuccessRate

	if w.FrequencySaturation > 0 {
		score += w.Frequency * math.Min(float64(p.SuccessCount)/w.FrequencySaturation, 1)
	}

	if !p.LastSuccess.IsZero() && w.RecencyWindow > 0 {
		age := now.Sub(p.LastSuccess)
		if age < 0 {
			age = 0
		}
		if decay := 1 - float64(age)/float64(w.RecencyWindow); decay > 0 {
			score += w.Recency * decay
		}
	}

	if p.TotalAttempts > 0 {
		score += w.Consistency * float64(p.SuccessCount) / float64(p.TotalAttempts)
	}

	return int(math.Round(math.Max(0, math.Min(100, score))))
}

func appendContext(ring []Context, c Context, limit int) []Context {
	ring = append(ring, c)
	if len(ring) > limit {
		ring = append(ring[:0:0], ring[len(ring)-limit:]...)
	}
	return ring
}

// appendRecent drops timestamps before cutoff, appends at and keeps at most
// limit entries.
func appendRecent(ring []time.Time, at, cutoff time.Time, limit int) []time.Time {
	i := 0
	for i < len(ring) && ring[i].Before(cutoff) {
		i++
	}
	ring = append(ring[i:], at)
	if limit > 0 && len(ring) > limit {
		ring = ring[len(ring)-limit:]
	}
	return ring
}

func appendReason(ring []string, r string, limit int) []string {
	ring = append(ring, r)
	if len(ring) > limit {
		ring = append(ring[:0:0], ring[len(ring)-limit:]...)
	}
	return ring
}
