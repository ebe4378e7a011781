package memory

import (
	"sort"
	"strings"
	"time"
	"unicode"
)

const (
	minSuggestConfidence = 30
	maxAlternatives      = 4
)

// Suggestion is the best remembered pattern for a data type plus runners-up.
type Suggestion struct {
	Pattern      Pattern   `json:"pattern"`
	Alternatives []Pattern `json:"alternatives,omitempty"`
}

// SuggestNext returns the highest-confidence pattern for dataType scoring
// above 30, skipping excluded selectors. The bool is false when nothing
// qualifies; callers fall back to their default strategy.
func (m *Memory) SuggestNext(dataType string, exclude []string) (Suggestion, bool) {
	skip := make(map[string]struct{}, len(exclude))
	for _, s := range exclude {
		skip[s] = struct{}{}
	}

	var ranked []Pattern
	for _, p := range m.scored(dataType) {
		if _, ok := skip[p.Selector]; ok {
			continue
		}
		if p.Confidence > minSuggestConfidence {
			ranked = append(ranked, p)
		}
	}
	if len(ranked) == 0 {
		return Suggestion{}, false
	}

	s := Suggestion{Pattern: ranked[0]}
	if rest := ranked[1:]; len(rest) > 0 {
		if len(rest) > maxAlternatives {
			rest = rest[:maxAlternatives]
		}
		s.Alternatives = rest
	}
	return s, true
}

// ByConfidence returns every pattern for dataType at or above minConfidence,
// highest confidence first.
func (m *Memory) ByConfidence(dataType string, minConfidence int) []Pattern {
	var out []Pattern
	for _, p := range m.scored(dataType) {
		if p.Confidence >= minConfidence {
			out = append(out, p)
		}
	}
	return out
}

// DataTypes lists the data types with at least one pattern, sorted.
func (m *Memory) DataTypes() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.snap.Patterns))
	for dt, bySel := range m.snap.Patterns {
		if len(bySel) > 0 {
			out = append(out, dt)
		}
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// scored copies the patterns for dataType with fresh confidences, sorted by
// confidence then recency.
func (m *Memory) scored(dataType string) []Pattern {
	now := m.now()
	m.mu.RLock()
	bySel := m.snap.Patterns[dataType]
	out := make([]Pattern, 0, len(bySel))
	for _, p := range bySel {
		out = append(out, p.clone())
	}
	m.mu.RUnlock()

	for i := range out {
		out[i].Confidence = m.weights.Score(&out[i], now)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if !out[i].LastSuccess.Equal(out[j].LastSuccess) {
			return out[i].LastSuccess.After(out[j].LastSuccess)
		}
		return out[i].Selector < out[j].Selector
	})
	return out
}

// Recommendation names the follow-up AdaptToFailures suggests.
type Recommendation string

const (
	RecommendNone            Recommendation = "none"
	RecommendFullRescan      Recommendation = "full-rescan"
	RecommendTryAlternatives Recommendation = "try-alternatives"
)

// Adaptation is the result of analysing a failing selector.
type Adaptation struct {
	Selector       string         `json:"selector"`
	BroadChange    bool           `json:"broad_change"`
	RecentFailures int            `json:"recent_failures"`
	Recommendation Recommendation `json:"recommendation"`
	Alternatives   []Pattern      `json:"alternatives,omitempty"`
}

// AdaptToFailures decides whether a failing selector points at a site-wide
// change or just a single broken locator. With more recent failures than the
// broad-change threshold it recommends a full rescan; otherwise it surfaces
// successful selectors sharing at least half their tokens with the failing
// one.
func (m *Memory) AdaptToFailures(selector string, _ map[string]any) Adaptation {
	now := m.now()
	cutoff := now.Add(-m.broadWindow)
	out := Adaptation{Selector: selector, Recommendation: RecommendNone}

	m.mu.RLock()
	for _, bySel := range m.snap.Failures {
		for _, f := range bySel {
			for _, at := range f.Recent {
				if !at.Before(cutoff) {
					out.RecentFailures++
				}
			}
		}
	}
	broad := out.RecentFailures > m.broadThreshold

	var similar []Pattern
	if !broad {
		want := selectorTokens(selector)
		for _, bySel := range m.snap.Patterns {
			for sel, p := range bySel {
				if sel == selector || p.SuccessCount == 0 {
					continue
				}
				if tokenOverlap(want, selectorTokens(sel)) >= m.similarity {
					similar = append(similar, p.clone())
				}
			}
		}
	}
	m.mu.RUnlock()

	if broad {
		out.BroadChange = true
		out.Recommendation = RecommendFullRescan
		return out
	}
	if len(similar) == 0 {
		return out
	}
	for i := range similar {
		similar[i].Confidence = m.weights.Score(&similar[i], now)
	}
	sort.Slice(similar, func(i, j int) bool {
		if similar[i].Confidence != similar[j].Confidence {
			return similar[i].Confidence > similar[j].Confidence
		}
		return similar[i].Selector < similar[j].Selector
	})
	out.Recommendation = RecommendTryAlternatives
	out.Alternatives = similar
	return out
}

// Cleanup drops patterns whose last success is older than daysToKeep or whose
// current confidence is below minConfidence, and returns how many went.
// Failure records for a dropped key go with it.
func (m *Memory) Cleanup(daysToKeep int, minConfidence int) int {
	now := m.now()
	cutoff := now.Add(-time.Duration(daysToKeep) * 24 * time.Hour)

	removed := 0
	m.mu.Lock()
	for dt, bySel := range m.snap.Patterns {
		for sel, p := range bySel {
			if p.LastSuccess.Before(cutoff) || m.weights.Score(p, now) < minConfidence {
				delete(bySel, sel)
				if fs := m.snap.Failures[dt]; fs != nil {
					delete(fs, sel)
				}
				removed++
			}
		}
		if len(bySel) == 0 {
			delete(m.snap.Patterns, dt)
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.touched()
	}
	return removed
}

func selectorTokens(sel string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(sel), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[tok] = struct{}{}
	}
	return out
}

func tokenOverlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			shared++
		}
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	return float64(shared) / float64(longest)
}
