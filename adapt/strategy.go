package adapt

import (
	"fmt"

	"github.com/use-agent/selfheal/document"
	"github.com/use-agent/selfheal/models"
)

// Strategy is one of the built-in extraction heuristics.
type Strategy int

const (
	DeepScan Strategy = iota
	PatternMutation
	ContextExpansion
	FuzzyMatching
	PriceSpecificScan
	HeadingDetection
	SelectorRefinement
)

// Strategies lists every strategy in declaration order.
var Strategies = []Strategy{
	DeepScan,
	PatternMutation,
	ContextExpansion,
	FuzzyMatching,
	PriceSpecificScan,
	HeadingDetection,
	SelectorRefinement,
}

var strategyNames = [...]string{
	DeepScan:           "deep-scan",
	PatternMutation:    "pattern-mutation",
	ContextExpansion:   "context-expansion",
	FuzzyMatching:      "fuzzy-matching",
	PriceSpecificScan:  "price-specific-scan",
	HeadingDetection:   "heading-detection",
	SelectorRefinement: "selector-refinement",
}

func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return fmt.Sprintf("strategy(%d)", int(s))
	}
	return strategyNames[s]
}

// ParseStrategy maps a strategy name back to its value.
func ParseStrategy(name string) (Strategy, bool) {
	for i, n := range strategyNames {
		if n == name {
			return Strategy(i), true
		}
	}
	return 0, false
}

// MarshalText encodes the strategy as its name.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a strategy name.
func (s *Strategy) UnmarshalText(b []byte) error {
	v, ok := ParseStrategy(string(b))
	if !ok {
		return fmt.Errorf("adapt: unknown strategy %q", b)
	}
	*s = v
	return nil
}

// Execute runs the strategy against doc. The result holds every field the
// strategy could locate, each tagged with the strategy name as its method.
func (s Strategy) Execute(doc document.Document) (models.Fields, error) {
	var out models.Fields
	switch s {
	case DeepScan:
		out = deepScan(doc)
	case PatternMutation:
		out = mutatePatterns(doc)
	case ContextExpansion:
		out = expandContext(doc)
	case FuzzyMatching:
		out = fuzzyMatch(doc)
	case PriceSpecificScan:
		out = scanPrice(doc)
	case HeadingDetection:
		out = detectHeading(doc)
	case SelectorRefinement:
		out = refineSelectors(doc)
	default:
		return nil, fmt.Errorf("adapt: unknown strategy %d", int(s))
	}
	for k, f := range out {
		f.Method = s.String()
		out[k] = f
	}
	return out, nil
}
