package adapt

import (
	"regexp"
	"strings"

	"github.com/andybalholm/cascadia"

	"github.com/use-agent/selfheal/document"
	"github.com/use-agent/selfheal/models"
)

// baseSelectors are the generic listing selectors pattern-mutation starts
// from.
var baseSelectors = []string{
	"div.listing > span.price",
	".listing-price",
	".price",
	"div.details > .revenue",
	".financials td.value",
	"h1.title",
	".listing-title",
	".header > h1",
	".metrics .multiple",
	"ul.stats > li.profit",
}

var (
	combinatorRe = regexp.MustCompile(`\s*[>+~]\s*`)
	classRe      = regexp.MustCompile(`\.([A-Za-z_][A-Za-z0-9_-]*)`)
)

const maxMutationMatches = 19

// mutate applies the fixed set of mechanical transformations to sel.
func mutate(sel string) []string {
	loose := strings.Join(strings.Fields(combinatorRe.ReplaceAllString(sel, " ")), " ")
	parts := strings.Fields(loose)
	last := parts[len(parts)-1]

	out := []string{
		loose,
		last,
		sel + "[class]",
		last + ":first-child",
		last + ":last-child",
		last + ":nth-of-type(1)",
		classRe.ReplaceAllString(sel, `[class*="$1"]`),
		classRe.ReplaceAllString(last, `[class*="$1"]`),
	}
	return out
}

// mutatePatterns runs every mutation of the base selectors and accepts those
// matching between 1 and 19 elements whose text classifies as a known field.
func mutatePatterns(doc document.Document) models.Fields {
	out := make(models.Fields)
	seen := make(map[string]struct{})
	for _, base := range baseSelectors {
		for _, sel := range mutate(base) {
			if _, dup := seen[sel]; dup {
				continue
			}
			seen[sel] = struct{}{}
			if _, err := cascadia.ParseGroup(sel); err != nil {
				continue
			}
			matches := doc.Select(sel)
			if len(matches) == 0 || len(matches) > maxMutationMatches {
				continue
			}
			for _, el := range matches {
				field, v, ok := classify(el.Text())
				if !ok {
					continue
				}
				if _, have := out[field]; have {
					continue
				}
				out[field] = models.Field{
					Value:      v,
					Text:       el.Text(),
					Confidence: confPatternMutation,
					Selector:   sel,
				}
			}
		}
	}
	return out
}

type typedSelector struct {
	rule  string
	field string
	attr  string // read this attribute instead of text when set
}

// semanticSelectors covers microdata, meta tags and test-id conventions.
var semanticSelectors = []typedSelector{
	{`[itemprop="price"]`, models.FieldPrice, "content"},
	{`meta[property="product:price:amount"]`, models.FieldPrice, "content"},
	{`meta[property="og:price:amount"]`, models.FieldPrice, "content"},
	{`[data-testid*="price"]`, models.FieldPrice, ""},
	{`[data-field="price"]`, models.FieldPrice, ""},
	{`[itemprop="name"]`, models.FieldTitle, "content"},
	{`meta[property="og:title"]`, models.FieldTitle, "content"},
	{`[data-testid*="title"]`, models.FieldTitle, ""},
	{`[data-testid*="revenue"]`, models.FieldRevenue, ""},
	{`[data-field="revenue"]`, models.FieldRevenue, ""},
	{`[data-testid*="profit"]`, models.FieldProfit, ""},
	{`[data-testid*="multiple"]`, models.FieldMultiple, ""},
	{`[data-field="multiple"]`, models.FieldMultiple, ""},
}

// refineSelectors tries each semantically typed selector in order; the
// first to yield a value for a field wins.
func refineSelectors(doc document.Document) models.Fields {
	out := make(models.Fields)
	for _, ts := range semanticSelectors {
		if _, have := out[ts.field]; have {
			continue
		}
		for _, el := range doc.Select(ts.rule) {
			text := el.Text()
			if ts.attr != "" {
				if v, ok := el.Attr(ts.attr); ok && v != "" {
					text = v
				}
			}
			v, ok := numericOrText(ts.field, text)
			if !ok {
				continue
			}
			out[ts.field] = models.Field{
				Value:      v,
				Text:       text,
				Confidence: confSelectorRefinement,
				Selector:   ts.rule,
			}
			break
		}
	}
	return out
}

// numericOrText is valueFor, except that an attribute-typed price like
// content="45000" needs no currency cue.
func numericOrText(field, text string) (any, bool) {
	if field == models.FieldPrice {
		if v, ok := ParseAmount(text); ok && v > 0 {
			return v, true
		}
		return nil, false
	}
	return valueFor(field, text)
}
