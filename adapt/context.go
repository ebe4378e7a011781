package adapt

import (
	"regexp"
	"strings"

	"github.com/use-agent/selfheal/document"
	"github.com/use-agent/selfheal/models"
)

const labelRule = `h1, h2, h3, h4, h5, h6, th, dt, strong, b, label, [class*="label"]`

// valuePositions yields the elements to inspect for the value belonging to
// a label, nearest first.
func valuePositions(label document.Element) []document.Element {
	var out []document.Element
	if n := label.Next(); n != nil {
		out = append(out, n)
	}
	p := label.Parent()
	if p == nil {
		return out
	}
	if p.Tag() == "tr" {
		// Same row: every cell after the label.
		after := false
		lp := label.Path()
		for _, c := range p.Children() {
			if after {
				out = append(out, c)
			} else if c.Path() == lp {
				after = true
			}
		}
	}
	if n := p.Next(); n != nil {
		out = append(out, n)
	}
	out = append(out, p.Find(`[class*="value"], [class*="amount"], [class*="figure"]`)...)
	return out
}

// expandContext finds label-like elements, maps their text to a field type
// and reads the value from the positions around them.
func expandContext(doc document.Document) models.Fields {
	out := make(models.Fields)
	for _, label := range doc.Select(labelRule) {
		text := label.Text()
		field, ok := fieldForLabel(text)
		if !ok || field == models.FieldTitle {
			continue
		}
		if _, have := out[field]; have {
			continue
		}

		// "Revenue: $120,000" inside the label itself, or as trailing text
		// of its parent.
		inline := []string{afterColon(text)}
		if p := label.Parent(); p != nil {
			inline = append(inline, p.OwnText())
		}
		found := false
		for _, t := range inline {
			if v, ok := valueFor(field, t); ok {
				out[field] = models.Field{Value: v, Text: t, Confidence: confContextExpansion, Selector: label.Path()}
				found = true
				break
			}
		}
		if found {
			continue
		}

		for _, el := range valuePositions(label) {
			t := el.Text()
			if v, ok := valueFor(field, t); ok {
				out[field] = models.Field{
					Value:      v,
					Text:       t,
					Confidence: confContextExpansion,
					Selector:   el.Path(),
				}
				break
			}
		}
	}
	return out
}

func afterColon(s string) string {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

var fuzzyFamilies = []struct {
	field string
	res   []*regexp.Regexp
}{
	{models.FieldPrice, []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:asking\s+price|listing\s+price|price|listed\s+(?:at|for))\s*[:\-]?\s*((?:[$€£]|usd\s*)\s*[\d,.]+[kmb]?)`),
		regexp.MustCompile(`(?i)([$€£]\s*[\d,.]+[kmb]?)\s*(?:asking|obo|or best offer)`),
	}},
	{models.FieldRevenue, []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:gross\s+)?(?:revenue|sales|turnover)[^\n\d$€£]{0,20}([$€£]?\s*[\d,.]+[kmb]?)`),
	}},
	{models.FieldProfit, []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:net\s+)?(?:profit|income|sde|ebitda|cash\s+flow)[^\n\d$€£]{0,20}([$€£]?\s*[\d,.]+[kmb]?)`),
	}},
	{models.FieldMultiple, []*regexp.Regexp{
		regexp.MustCompile(`(?i)multiple[^\n\d]{0,20}(\d+(?:\.\d+)?\s*x)`),
		regexp.MustCompile(`(?i)(\d+(?:\.\d+)?\s*x)\s*(?:multiple|revenue|profit|sde|earnings)`),
	}},
}

// fuzzyMatch runs the regular-expression families over the whole page text.
func fuzzyMatch(doc document.Document) models.Fields {
	text := doc.PageText()
	if text == "" {
		return nil
	}
	out := make(models.Fields)
	for _, fam := range fuzzyFamilies {
		for _, re := range fam.res {
			m := re.FindStringSubmatch(text)
			if m == nil {
				continue
			}
			raw := strings.TrimSpace(m[1])
			var v any
			var ok bool
			if fam.field == models.FieldMultiple {
				v, ok = ParseMultiple(raw)
			} else {
				v, ok = ParseAmount(raw)
			}
			if !ok {
				continue
			}
			out[fam.field] = models.Field{Value: v, Text: strings.TrimSpace(m[0]), Confidence: confFuzzy}
			break
		}
	}
	return out
}
