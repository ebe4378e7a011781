package adapt

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/use-agent/selfheal/document"
	"github.com/use-agent/selfheal/models"
)

const (
	deepScanThreshold = 0.5
	maxLeafText       = 200
	maxPriceText      = 40
	boldBonus         = 8
)

// Fixed confidences per strategy. Deep-scan derives its own from the
// candidate score.
const (
	confSelectorRefinement = 90
	confPriceScan          = 85
	confHeading            = 80
	confContextExpansion   = 75
	confPatternMutation    = 60
	confFuzzy              = 55
)

// wrapper reports whether el only wraps a single child carrying the same
// text, in which case the child is the better candidate.
func wrapper(el document.Element) bool {
	kids := el.Children()
	if len(kids) != 1 {
		return false
	}
	return kids[0].Text() == el.Text()
}

func classOf(el document.Element) string {
	c, _ := el.Attr("class")
	id, _ := el.Attr("id")
	return strings.ToLower(c + " " + id)
}

// labelText is the text immediately preceding el: its previous-sibling-like
// context, approximated by the parent's own text and the parent's first
// child when that is not el.
func labelText(el document.Element) string {
	p := el.Parent()
	if p == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(p.OwnText())
	if kids := p.Children(); len(kids) > 0 && kids[0].Path() != el.Path() {
		b.WriteByte(' ')
		b.WriteString(kids[0].Text())
	}
	return b.String()
}

type candidate struct {
	el    document.Element
	text  string
	value any
	score float64
}

// deepScan scores every leaf-like element against each known field type and
// keeps the best candidate per type scoring above the threshold.
func deepScan(doc document.Document) models.Fields {
	best := make(map[string]candidate)
	for _, el := range doc.Elements() {
		text := el.Text()
		if text == "" || utf8.RuneCountInString(text) > maxLeafText || wrapper(el) {
			continue
		}
		for _, field := range models.KnownFields {
			v, ok := valueFor(field, text)
			if !ok {
				continue
			}
			score := scoreFor(field, el, text)
			if score > deepScanThreshold && score > best[field].score {
				best[field] = candidate{el: el, text: text, value: v, score: score}
			}
		}
	}

	out := make(models.Fields, len(best))
	for field, c := range best {
		out[field] = models.Field{
			Value:      c.value,
			Text:       c.text,
			Confidence: int(math.Round(c.score * 100)),
			Selector:   c.el.Path(),
		}
	}
	return out
}

func scoreFor(field string, el document.Element, text string) float64 {
	st := el.Style()
	class := classOf(el)
	short := utf8.RuneCountInString(text) <= maxPriceText
	label, _ := fieldForLabel(labelText(el))

	var s float64
	switch field {
	case models.FieldPrice:
		if hasCurrency(text) {
			s += 0.4
		}
		if short {
			s += 0.1
		}
		if st.FontSize >= 20 {
			s += 0.2
		} else if st.Bold() {
			s += 0.1
		}
		if strings.Contains(class, "price") || label == models.FieldPrice {
			s += 0.3
		}
	case models.FieldRevenue:
		if strings.Contains(class, "revenue") || label == models.FieldRevenue {
			s += 0.4
		}
		if hasCurrency(text) {
			s += 0.2
		}
		if short {
			s += 0.1
		}
	case models.FieldTitle:
		switch el.Tag() {
		case "h1":
			s += 0.5
		case "h2":
			s += 0.3
		}
		if strings.Contains(class, "title") || strings.Contains(class, "headline") {
			s += 0.2
		}
		if st.FontSize >= 20 {
			s += 0.2
		}
		if st.Bold() {
			s += 0.1
		}
	case models.FieldMultiple:
		s += 0.4 // the value already parsed as "<n>x"
		if strings.Contains(class, "multiple") || label == models.FieldMultiple {
			s += 0.3
		}
		if short {
			s += 0.1
		}
	}
	return math.Min(s, 1)
}

// scanPrice ranks every short currency-bearing element with a plausible
// price by visual prominence and returns the top one.
func scanPrice(doc document.Document) models.Fields {
	var (
		best     document.Element
		bestText string
		bestVal  float64
		bestRank = -1.0
	)
	for _, el := range doc.Elements() {
		text := el.Text()
		if text == "" || utf8.RuneCountInString(text) > maxPriceText || !hasCurrency(text) || wrapper(el) {
			continue
		}
		v, ok := ParseAmount(text)
		if !ok || !plausiblePrice(v) {
			continue
		}
		st := el.Style()
		rank := st.FontSize
		if st.Bold() {
			rank += boldBonus
		}
		if rank > bestRank {
			best, bestText, bestVal, bestRank = el, text, v, rank
		}
	}
	if best == nil {
		return nil
	}
	return models.Fields{models.FieldPrice: {
		Value:      bestVal,
		Text:       bestText,
		Confidence: confPriceScan,
		Selector:   best.Path(),
	}}
}

var headingRank = map[string]int{"h1": 6, "h2": 5, "h3": 4, "h4": 3, "h5": 2, "h6": 1}

// detectHeading returns the most prominent heading-like element with a
// plausible title length as the title.
func detectHeading(doc document.Document) models.Fields {
	var (
		best     document.Element
		bestText string
		bestTag  = -1
		bestSize float64
	)
	for _, el := range doc.Select(`h1, h2, h3, h4, h5, h6, [class*="title"], [class*="heading"], [class*="headline"]`) {
		text := el.Text()
		if !plausibleTitle(text) {
			continue
		}
		tag := headingRank[el.Tag()]
		size := el.Style().FontSize
		if tag > bestTag || (tag == bestTag && size > bestSize) {
			best, bestText, bestTag, bestSize = el, text, tag, size
		}
	}
	if best == nil {
		return nil
	}
	return models.Fields{models.FieldTitle: {
		Value:      bestText,
		Text:       bestText,
		Confidence: confHeading,
		Selector:   best.Path(),
	}}
}
