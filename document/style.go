package document

import (
	"strconv"
	"strings"
)

const (
	rootFontSize   = 16.0
	normalWeight   = 400
	boldWeight     = 700
	computedSize   = "data-computed-font-size"
	computedWeight = "data-computed-font-weight"
)

// defaultFontSizes are the user-agent stylesheet sizes for tags that override
// the inherited size.
var defaultFontSizes = map[string]float64{
	"h1":    32,
	"h2":    24,
	"h3":    18.72,
	"h4":    16,
	"h5":    13.28,
	"h6":    10.72,
	"small": 13.33,
}

var boldTags = map[string]bool{
	"b": true, "strong": true, "th": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// computeStyle resolves font size and weight for e the way a browser would for
// the properties we care about: inline style or a renderer-stamped computed
// value first, then tag defaults, then inheritance.
func computeStyle(e Element) Style {
	parent := Style{FontSize: rootFontSize, FontWeight: normalWeight}
	if p := e.Parent(); p != nil {
		parent = p.Style()
	}

	decl := parseInlineStyle(e)
	tag := e.Tag()

	st := parent
	if v, ok := e.Attr(computedSize); ok {
		if px, ok := parseLength(v, parent.FontSize); ok {
			st.FontSize = px
		}
	} else if v, ok := decl["font-size"]; ok {
		if px, ok := parseLength(v, parent.FontSize); ok {
			st.FontSize = px
		}
	} else if px, ok := defaultFontSizes[tag]; ok {
		st.FontSize = px
	}

	if v, ok := e.Attr(computedWeight); ok {
		st.FontWeight = parseWeight(v, parent.FontWeight)
	} else if v, ok := decl["font-weight"]; ok {
		st.FontWeight = parseWeight(v, parent.FontWeight)
	} else if boldTags[tag] {
		st.FontWeight = boldWeight
	}
	return st
}

func parseInlineStyle(e Element) map[string]string {
	raw, ok := e.Attr("style")
	if !ok || raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ";") {
		k, v, found := strings.Cut(part, ":")
		if !found {
			continue
		}
		v = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "!important"))
		out[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(v)
	}
	return out
}

// parseLength converts a CSS length to px. Relative units resolve against
// the parent size.
func parseLength(v string, parentPx float64) (float64, bool) {
	v = strings.TrimSpace(strings.ToLower(v))
	switch v {
	case "larger":
		return parentPx * 1.2, true
	case "smaller":
		return parentPx / 1.2, true
	}
	units := []struct {
		suffix string
		scale  float64
		rel    bool
	}{
		{"rem", rootFontSize, false},
		{"em", 0, true},
		{"px", 1, false},
		{"pt", 4.0 / 3.0, false},
		{"%", 0.01, true},
	}
	for _, u := range units {
		if !strings.HasSuffix(v, u.suffix) {
			continue
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(v, u.suffix)), 64)
		if err != nil {
			return 0, false
		}
		if u.rel {
			if u.suffix == "%" {
				return n * u.scale * parentPx, true
			}
			return n * parentPx, true
		}
		return n * u.scale, true
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return n, true
	}
	return 0, false
}

func parseWeight(v string, parentWeight int) int {
	switch strings.TrimSpace(strings.ToLower(v)) {
	case "bold":
		return boldWeight
	case "normal":
		return normalWeight
	case "bolder":
		if parentWeight >= 600 {
			return 900
		}
		return boldWeight
	case "lighter":
		if parentWeight > 500 {
			return normalWeight
		}
		return 100
	}
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
		return n
	}
	return parentWeight
}
