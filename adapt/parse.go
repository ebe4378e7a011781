package adapt

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/use-agent/selfheal/models"
)

var (
	amountRe   = regexp.MustCompile(`(?i)(\d+(?:,\d{3})*(?:\.\d+)?|\.\d+)\s*(thousand|million|billion|mm|bn|k|m|b)?\b`)
	multipleRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*x\b`)
	currencyRe = regexp.MustCompile(`(?i)[$€£¥]|\b(?:usd|eur|gbp|cad|aud)\b`)
)

const (
	minTitleLen = 10
	maxTitleLen = 200

	minPrice = 100
	maxPrice = 1e8
)

// ParseAmount reads the first number in text, honouring thousands separators
// and shorthand suffixes: "50k" is 50000, "1.5M" is 1500000.
func ParseAmount(text string) (float64, bool) {
	m := amountRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(m[2]) {
	case "k", "thousand":
		v *= 1e3
	case "m", "mm", "million":
		v *= 1e6
	case "b", "bn", "billion":
		v *= 1e9
	}
	return v, true
}

// ParseMultiple reads a valuation multiple such as "2.3x".
func ParseMultiple(text string) (float64, bool) {
	m := multipleRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func hasCurrency(text string) bool {
	return currencyRe.MatchString(text)
}

func plausiblePrice(v float64) bool {
	return v >= minPrice && v <= maxPrice
}

func plausibleTitle(text string) bool {
	n := utf8.RuneCountInString(text)
	if n < minTitleLen || n > maxTitleLen {
		return false
	}
	letters := 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
		}
	}
	return letters*2 >= n
}

// valueFor extracts a typed value for field from text.
func valueFor(field, text string) (any, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}
	switch field {
	case models.FieldTitle:
		if plausibleTitle(text) {
			return text, true
		}
		return nil, false
	case models.FieldMultiple:
		if v, ok := ParseMultiple(text); ok {
			return v, true
		}
		return nil, false
	case models.FieldPrice:
		if v, ok := ParseAmount(text); ok && plausiblePrice(v) {
			return v, true
		}
		return nil, false
	case models.FieldRevenue, models.FieldProfit:
		if v, ok := ParseAmount(text); ok && v > 0 {
			return v, true
		}
		return nil, false
	}
	return text, true
}

// keywords maps label text to a field type. Order matters: more specific
// families are checked first so "price multiple" is a multiple and
// "gross profit" a profit.
var keywords = []struct {
	field string
	re    *regexp.Regexp
}{
	{models.FieldMultiple, regexp.MustCompile(`\b(?:multiple|multiplier)\b`)},
	{models.FieldProfit, regexp.MustCompile(`\b(?:profit|net income|earnings|ebitda|sde|cash flow)\b`)},
	{models.FieldRevenue, regexp.MustCompile(`\b(?:revenue|sales|turnover|gross)\b`)},
	{models.FieldPrice, regexp.MustCompile(`\b(?:asking price|price|listed at|valuation|cost)\b`)},
	{models.FieldTitle, regexp.MustCompile(`\b(?:title|name|headline)\b`)},
}

const maxLabelLen = 40

// fieldForLabel maps label-like text to a field type.
func fieldForLabel(label string) (string, bool) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" || utf8.RuneCountInString(label) > maxLabelLen {
		return "", false
	}
	for _, kw := range keywords {
		if kw.re.MatchString(label) {
			return kw.field, true
		}
	}
	return "", false
}

// classify guesses the field type of a standalone value text.
func classify(text string) (string, any, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil, false
	}
	if field, ok := fieldForLabel(text); ok && field != models.FieldTitle {
		if v, ok := valueFor(field, text); ok {
			return field, v, true
		}
	}
	if v, ok := ParseMultiple(text); ok && len(text) <= 12 {
		return models.FieldMultiple, v, true
	}
	if hasCurrency(text) {
		if v, ok := valueFor(models.FieldPrice, text); ok {
			return models.FieldPrice, v, true
		}
	}
	if !hasDigitRun(text) && plausibleTitle(text) {
		return models.FieldTitle, text, true
	}
	return "", nil, false
}

func hasDigitRun(text string) bool {
	run := 0
	for _, r := range text {
		if unicode.IsDigit(r) {
			run++
			if run >= 3 {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}
