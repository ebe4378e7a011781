package models

import "sort"

// Field type identifiers. The set is open: callers may target any string,
// these are the ones the built-in strategies know how to classify.
const (
	FieldPrice    = "price"
	FieldRevenue  = "revenue"
	FieldProfit   = "profit"
	FieldTitle    = "title"
	FieldMultiple = "multiple"
)

// KnownFields lists the field types the strategies can classify, in the
// order deep-scan evaluates them.
var KnownFields = []string{FieldPrice, FieldRevenue, FieldTitle, FieldMultiple}

// Field is one extracted value together with its provenance.
type Field struct {
	// Value is float64 for numeric fields and string for text fields.
	Value any `json:"value"`

	// Text is the raw text the value was parsed from.
	Text string `json:"text"`

	// Confidence is a 0-100 trust estimate for this value.
	Confidence int `json:"confidence"`

	// Method names the strategy (or "memory"/"cache") that produced the value.
	Method string `json:"method"`

	// Selector is the locator that found the value, when one exists.
	// It is what gets recorded into pattern memory.
	Selector string `json:"selector,omitempty"`
}

// Fields maps a field type to its extracted value.
type Fields map[string]Field

// Missing returns the targets that have no entry in f, preserving target order.
func (f Fields) Missing(targets []string) []string {
	var out []string
	for _, t := range targets {
		if _, ok := f[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}

// Merge copies entries from other that are not already present.
// Existing entries always win.
func (f Fields) Merge(other Fields) {
	for k, v := range other {
		if _, ok := f[k]; !ok {
			f[k] = v
		}
	}
}

// Keys returns the field names in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
