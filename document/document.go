// Package document defines the DOM-queryable document the extraction engines
// run against, and an implementation backed by goquery.
//
// The engines only ever see the Document and Element interfaces, so any
// renderer able to answer select/text/attribute/style queries can be
// plugged in.
package document

// Document is a parsed page.
type Document interface {
	// Select returns every element matching a CSS selector rule. An invalid
	// rule matches nothing.
	Select(rule string) []Element

	// Elements returns every element under <body> in document order.
	Elements() []Element

	// PageText returns the visible page text with block boundaries kept as
	// line breaks, suitable for running regular expressions over.
	PageText() string
}

// Element is a single node of a Document.
type Element interface {
	Tag() string

	// Text returns the element's text with whitespace collapsed.
	Text() string

	// OwnText returns only the element's direct text nodes.
	OwnText() string

	Attr(name string) (string, bool)
	Style() Style

	// Parent returns nil for the root element.
	Parent() Element

	// Next returns the next element sibling, or nil.
	Next() Element

	Children() []Element
	Find(rule string) []Element

	// Path returns a CSS selector that locates this element in its document.
	Path() string
}

// Style is the subset of computed style the strategies rank by.
type Style struct {
	FontSize   float64 `json:"font_size"`   // px
	FontWeight int     `json:"font_weight"` // 100-900
}

// Bold reports whether the weight renders as bold.
func (s Style) Bold() bool {
	return s.FontWeight >= 600
}
