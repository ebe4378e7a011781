package document

import (
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// HTMLDocument is a Document backed by a goquery tree. It is safe for
// concurrent readers; the tree must not be mutated after parsing.
type HTMLDocument struct {
	doc *goquery.Document

	styles sync.Map // *html.Node -> Style

	textOnce sync.Once
	text     string
}

// Parse reads HTML from r.
func Parse(r io.Reader) (*HTMLDocument, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("document: parse: %w", err)
	}
	return &HTMLDocument{doc: doc}, nil
}

// ParseString parses an HTML string.
func ParseString(s string) (*HTMLDocument, error) {
	return Parse(strings.NewReader(s))
}

// Root returns the underlying html node, e.g. for structure fingerprinting.
func (d *HTMLDocument) Root() *html.Node {
	return d.doc.Get(0)
}

// Select implements Document.
func (d *HTMLDocument) Select(rule string) []Element {
	if _, err := cascadia.ParseGroup(rule); err != nil {
		slog.Debug("document: invalid selector", "selector", rule, "error", err)
		return nil
	}
	return d.wrapAll(d.doc.Find(rule))
}

// Elements implements Document.
func (d *HTMLDocument) Elements() []Element {
	return d.wrapAll(d.doc.Find("body *"))
}

// PageText implements Document. The text is rendered once through the
// markdown converter so tables and blocks keep their line structure, then
// markdown punctuation is stripped.
func (d *HTMLDocument) PageText() string {
	d.textOnce.Do(func() {
		d.text = d.renderText()
	})
	return d.text
}

var (
	mdConverterOnce sync.Once
	mdConverter     *converter.Converter

	mdEscapeRe = regexp.MustCompile(`\\([\\` + "`" + `*_{}\[\]()#+\-.!|<>~$])`)
	mdLinkRe   = regexp.MustCompile(`!?\[([^\]]*)\]\([^)]*\)`)
	mdPunctRe  = regexp.MustCompile("[*_#|>`]+")
	spaceRe    = regexp.MustCompile(`[ \t]+`)
)

func textConverter() *converter.Converter {
	mdConverterOnce.Do(func() {
		mdConverter = converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(
					table.WithCellPaddingBehavior(table.CellPaddingBehaviorMinimal),
				),
			),
		)
	})
	return mdConverter
}

func (d *HTMLDocument) renderText() string {
	raw, err := d.doc.Html()
	if err == nil {
		var md string
		md, err = textConverter().ConvertString(raw)
		if err == nil {
			return cleanMarkdown(md)
		}
	}
	slog.Debug("document: markdown render failed, using node text", "error", err)
	return strings.Join(strings.Fields(d.doc.Find("body").Text()), " ")
}

func cleanMarkdown(md string) string {
	md = mdEscapeRe.ReplaceAllString(md, "$1")
	md = mdLinkRe.ReplaceAllString(md, "$1")
	md = mdPunctRe.ReplaceAllString(md, " ")
	lines := strings.Split(md, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimSpace(spaceRe.ReplaceAllString(l, " "))
		if l != "" && strings.Trim(l, "-: ") != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func (d *HTMLDocument) wrap(s *goquery.Selection) Element {
	if s == nil || s.Length() == 0 {
		return nil
	}
	return &node{doc: d, sel: s.First()}
}

func (d *HTMLDocument) wrapAll(s *goquery.Selection) []Element {
	out := make([]Element, 0, s.Length())
	s.Each(func(_ int, el *goquery.Selection) {
		out = append(out, &node{doc: d, sel: el})
	})
	return out
}

// node is an Element wrapping a single-node goquery selection.
type node struct {
	doc *HTMLDocument
	sel *goquery.Selection
}

func (n *node) Tag() string { return goquery.NodeName(n.sel) }

func (n *node) Text() string {
	return strings.Join(strings.Fields(n.sel.Text()), " ")
}

func (n *node) OwnText() string {
	var b strings.Builder
	for c := n.sel.Get(0).FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func (n *node) Attr(name string) (string, bool) { return n.sel.Attr(name) }

func (n *node) Style() Style {
	key := n.sel.Get(0)
	if v, ok := n.doc.styles.Load(key); ok {
		return v.(Style)
	}
	st := computeStyle(n)
	n.doc.styles.Store(key, st)
	return st
}

func (n *node) Parent() Element {
	p := n.sel.Parent()
	if p.Length() == 0 || p.Get(0).Type != html.ElementNode {
		return nil
	}
	return n.doc.wrap(p)
}

func (n *node) Next() Element {
	return n.doc.wrap(n.sel.Next())
}

func (n *node) Children() []Element {
	return n.doc.wrapAll(n.sel.Children())
}

func (n *node) Find(rule string) []Element {
	if _, err := cascadia.ParseGroup(rule); err != nil {
		return nil
	}
	return n.doc.wrapAll(n.sel.Find(rule))
}

var classTokenRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Path builds a selector from the element up to the nearest ancestor with an
// id, or else from the body, using the first usable class and nth-of-type where the
// tag is ambiguous among siblings.
func (n *node) Path() string {
	var parts []string
	for cur := n.sel; cur.Length() > 0; cur = cur.Parent() {
		h := cur.Get(0)
		if h.Type != html.ElementNode {
			break
		}
		tag := h.Data
		if tag == "html" || tag == "body" {
			// No id ancestor: anchor at the root so the path cannot match
			// a nested look-alike subtree.
			parts = append(parts, tag)
			break
		}
		if id, ok := cur.Attr("id"); ok && classTokenRe.MatchString(id) {
			parts = append(parts, tag+"#"+id)
			break
		}
		part := tag
		if class, ok := cur.Attr("class"); ok {
			for _, c := range strings.Fields(class) {
				if classTokenRe.MatchString(c) {
					part += "." + c
					break
				}
			}
		}
		if same := cur.Parent().Children().Filter(tag); same.Length() > 1 {
			part += ":nth-of-type(" + strconv.Itoa(same.IndexOfSelection(cur)+1) + ")"
		}
		parts = append(parts, part)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}
