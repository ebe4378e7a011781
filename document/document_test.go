package document

import (
	"strings"
	"testing"
)

const listingHTML = `<html><body>
<div id="listing">
  <h1 class="listing-title">Profitable SaaS Business for Sale</h1>
  <span class="price" style="font-size: 24px; font-weight: bold">$45,000</span>
  <table>
    <tr><th>Revenue</th><td>$120,000</td></tr>
    <tr><th>Multiple</th><td>3.2x</td></tr>
  </table>
  <p>Plain <b>bold</b> text</p>
</div>
</body></html>`

func mustParse(t *testing.T, s string) *HTMLDocument {
	t.Helper()
	doc, err := ParseString(s)
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}
	return doc
}

func TestSelect_InvalidSelectorMatchesNothing(t *testing.T) {
	doc := mustParse(t, listingHTML)
	if got := doc.Select("span[[["); len(got) != 0 {
		t.Errorf("invalid selector matched %d elements", len(got))
	}
}

func TestElement_TextAndAttr(t *testing.T) {
	doc := mustParse(t, listingHTML)
	els := doc.Select(".price")
	if len(els) != 1 {
		t.Fatalf("expected 1 price element, got %d", len(els))
	}
	if got := els[0].Text(); got != "$45,000" {
		t.Errorf("Text() = %q", got)
	}
	if cls, ok := els[0].Attr("class"); !ok || cls != "price" {
		t.Errorf("Attr(class) = %q, %v", cls, ok)
	}
}

func TestElement_OwnText(t *testing.T) {
	doc := mustParse(t, listingHTML)
	p := doc.Select("p")[0]
	if got := p.OwnText(); got != "Plain text" {
		t.Errorf("OwnText() = %q, want %q", got, "Plain text")
	}
	if got := p.Text(); got != "Plain bold text" {
		t.Errorf("Text() = %q", got)
	}
}

func TestElement_Style(t *testing.T) {
	doc := mustParse(t, `<html><body>
<div style="font-size: 20px">
  <span id="inherit">a</span>
  <span id="em" style="font-size: 1.5em">b</span>
</div>
<h1 id="h">c</h1>
<strong id="s">d</strong>
<span id="stamped" data-computed-font-size="30px" data-computed-font-weight="600">e</span>
<span id="plain">f</span>
</body></html>`)

	tests := []struct {
		id     string
		size   float64
		weight int
	}{
		{"inherit", 20, 400},
		{"em", 30, 400},
		{"h", 32, 700},
		{"s", 16, 700},
		{"stamped", 30, 600},
		{"plain", 16, 400},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			els := doc.Select("#" + tt.id)
			if len(els) != 1 {
				t.Fatalf("element #%s not found", tt.id)
			}
			st := els[0].Style()
			if st.FontSize != tt.size || st.FontWeight != tt.weight {
				t.Errorf("Style() = %+v, want size %v weight %d", st, tt.size, tt.weight)
			}
		})
	}
}

func TestElement_ParentAndNext(t *testing.T) {
	doc := mustParse(t, listingHTML)
	th := doc.Select("th")[0]
	next := th.Next()
	if next == nil || next.Text() != "$120,000" {
		t.Fatalf("Next() = %v", next)
	}
	if p := th.Parent(); p == nil || p.Tag() != "tr" {
		t.Errorf("Parent() tag = %v", p)
	}
	if doc.Select("html")[0].Parent() != nil {
		t.Error("html element should have no parent element")
	}
}

func TestElement_PathRoundTrips(t *testing.T) {
	doc := mustParse(t, listingHTML)
	for _, el := range doc.Select("td") {
		path := el.Path()
		if !strings.HasPrefix(path, "div#listing") {
			t.Errorf("path %q should be anchored at the id ancestor", path)
		}
		found := doc.Select(path)
		if len(found) != 1 || found[0].Text() != el.Text() {
			t.Errorf("path %q does not locate %q uniquely", path, el.Text())
		}
	}
}

func TestElement_PathAnchoredAtBody(t *testing.T) {
	doc := mustParse(t, `<html><body>
<div><div><span class="v">outer</span></div></div>
<section><div><div><span class="v">nested</span></div></div></section>
</body></html>`)
	outer := doc.Select("span.v")[0]
	path := outer.Path()
	if path != "body > div > div > span.v" {
		t.Errorf("path = %q", path)
	}
	found := doc.Select(path)
	if len(found) != 1 || found[0].Text() != "outer" {
		t.Errorf("path %q matched %d elements", path, len(found))
	}
}

func TestPageText_KeepsLines(t *testing.T) {
	doc := mustParse(t, listingHTML)
	text := doc.PageText()
	if !strings.Contains(text, "$45,000") {
		t.Errorf("page text missing price: %q", text)
	}
	var revenueLine string
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, "Revenue") {
			revenueLine = line
		}
	}
	if !strings.Contains(revenueLine, "120,000") || strings.Contains(revenueLine, "Multiple") {
		t.Errorf("revenue line = %q, want label and value only", revenueLine)
	}
}
