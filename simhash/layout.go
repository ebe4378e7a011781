package simhash

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

const (
	shingleSize = 3
	maxWeight   = 4
)

var skipTags = map[string]bool{"script": true, "style": true, "noscript": true, "template": true, "svg": true}

// Layout fingerprints the element structure under root. Tokens are the tag
// and first class of each element, prefixed by depth; text and attribute
// values other than class are ignored. Shallow elements weigh more than
// deep ones, so a changed page skeleton moves more bits than a changed card.
func Layout(root *html.Node) uint64 {
	tokens := layoutTokens(root)
	if sh := shingles(tokens, shingleSize); len(sh) > 0 {
		return Fingerprint(weigh(sh))
	}
	return Fingerprint(weigh(tokens))
}

// LayoutHTML parses s and fingerprints its layout. Unparseable input yields 0.
func LayoutHTML(s string) uint64 {
	root, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return 0
	}
	return Layout(root)
}

func layoutTokens(root *html.Node) []string {
	var tokens []string
	var walk func(n *html.Node, depth int)
	walk = func(n *html.Node, depth int) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if skipTags[c.Data] {
				continue
			}
			tokens = append(tokens, token(c, depth))
			walk(c, depth+1)
		}
	}
	if root != nil {
		walk(root, 0)
	}
	return tokens
}

func token(n *html.Node, depth int) string {
	var b strings.Builder
	b.WriteByte(byte('a' + depth%26))
	b.WriteByte(':')
	b.WriteString(n.Data)
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		if fields := strings.Fields(a.Val); len(fields) > 0 {
			b.WriteByte('.')
			b.WriteString(stableClass(fields[0]))
		}
		break
	}
	return b.String()
}

// stableClass drops digits so generated class hashes like "css-1x9f2k"
// collapse to "css-xfk" and do not count as a layout change.
func stableClass(c string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, c)
}

// weigh derives each token's weight from the depth letter it starts with.
func weigh(tokens []string) []Feature {
	out := make([]Feature, len(tokens))
	for i, t := range tokens {
		depth := int(t[0] - 'a')
		out[i] = Feature{Token: t, Weight: max(1, maxWeight-depth)}
	}
	return out
}

// shingles creates n-gram shingles from a slice of tokens.
func shingles(tokens []string, n int) []string {
	if len(tokens) < n {
		return nil
	}
	out := make([]string, 0, len(tokens)-n+1)
	for i := 0; i <= len(tokens)-n; i++ {
		out = append(out, strings.Join(tokens[i:i+n], "_"))
	}
	return out
}
