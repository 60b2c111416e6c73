package domtree

import (
	"strings"

	"golang.org/x/net/html"
)

// Query returns all elements matching a simple CSS selector, in document
// order. Supported grammar:
//
//	tag            "button", "form"
//	.class         ".primary"
//	#id            "#save"
//	tag.class      "button.primary"
//	tag#id         "div#toolbar"
//	tag[attr]      "a[href]"
//	tag[attr=val]  "input[type=email]"
//	a b            descendant combinator
//
// Enough for select-by-selector bulk picks and tests; anything fancier
// belongs in the browser.
func (d *Document) Query(selector string) []*html.Node {
	d.mu.RLock()
	root := d.root
	d.mu.RUnlock()

	parts := strings.Fields(selector)
	if len(parts) == 0 {
		return nil
	}

	matches := matchIn(root, parseSimpleSelector(parts[0]))
	for _, part := range parts[1:] {
		sel := parseSimpleSelector(part)
		var next []*html.Node
		seen := make(map[*html.Node]bool)
		for _, scope := range matches {
			for _, m := range matchIn(scope, sel) {
				if m != scope && !seen[m] {
					seen[m] = true
					next = append(next, m)
				}
			}
		}
		matches = next
	}
	return matches
}

// QueryFirst returns the first match or nil.
func (d *Document) QueryFirst(selector string) *html.Node {
	if ms := d.Query(selector); len(ms) > 0 {
		return ms[0]
	}
	return nil
}

type simpleSelector struct {
	tag     string
	id      string
	class   string
	attrKey string
	attrVal string
}

func parseSimpleSelector(sel string) simpleSelector {
	var s simpleSelector

	if idx := strings.IndexByte(sel, '['); idx >= 0 {
		attrPart := strings.TrimRight(sel[idx+1:], "]")
		sel = sel[:idx]
		if eq := strings.IndexByte(attrPart, '='); eq >= 0 {
			s.attrKey = attrPart[:eq]
			s.attrVal = strings.Trim(attrPart[eq+1:], `"'`)
		} else {
			s.attrKey = attrPart
		}
	}
	if idx := strings.IndexByte(sel, '#'); idx >= 0 {
		s.id = sel[idx+1:]
		sel = sel[:idx]
	}
	if idx := strings.IndexByte(sel, '.'); idx >= 0 {
		s.class = sel[idx+1:]
		sel = sel[:idx]
	}
	s.tag = strings.ToLower(sel)
	return s
}

func matchIn(root *html.Node, s simpleSelector) []*html.Node {
	var out []*html.Node
	walkElements(root, func(n *html.Node) {
		if matchesSelector(n, s) {
			out = append(out, n)
		}
	})
	return out
}

func matchesSelector(n *html.Node, s simpleSelector) bool {
	if s.tag != "" && Tag(n) != s.tag {
		return false
	}
	if s.id != "" && GetAttr(n, "id") != s.id {
		return false
	}
	if s.class != "" && !hasClass(n, s.class) {
		return false
	}
	if s.attrKey != "" {
		if !HasAttr(n, s.attrKey) {
			return false
		}
		if s.attrVal != "" && GetAttr(n, s.attrKey) != s.attrVal {
			return false
		}
	}
	return true
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(GetAttr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}
