package domtree

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Path returns an XPath-like location for n, e.g.
//
//	/html/body/div[2]/form/button
//
// A sibling ordinal ([n], 1-based, counted among same-tag element
// siblings) appears only when the element has same-tag siblings, so
// singleton children keep short stable paths. Text nodes report their
// enclosing element's path. Detached nodes yield a path rooted at their
// highest reachable ancestor, which keeps the function total.
func Path(n *html.Node) string {
	if n == nil {
		return ""
	}
	for n != nil && n.Type != html.ElementNode {
		n = n.Parent
	}
	if n == nil {
		return ""
	}

	var segs []string
	for e := n; e != nil && e.Type == html.ElementNode; e = e.Parent {
		segs = append(segs, segment(e))
	}
	// Reverse into document order.
	var sb strings.Builder
	for i := len(segs) - 1; i >= 0; i-- {
		sb.WriteByte('/')
		sb.WriteString(segs[i])
	}
	return sb.String()
}

// Ordinal returns n's 1-based index among element siblings sharing its
// tag, plus the total count of those siblings.
func Ordinal(n *html.Node) (idx, total int) {
	if n == nil || n.Type != html.ElementNode || n.Parent == nil {
		return 1, 1
	}
	tag := n.Data
	for c := n.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.Data != tag {
			continue
		}
		total++
		if c == n {
			idx = total
		}
	}
	if idx == 0 {
		// n not linked under its parent (mid-mutation); count it anyway.
		total++
		idx = total
	}
	return idx, total
}

func segment(n *html.Node) string {
	name := strings.ToLower(n.Data)
	idx, total := Ordinal(n)
	if total > 1 {
		return fmt.Sprintf("%s[%d]", name, idx)
	}
	return name
}
