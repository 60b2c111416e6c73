package domtree

import (
	"strings"

	"golang.org/x/net/html"
)

// VisibleText returns the rendered text of a subtree: text nodes joined
// in document order, skipping hidden elements, with whitespace collapsed
// and trimmed. This is the string content hashing and fuzzy matching see.
func VisibleText(n *html.Node) string {
	var sb strings.Builder
	collectVisibleText(n, &sb)
	return strings.Join(strings.Fields(sb.String()), " ")
}

func collectVisibleText(n *html.Node, sb *strings.Builder) {
	if n == nil {
		return
	}
	if n.Type == html.ElementNode && HiddenSelf(n) {
		return
	}
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		sb.WriteByte(' ')
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectVisibleText(c, sb)
	}
}
