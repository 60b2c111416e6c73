package binding

import (
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"golang.org/x/net/html"

	"github.com/vireolabs/hookmark/domtree"
)

// MaxContextRunes caps the stored element context.
const MaxContextRunes = 2000

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// scopeTags are the ancestors worth capturing whole: the form or region
// an element lives in says far more about it than the element alone.
var scopeTags = map[string]bool{
	"form": true, "fieldset": true, "nav": true, "section": true,
	"article": true, "table": true, "dialog": true, "aside": true,
	"header": true, "footer": true, "main": true,
}

// ContextMarkdown renders an element's surroundings as markdown, stored
// alongside the binding so a reader (or a model drafting a payload
// template) can see what the element does without loading the page.
// Returns "" when nothing useful can be rendered.
func ContextMarkdown(n *html.Node) string {
	scope := contextScope(n)
	if scope == nil {
		return ""
	}
	md, err := mdConverter.ConvertString(domtree.Render(scope))
	if err != nil {
		return ""
	}
	md = strings.TrimSpace(md)
	if runes := []rune(md); len(runes) > MaxContextRunes {
		md = string(runes[:MaxContextRunes])
	}
	return md
}

// contextScope picks the nearest region ancestor, stopping at body.
func contextScope(n *html.Node) *html.Node {
	if n == nil {
		return nil
	}
	for p := n.Parent; p != nil; p = p.Parent {
		tag := domtree.Tag(p)
		if scopeTags[tag] {
			return p
		}
		if tag == "body" {
			break
		}
	}
	if n.Parent != nil && n.Parent.Type == html.ElementNode {
		return n.Parent
	}
	return n
}
