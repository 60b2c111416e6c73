package domtree

import "github.com/microcosm-cc/bluemonday"

// ingestPolicy is the snapshot sanitizer. Operator browsers post rendered
// HTML straight off arbitrary pages, so scripts, inline handlers, and
// unknown attributes are stripped before the tree is parsed. The policy
// keeps everything identity and visibility depend on: structural tags,
// form controls, ids/classes, data-* attributes, ARIA markers, and the
// style properties the hidden-element heuristics read.
//
// Signatures are computed over the sanitized tree, so the policy must stay
// deterministic: same snapshot in, same tree out.
var ingestPolicy = newIngestPolicy()

func newIngestPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"html", "head", "body", "title",
		"div", "span", "p", "main", "section", "article", "aside",
		"header", "footer", "nav", "menu",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"ul", "ol", "li", "dl", "dt", "dd",
		"table", "thead", "tbody", "tfoot", "tr", "th", "td", "caption",
		"form", "fieldset", "legend", "label",
		"input", "select", "option", "optgroup", "textarea", "button", "datalist",
		"a", "img", "svg", "use", "figure", "figcaption",
		"details", "summary", "dialog",
		"strong", "em", "b", "i", "u", "small", "code", "pre", "blockquote",
		"br", "hr",
	)

	p.AllowAttrs(
		"id", "class", "name", "type", "value", "placeholder", "title",
		"role", "tabindex", "for", "action", "method", "alt", "src",
		"hidden", "disabled", "readonly", "required", "checked", "selected",
		"multiple", "width", "height", "colspan", "rowspan",
		"aria-hidden", "aria-label", "aria-labelledby", "aria-describedby",
		"aria-expanded", "aria-selected", "aria-current",
	).Globally()
	p.AllowDataAttributes()

	p.AllowAttrs("href", "target", "rel").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto")
	p.AllowRelativeURLs(true)

	p.AllowAttrs("style").Globally()
	p.AllowStyles(
		"display", "visibility", "opacity", "font-size",
		"position", "left", "top", "width", "height",
	).Globally()

	return p
}

func sanitizeHTML(s string) string {
	return ingestPolicy.Sanitize(s)
}
