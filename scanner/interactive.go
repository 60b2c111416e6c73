package scanner

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/vireolabs/hookmark/domtree"
)

// clickRoles are ARIA roles that make an arbitrary element clickable.
var clickRoles = map[string]bool{
	"button": true, "link": true, "tab": true, "menuitem": true,
	"option": true, "switch": true, "checkbox": true,
}

// classifyKind maps an element to its interaction kind, or "" when the
// element is not interactive. Visibility is checked separately; this is
// purely structural.
func classifyKind(n *html.Node) Kind {
	switch domtree.Tag(n) {
	case "form":
		return KindSubmit
	case "button":
		if isSubmitButton(n) {
			return KindSubmit
		}
		return KindClick
	case "a":
		if domtree.HasAttr(n, "href") {
			return KindClick
		}
	case "summary":
		return KindClick
	case "select":
		return KindChange
	case "textarea":
		return KindInput
	case "input":
		switch strings.ToLower(domtree.GetAttr(n, "type")) {
		case "hidden":
			return ""
		case "submit", "image":
			return KindSubmit
		case "button", "reset":
			return KindClick
		case "checkbox", "radio", "file":
			return KindChange
		default:
			return KindInput
		}
	}

	if role := strings.ToLower(domtree.GetAttr(n, "role")); clickRoles[role] {
		if role == "checkbox" || role == "switch" {
			return KindChange
		}
		return KindClick
	}
	return ""
}

// isSubmitButton: an explicit type wins; a typeless button inside a form
// defaults to submit per the HTML spec.
func isSubmitButton(n *html.Node) bool {
	switch strings.ToLower(domtree.GetAttr(n, "type")) {
	case "submit":
		return true
	case "button", "reset":
		return false
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if domtree.Tag(p) == "form" {
			return true
		}
	}
	return false
}

// labelOf derives the operator-facing label, first non-empty of:
// aria-label, visible text, value, placeholder, alt, title, name.
func labelOf(n *html.Node) string {
	candidates := []string{
		domtree.GetAttr(n, "aria-label"),
		domtree.VisibleText(n),
		domtree.GetAttr(n, "value"),
		domtree.GetAttr(n, "placeholder"),
		domtree.GetAttr(n, "alt"),
		domtree.GetAttr(n, "title"),
		domtree.GetAttr(n, "name"),
	}
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return collapse(c)
		}
	}
	return ""
}

// descriptionOf finds contextual wording for an element: an associated
// <label for=...>, an enclosing <label>, the enclosing fieldset's legend,
// or the title attribute.
func descriptionOf(doc *domtree.Document, n *html.Node) string {
	if id := domtree.GetAttr(n, "id"); id != "" {
		if lab := doc.Find(func(c *html.Node) bool {
			return domtree.Tag(c) == "label" && domtree.GetAttr(c, "for") == id
		}); lab != nil {
			if t := domtree.VisibleText(lab); t != "" {
				return t
			}
		}
	}
	for p := n.Parent; p != nil; p = p.Parent {
		switch domtree.Tag(p) {
		case "label":
			if t := domtree.VisibleText(p); t != "" {
				return t
			}
		case "fieldset":
			for c := p.FirstChild; c != nil; c = c.NextSibling {
				if domtree.Tag(c) == "legend" {
					if t := domtree.VisibleText(c); t != "" {
						return t
					}
				}
			}
		}
	}
	return strings.TrimSpace(domtree.GetAttr(n, "title"))
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
