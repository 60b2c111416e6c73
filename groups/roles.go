package groups

import (
	"golang.org/x/net/html"

	"github.com/vireolabs/hookmark/domtree"
	"github.com/vireolabs/hookmark/scanner"
)

// containerTags are the ancestors that can anchor a cluster.
var containerTags = map[string]bool{
	"form": true, "fieldset": true, "nav": true, "ul": true, "ol": true,
	"table": true, "thead": true, "tbody": true, "tr": true,
	"section": true, "article": true, "header": true, "footer": true,
	"main": true, "aside": true, "dialog": true, "menu": true,
}

// containerRoles are ARIA roles that make any element a container.
var containerRoles = map[string]bool{
	"group": true, "toolbar": true, "tablist": true, "menu": true,
	"menubar": true, "radiogroup": true, "navigation": true, "form": true,
}

func isContainerNode(n *html.Node) bool {
	if containerTags[domtree.Tag(n)] {
		return true
	}
	return containerRoles[domtree.GetAttr(n, "role")]
}

// containerOf walks up at most maxDist levels looking for a cluster
// container. Returns (nil, 0) when none is near enough.
func containerOf(n *html.Node, maxDist int) (*html.Node, int) {
	depth := 0
	for p := n.Parent; p != nil && depth < maxDist; p = p.Parent {
		depth++
		if p.Type != html.ElementNode {
			continue
		}
		if isContainerNode(p) {
			return p, depth
		}
	}
	return nil, 0
}

// roleOf assigns the functional role of one scanned element.
func roleOf(n *html.Node, el scanner.ScannedElement) Role {
	if inTableCell(n) {
		return RoleDataCell
	}
	switch el.Kind {
	case scanner.KindSubmit:
		return RoleSubmitTrigger
	case scanner.KindInput:
		return RoleInputField
	case scanner.KindChange:
		if isToggle(n) {
			return RoleToggle
		}
		return RoleInputField
	case scanner.KindClick:
		if domtree.Tag(n) == "a" {
			return RoleNavLink
		}
		return RoleActionButton
	}
	return RoleActionButton
}

// isToggle distinguishes on/off controls from value-bearing ones.
func isToggle(n *html.Node) bool {
	switch domtree.GetAttr(n, "type") {
	case "checkbox", "radio":
		return true
	}
	switch domtree.GetAttr(n, "role") {
	case "switch", "checkbox":
		return true
	}
	return false
}

func inTableCell(n *html.Node) bool {
	depth := 0
	for p := n.Parent; p != nil && depth < 3; p = p.Parent {
		depth++
		switch domtree.Tag(p) {
		case "td", "th":
			return true
		}
	}
	return false
}

// containerLabel names a group for display: an explicit label wins,
// then a legend or heading inside the container.
func containerLabel(container *html.Node) string {
	if l := domtree.GetAttr(container, "aria-label"); l != "" {
		return l
	}
	for c := container.FirstChild; c != nil; c = c.NextSibling {
		if domtree.Tag(c) == "legend" {
			return domtree.VisibleText(c)
		}
	}
	if h := findHeading(container, 0); h != nil {
		return domtree.VisibleText(h)
	}
	return domtree.GetAttr(container, "title")
}

func findHeading(n *html.Node, depth int) *html.Node {
	if depth > 3 {
		return nil
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch domtree.Tag(c) {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			return c
		}
		if h := findHeading(c, depth+1); h != nil {
			return h
		}
	}
	return nil
}
