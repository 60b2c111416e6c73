package domtree

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Rect is an element's rendered bounding box in CSS pixels.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Zero reports whether the box has no area.
func (r Rect) Zero() bool { return r.W <= 0 || r.H <= 0 }

// Style substrings that make an element invisible without removing it.
var hiddenStylePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)display\s*:\s*none`),
	regexp.MustCompile(`(?i)visibility\s*:\s*hidden`),
	regexp.MustCompile(`(?i)font-size\s*:\s*0[^1-9]`),
	regexp.MustCompile(`(?i)opacity\s*:\s*0[^.]`),
	regexp.MustCompile(`(?i)position\s*:\s*absolute[^;]*-\d{4,}`),
}

// nonRenderedTags never produce a box regardless of styling.
var nonRenderedTags = map[string]bool{
	"head": true, "title": true, "meta": true, "link": true,
	"script": true, "style": true, "noscript": true, "template": true,
	"datalist": true, "option": true, "optgroup": true,
}

// SetLayout replaces the measured-box map (keyed by Path). Used when a
// refreshed snapshot arrives with new client-side measurements.
func (d *Document) SetLayout(layout map[string]Rect) {
	d.mu.Lock()
	d.layout = layout
	d.mu.Unlock()
}

// BoxOf returns the bounding box for n.
//
// Measured layout wins when present, including measured zero boxes;
// the browser knows better than any heuristic. Without a measurement,
// hidden elements get the zero Rect and visible ones a nominal box
// (width/height attributes when numeric, else 1x1) so the "non-zero
// area" interactivity filter behaves deterministically on bare
// snapshots.
func (d *Document) BoxOf(n *html.Node) Rect {
	d.mu.RLock()
	layout := d.layout
	d.mu.RUnlock()

	if layout != nil {
		if r, ok := layout[Path(n)]; ok {
			return r
		}
	}
	if d.hiddenInTree(n) {
		return Rect{}
	}
	return nominalBox(n)
}

// Visible reports whether n renders with a non-zero box.
func (d *Document) Visible(n *html.Node) bool {
	return !d.BoxOf(n).Zero()
}

func (d *Document) hiddenInTree(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		if HiddenSelf(p) {
			return true
		}
	}
	return false
}

// HiddenSelf reports whether the element itself carries a hiding marker:
// non-rendered tag, hidden attribute, aria-hidden, input type=hidden, or
// a style matching the hidden patterns.
func HiddenSelf(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	tag := strings.ToLower(n.Data)
	if nonRenderedTags[tag] {
		return true
	}
	if HasAttr(n, "hidden") {
		return true
	}
	if strings.EqualFold(GetAttr(n, "aria-hidden"), "true") {
		return true
	}
	if tag == "input" && strings.EqualFold(GetAttr(n, "type"), "hidden") {
		return true
	}
	if style := GetAttr(n, "style"); style != "" {
		for _, pat := range hiddenStylePatterns {
			if pat.MatchString(style) {
				return true
			}
		}
	}
	return false
}

func nominalBox(n *html.Node) Rect {
	r := Rect{W: 1, H: 1}
	if w, err := strconv.ParseFloat(GetAttr(n, "width"), 64); err == nil && w > 0 {
		r.W = w
	}
	if h, err := strconv.ParseFloat(GetAttr(n, "height"), 64); err == nil && h > 0 {
		r.H = h
	}
	return r
}
