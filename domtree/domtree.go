// Package domtree is the server-side stand-in for the browser's live tree.
//
// A Document wraps a parsed x/net/html tree with the metadata the engine
// needs (per-node layout rectangles, visibility) and an explicit mutation
// API. Every mutation goes through the Document and is announced to
// subscribers, which is what lets the scanner observe change the way the
// original overlay observed DOM mutations: an explicit subscription the
// caller starts and stops, never an ambient side channel.
//
// Snapshots arrive from two sources with identical semantics: a browser
// front-end posting rendered HTML plus measured boxes, or the livedom
// package driving a headless Chrome page. Untrusted HTML is sanitized
// before parsing (WithSanitize) so scripts and inline handlers never make
// it into the tree; signatures are computed over the sanitized form.
package domtree

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Document owns one parsed tree plus its layout and subscriber set.
// All access goes through its methods; the zero value is not usable.
type Document struct {
	mu      sync.RWMutex
	root    *html.Node
	layout  map[string]Rect
	subs    map[int]func(Mutation)
	nextSub int
	rev     uint64
}

// ParseOption customises Parse.
type ParseOption func(*parseConfig)

type parseConfig struct {
	sanitize bool
	layout   map[string]Rect
}

// WithSanitize runs the snapshot through the ingest sanitizer before
// parsing. Always on for operator-supplied HTML.
func WithSanitize() ParseOption { return func(c *parseConfig) { c.sanitize = true } }

// WithLayout attaches measured bounding boxes keyed by node path
// (see Path for the grammar).
func WithLayout(layout map[string]Rect) ParseOption {
	return func(c *parseConfig) { c.layout = layout }
}

// Parse reads an HTML snapshot into a Document.
func Parse(r io.Reader, opts ...ParseOption) (*Document, error) {
	var cfg parseConfig
	for _, o := range opts {
		o(&cfg)
	}

	var src io.Reader = r
	if cfg.sanitize {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("domtree: read snapshot: %w", err)
		}
		src = strings.NewReader(sanitizeHTML(string(data)))
	}

	root, err := html.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("domtree: parse: %w", err)
	}

	d := &Document{
		root: root,
		subs: make(map[int]func(Mutation)),
	}
	if cfg.layout != nil {
		d.layout = cfg.layout
	}
	return d, nil
}

// ParseString is Parse over a string snapshot.
func ParseString(s string, opts ...ParseOption) (*Document, error) {
	return Parse(strings.NewReader(s), opts...)
}

// Root returns the document root. Callers must treat the tree as read-only;
// all mutation goes through Document methods.
func (d *Document) Root() *html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.root
}

// Rev returns the mutation revision, incremented once per announced change.
func (d *Document) Rev() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rev
}

// Walk visits every element node in document order (pre-order traversal).
func (d *Document) Walk(fn func(*html.Node)) {
	d.mu.RLock()
	root := d.root
	d.mu.RUnlock()
	walkElements(root, fn)
}

// Contains reports whether n is still attached to this document's tree.
func (d *Document) Contains(n *html.Node) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for p := n; p != nil; p = p.Parent {
		if p == d.root {
			return true
		}
	}
	return false
}

// Find returns the first element for which fn reports true, or nil.
func (d *Document) Find(fn func(*html.Node) bool) *html.Node {
	var found *html.Node
	d.Walk(func(n *html.Node) {
		if found == nil && fn(n) {
			found = n
		}
	})
	return found
}

// ByAttr returns the first element whose attribute key equals val.
func (d *Document) ByAttr(key, val string) *html.Node {
	return d.Find(func(n *html.Node) bool { return GetAttr(n, key) == val })
}

func walkElements(n *html.Node, fn func(*html.Node)) {
	if n == nil {
		return
	}
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkElements(c, fn)
	}
}

// GetAttr returns the value of the named attribute, or "".
func GetAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// HasAttr reports whether the named attribute is present.
func HasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

// Tag returns the lowercase tag name of an element node, or "".
func Tag(n *html.Node) string {
	if n == nil || n.Type != html.ElementNode {
		return ""
	}
	return strings.ToLower(n.Data)
}

// NewElement builds a detached element node from a tag and alternating
// attribute key/value pairs. Test and mutation helper.
func NewElement(tag string, attrPairs ...string) *html.Node {
	n := &html.Node{
		Type:     html.ElementNode,
		Data:     tag,
		DataAtom: atom.Lookup([]byte(tag)),
	}
	for i := 0; i+1 < len(attrPairs); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: attrPairs[i], Val: attrPairs[i+1]})
	}
	return n
}

// NewText builds a detached text node.
func NewText(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

// Render serializes a subtree back to HTML (outerHTML).
func Render(n *html.Node) string {
	var sb strings.Builder
	if err := html.Render(&sb, n); err != nil {
		return ""
	}
	return sb.String()
}
