// Package signature computes stable identities for tree nodes.
//
// A signature is the durable key a webhook binding is stored under; it has
// to survive page reloads and re-renders that do not restructure the page.
// Explicit test ids are the strongest anchor and win outright. Everything
// else falls back to a bounded structural path (tag + sibling ordinal,
// at most MaxDepth ancestor levels so distant changes cannot reach it)
// combined with normalized attributes, hashed into an opaque el_ token.
//
// The content hash is deliberately separate: it tracks what an element
// says, not what it is, and only the fuzzy resolver consults it.
package signature

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/vireolabs/hookmark/domtree"
)

// DefaultMaxDepth bounds how many ancestor levels a structural signature
// may include.
const DefaultMaxDepth = 5

// defaultVolatileID matches ids that frameworks generate per render;
// such ids are worthless as identity anchors.
const defaultVolatileID = `^\d+$|^:r|^radix-|^react-|^ember\d`

// Config tunes signature composition.
type Config struct {
	// StableAttrs are checked in order; the first present non-empty
	// attribute short-circuits structural derivation. "id" entries are
	// additionally screened against VolatileIDPattern.
	StableAttrs []string `yaml:"stable_attrs"`

	// MaxDepth is the ancestor-level bound for structural paths.
	MaxDepth int `yaml:"max_depth"`

	// VolatileIDPattern is a regexp for generated id values to ignore.
	VolatileIDPattern string `yaml:"volatile_id_pattern"`
}

func (c *Config) applyDefaults() {
	if len(c.StableAttrs) == 0 {
		c.StableAttrs = []string{"data-testid", "data-qa", "data-hook", "id"}
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.VolatileIDPattern == "" {
		c.VolatileIDPattern = defaultVolatileID
	}
}

// Engine derives signatures and content hashes. Pure: it never mutates
// the tree, never errors on odd nodes, and a detached node still yields
// a deterministic (if degenerate) value.
type Engine struct {
	cfg        Config
	volatileID *regexp.Regexp
}

// New builds an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	cfg.applyDefaults()
	re, err := regexp.Compile(cfg.VolatileIDPattern)
	if err != nil {
		return nil, fmt.Errorf("signature: volatile id pattern: %w", err)
	}
	return &Engine{cfg: cfg, volatileID: re}, nil
}

// MustNew is New for default-config call sites that cannot fail.
func MustNew(cfg Config) *Engine {
	e, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return e
}

// Of returns the element's signature.
func (e *Engine) Of(n *html.Node) string {
	if n == nil {
		return "el_nil"
	}
	tag := domtree.Tag(n)
	if tag == "" {
		tag = "#text"
	}

	for _, name := range e.cfg.StableAttrs {
		val := domtree.GetAttr(n, name)
		if val == "" {
			continue
		}
		if name == "id" && e.volatileID.MatchString(val) {
			continue
		}
		return fmt.Sprintf("%s#%s=%s", tag, name, val)
	}

	return "el_" + shortHash(e.descriptor(n, tag))
}

// ContentHash hashes the element's visible text together with its tag.
// It changes when the element displays different content even if its
// structural position has not moved.
func (e *Engine) ContentHash(n *html.Node) string {
	if n == nil {
		return "ch_nil"
	}
	text := strings.TrimSpace(domtree.VisibleText(n))
	return "ch_" + shortHash(domtree.Tag(n)+"|"+text)
}

// descriptor builds the canonical structural string that gets hashed.
func (e *Engine) descriptor(n *html.Node, tag string) string {
	var sb strings.Builder
	sb.WriteString(boundedPath(n, e.cfg.MaxDepth))
	sb.WriteByte('|')
	sb.WriteString(tag)

	if classes := normalizedClasses(n); classes != "" {
		sb.WriteString("|c=")
		sb.WriteString(classes)
	}
	for _, key := range structuralAttrs {
		if v := domtree.GetAttr(n, key); v != "" {
			sb.WriteByte('|')
			sb.WriteString(key)
			sb.WriteByte('=')
			sb.WriteString(v)
		}
	}
	if href := domtree.GetAttr(n, "href"); href != "" {
		sb.WriteString("|href=")
		sb.WriteString(hrefPath(href))
	}
	return sb.String()
}

// structuralAttrs participate in identity; content-ish attributes
// (placeholder, title, aria-label) deliberately do not.
var structuralAttrs = []string{"type", "name", "role"}

// boundedPath is the trailing maxDepth segments of the node's path,
// e.g. "div[2]/form/button" for maxDepth 3.
func boundedPath(n *html.Node, maxDepth int) string {
	segs := make([]string, 0, maxDepth)
	for e := n; e != nil && e.Type == html.ElementNode && len(segs) < maxDepth; e = e.Parent {
		tag := strings.ToLower(e.Data)
		if idx, total := domtree.Ordinal(e); total > 1 {
			segs = append(segs, fmt.Sprintf("%s[%d]", tag, idx))
		} else {
			segs = append(segs, tag)
		}
	}
	// Reverse into document order.
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return strings.Join(segs, "/")
}

func normalizedClasses(n *html.Node) string {
	fields := strings.Fields(domtree.GetAttr(n, "class"))
	if len(fields) == 0 {
		return ""
	}
	sort.Strings(fields)
	out := fields[:1]
	for _, f := range fields[1:] {
		if f != out[len(out)-1] {
			out = append(out, f)
		}
	}
	return strings.Join(out, ".")
}

// hrefPath strips query and fragment: route identity, not request state.
func hrefPath(href string) string {
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		return href[:i]
	}
	return href
}

func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:16])
}
