package domtree

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Mutation op kinds.
const (
	OpInsert  = "insert"
	OpRemove  = "remove"
	OpAttr    = "attr"
	OpAttrDel = "attr_del"
	OpText    = "text"
	OpReset   = "doc_reset"
)

// Mutation describes one announced tree change.
type Mutation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Tag   string `json:"tag,omitempty"`
	Name  string `json:"name,omitempty"`  // attribute name for attr ops
	Value string `json:"value,omitempty"` // new attribute/text value
}

// Subscribe registers fn for every subsequent mutation and returns its
// cancel function. Delivery is synchronous, in mutation order, after the
// tree change is applied. Cancel is idempotent.
func (d *Document) Subscribe(fn func(Mutation)) (cancel func()) {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

// SubscriberCount reports live subscriptions. Teardown instrumentation.
func (d *Document) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// AppendChild attaches child as parent's last child and announces an
// insert at the child's new path.
func (d *Document) AppendChild(parent, child *html.Node) {
	d.mu.Lock()
	parent.AppendChild(child)
	m := Mutation{Op: OpInsert, Path: Path(child), Tag: Tag(child)}
	subs := d.bump()
	d.mu.Unlock()
	emit(subs, m)
}

// InsertBefore attaches child under parent immediately before ref
// (ref nil behaves like AppendChild).
func (d *Document) InsertBefore(parent, child, ref *html.Node) {
	d.mu.Lock()
	if ref == nil {
		parent.AppendChild(child)
	} else {
		parent.InsertBefore(child, ref)
	}
	m := Mutation{Op: OpInsert, Path: Path(child), Tag: Tag(child)}
	subs := d.bump()
	d.mu.Unlock()
	emit(subs, m)
}

// Remove detaches n from its parent and announces the removal at its
// old path. Removing an already-detached node is a no-op.
func (d *Document) Remove(n *html.Node) {
	d.mu.Lock()
	if n.Parent == nil {
		d.mu.Unlock()
		return
	}
	m := Mutation{Op: OpRemove, Path: Path(n), Tag: Tag(n)}
	n.Parent.RemoveChild(n)
	subs := d.bump()
	d.mu.Unlock()
	emit(subs, m)
}

// SetAttr sets an attribute in place, announcing an attr mutation.
func (d *Document) SetAttr(n *html.Node, key, val string) {
	d.mu.Lock()
	setAttr(n, key, val)
	m := Mutation{Op: OpAttr, Path: Path(n), Tag: Tag(n), Name: key, Value: val}
	subs := d.bump()
	d.mu.Unlock()
	emit(subs, m)
}

// DelAttr removes an attribute; a no-op (no announcement) when absent.
func (d *Document) DelAttr(n *html.Node, key string) {
	d.mu.Lock()
	if !HasAttr(n, key) {
		d.mu.Unlock()
		return
	}
	delAttr(n, key)
	m := Mutation{Op: OpAttrDel, Path: Path(n), Tag: Tag(n), Name: key}
	subs := d.bump()
	d.mu.Unlock()
	emit(subs, m)
}

// SetText replaces n's direct text children with a single text node.
func (d *Document) SetText(n *html.Node, text string) {
	d.mu.Lock()
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.TextNode {
			n.RemoveChild(c)
		}
		c = next
	}
	n.AppendChild(NewText(text))
	m := Mutation{Op: OpText, Path: Path(n), Tag: Tag(n), Value: text}
	subs := d.bump()
	d.mu.Unlock()
	emit(subs, m)
}

// ApplyHTML replaces the whole tree from a fresh snapshot, installing the
// provided layout (nil clears measurements), and announces a doc_reset.
// This is the refresh path: the front-end or livedom re-serialized the
// page and the old tree is no longer authoritative.
func (d *Document) ApplyHTML(snapshot string, layout map[string]Rect, opts ...ParseOption) error {
	var cfg parseConfig
	for _, o := range opts {
		o(&cfg)
	}
	src := snapshot
	if cfg.sanitize {
		src = sanitizeHTML(src)
	}
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return fmt.Errorf("domtree: apply snapshot: %w", err)
	}

	d.mu.Lock()
	d.root = root
	d.layout = layout
	m := Mutation{Op: OpReset, Path: "/"}
	subs := d.bump()
	d.mu.Unlock()
	emit(subs, m)
	return nil
}

// bump increments the revision and snapshots subscribers; callers hold mu.
func (d *Document) bump() []func(Mutation) {
	d.rev++
	if len(d.subs) == 0 {
		return nil
	}
	subs := make([]func(Mutation), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	return subs
}

func emit(subs []func(Mutation), m Mutation) {
	for _, fn := range subs {
		fn(m)
	}
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func delAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != key {
			out = append(out, a)
		}
	}
	n.Attr = out
}
