package scanner

import (
	"github.com/vireolabs/hookmark/domtree"
)

// Kind is the closed set of interaction kinds an element can carry.
// Assigned once at the scanner boundary; everything downstream switches
// on it without re-deriving from tags.
type Kind string

const (
	KindClick  Kind = "click"
	KindSubmit Kind = "submit"
	KindChange Kind = "change"
	KindInput  Kind = "input"
)

// ScannedElement is one interactive element as of a given scan pass.
// Instances are value snapshots: a later scan never mutates an earlier
// element, it replaces the whole registry.
type ScannedElement struct {
	Signature   string       `json:"signature"`
	ContentHash string       `json:"content_hash"`
	Path        string       `json:"path"`
	Kind        Kind         `json:"kind"`
	Label       string       `json:"label"`
	Description string       `json:"description,omitempty"`
	Box         domtree.Rect `json:"box"`
}

// Registry is an immutable scan result: the full set of interactive
// elements and their document order. Rebuilt wholesale on every scan so
// it can never drift out of sync with the tree it was computed from.
type Registry struct {
	rev      uint64
	order    []string
	elements map[string]ScannedElement
}

// Rev is the scan revision that produced this registry (monotonic per
// scanner).
func (r *Registry) Rev() uint64 { return r.rev }

// Len returns the element count.
func (r *Registry) Len() int { return len(r.order) }

// Get returns the element for a signature.
func (r *Registry) Get(sig string) (ScannedElement, bool) {
	el, ok := r.elements[sig]
	return el, ok
}

// Has reports signature membership.
func (r *Registry) Has(sig string) bool {
	_, ok := r.elements[sig]
	return ok
}

// Order returns signatures in document order. The returned slice is a
// copy; callers may keep it.
func (r *Registry) Order() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Elements returns signature → element. The returned map is a copy.
func (r *Registry) Elements() map[string]ScannedElement {
	out := make(map[string]ScannedElement, len(r.elements))
	for k, v := range r.elements {
		out[k] = v
	}
	return out
}

// All returns the elements in document order.
func (r *Registry) All() []ScannedElement {
	out := make([]ScannedElement, 0, len(r.order))
	for _, sig := range r.order {
		out = append(out, r.elements[sig])
	}
	return out
}
