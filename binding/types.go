package binding

import "github.com/vireolabs/hookmark/binding/internal/store"

// Re-exported types from internal/store for use by cmd/ and external callers.
type Binding = store.Binding

// Resolution methods reported in a Match.
const (
	MethodSignature = "signature"
	MethodText      = "text"
)

// Match is a successful resolution: the binding plus how it was found.
// Method is "signature" for an exact identity hit and "text" for the
// normalized-label fallback.
type Match struct {
	Binding *Binding `json:"binding"`
	Method  string   `json:"method"`
}

// ElementRef identifies a scanned element for resolution.
type ElementRef struct {
	OrgID     string `json:"org_id"`
	PagePath  string `json:"page_path"`
	Signature string `json:"signature"`
	Label     string `json:"label,omitempty"`
}
