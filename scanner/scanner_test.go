package scanner

import (
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/net/html"

	"github.com/vireolabs/hookmark/domtree"
	"github.com/vireolabs/hookmark/signature"
)

const briefPage = `<html><body>
<form id="brief" action="/briefs" method="post">
  <label for="title">Title</label>
  <input type="text" id="title" name="title" placeholder="Brief title">
  <input type="checkbox" name="urgent">
  <select name="channel"><option>Email</option><option>Slack</option></select>
  <button type="submit" data-testid="save-btn">Create Brief</button>
  <button type="button" class="secondary">Preview</button>
  <input type="hidden" name="csrf" value="tok">
</form>
<nav>
  <a href="/briefs">All briefs</a>
  <a href="/settings?tab=hooks">Settings</a>
</nav>
<button hidden aria-label="Dismiss">x</button>
<div class="note">Not interactive</div>
</body></html>`

func newScanner(t *testing.T, page string, cfg Config) (*Scanner, *domtree.Document) {
	t.Helper()
	doc, err := domtree.ParseString(page)
	if err != nil {
		t.Fatalf("parse page: %v", err)
	}
	s := New(doc, signature.MustNew(signature.Config{}), cfg, slog.Default())
	t.Cleanup(s.Teardown)
	return s, doc
}

func byTag(doc *domtree.Document, tag string) *html.Node {
	return doc.Find(func(n *html.Node) bool { return domtree.Tag(n) == tag })
}

func TestScanFindsInteractiveElements(t *testing.T) {
	s, _ := newScanner(t, briefPage, Config{})

	reg := s.Scan()
	if reg == nil || reg.Len() == 0 {
		t.Fatal("expected a populated registry")
	}

	byLabel := map[string]ScannedElement{}
	for _, el := range reg.All() {
		byLabel[el.Label] = el
	}

	checks := []struct {
		label string
		kind  Kind
	}{
		{"Create Brief", KindSubmit},
		{"Preview", KindClick},
		{"All briefs", KindClick},
		{"Settings", KindClick},
		{"urgent", KindChange},
		{"channel", KindChange},
		{"Brief title", KindInput},
	}
	for _, c := range checks {
		el, ok := byLabel[c.label]
		if !ok {
			t.Errorf("element %q missing from registry", c.label)
			continue
		}
		if el.Kind != c.kind {
			t.Errorf("element %q: kind = %q, want %q", c.label, el.Kind, c.kind)
		}
		if el.Signature == "" || el.Path == "" {
			t.Errorf("element %q: incomplete entry %+v", c.label, el)
		}
	}

	for label := range byLabel {
		if label == "Dismiss" {
			t.Error("hidden button made it into the registry")
		}
		if label == "csrf" {
			t.Error("hidden input made it into the registry")
		}
		if label == "Not interactive" {
			t.Error("plain div made it into the registry")
		}
	}
}

func TestScanUsesStableAttrSignatures(t *testing.T) {
	s, _ := newScanner(t, briefPage, Config{})
	reg := s.Scan()
	if !reg.Has("button#data-testid=save-btn") {
		t.Fatalf("save button not registered under its stable attribute, got %v", reg.Order())
	}
}

func TestScanIsIdempotent(t *testing.T) {
	s, _ := newScanner(t, briefPage, Config{})
	first := s.Scan()
	second := s.Scan()

	if first.Len() != second.Len() {
		t.Fatalf("len drifted across identical scans: %d then %d", first.Len(), second.Len())
	}
	fo, so := first.Order(), second.Order()
	for i := range fo {
		if fo[i] != so[i] {
			t.Fatalf("order drifted at %d: %q then %q", i, fo[i], so[i])
		}
	}
}

func TestScanTagsAndUntagsNodes(t *testing.T) {
	s, doc := newScanner(t, briefPage, Config{})
	reg := s.Scan()

	save := doc.ByAttr("data-testid", "save-btn")
	if save == nil {
		t.Fatal("save button not found")
	}
	sig := domtree.GetAttr(save, DefaultTagAttr)
	if sig == "" {
		t.Fatal("scanned element not tagged")
	}
	if !reg.Has(sig) {
		t.Fatalf("tag %q does not match a registry entry", sig)
	}
	got, err := s.SignatureAt(save)
	if err != nil || got != sig {
		t.Fatalf("SignatureAt = %q, %v; want %q", got, err, sig)
	}

	// Remove the nav; its links must leave the registry on the next scan.
	doc.Remove(byTag(doc, "nav"))
	after := s.Scan()
	if after.Len() != reg.Len()-2 {
		t.Fatalf("after removing nav: len = %d, want %d", after.Len(), reg.Len()-2)
	}
	for _, el := range after.All() {
		if el.Label == "All briefs" || el.Label == "Settings" {
			t.Errorf("removed link %q still registered", el.Label)
		}
	}
}

func TestDuplicateStableAttrFirstWins(t *testing.T) {
	page := `<html><body>
<button data-testid="del">Delete A</button>
<button data-testid="del">Delete B</button>
</body></html>`
	s, _ := newScanner(t, page, Config{})

	reg := s.Scan()
	if reg.Len() != 1 {
		t.Fatalf("registry len = %d, want 1 (second claimant dropped)", reg.Len())
	}
	el, ok := reg.Get("button#data-testid=del")
	if !ok {
		t.Fatalf("shared signature missing, got %v", reg.Order())
	}
	if el.Label != "Delete A" {
		t.Errorf("label = %q, want the first element in document order", el.Label)
	}
	if got := s.Stats().DuplicateSigs; got != 1 {
		t.Errorf("duplicate counter = %d, want 1", got)
	}
}

func TestObserveDebouncesMutationBursts(t *testing.T) {
	s, doc := newScanner(t, briefPage, Config{DebounceWindow: 100 * time.Millisecond})
	s.Scan()

	var rescan atomic.Int32
	if err := s.Observe(func(*Registry) { rescan.Add(1) }); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := s.Observe(func(*Registry) {}); err != ErrAlreadyObserving {
		t.Fatalf("second observe: err = %v, want ErrAlreadyObserving", err)
	}

	// A burst well inside one debounce window: ten mutations in two clumps.
	body := byTag(doc, "body")
	for i := 0; i < 5; i++ {
		doc.AppendChild(body, domtree.NewElement("button", "class", "burst"))
	}
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 5; i++ {
		doc.AppendChild(body, domtree.NewElement("button", "class", "burst"))
	}

	waitFor(t, time.Second, func() bool { return rescan.Load() >= 1 })
	time.Sleep(250 * time.Millisecond) // room for any spurious second pass
	if n := rescan.Load(); n != 1 {
		t.Fatalf("rescans = %d, want exactly 1 for a single burst", n)
	}

	stats := s.Stats()
	if stats.Mutations != 10 {
		t.Errorf("mutations = %d, want 10", stats.Mutations)
	}
	if stats.Scans != 2 { // explicit scan plus one debounced rescan
		t.Errorf("scans = %d, want 2", stats.Scans)
	}
}

func TestObserveSeesSettledTree(t *testing.T) {
	s, doc := newScanner(t, briefPage, Config{DebounceWindow: 50 * time.Millisecond})
	s.Scan()

	var last atomic.Pointer[Registry]
	if err := s.Observe(func(r *Registry) { last.Store(r) }); err != nil {
		t.Fatalf("observe: %v", err)
	}

	// Add a button and remove it before the window closes: the rescan
	// must reflect the settled tree, where it no longer exists.
	body := byTag(doc, "body")
	ghost := domtree.NewElement("button", "id", "ghost")
	doc.AppendChild(body, ghost)
	doc.AppendChild(ghost, domtree.NewText("Ghost"))
	doc.Remove(ghost)

	waitFor(t, time.Second, func() bool { return last.Load() != nil })
	for _, el := range last.Load().All() {
		if el.Label == "Ghost" {
			t.Fatal("rescan captured an intermediate tree state")
		}
	}
}

func TestTeardownReleasesEverything(t *testing.T) {
	defer goleak.VerifyNone(t)

	doc, err := domtree.ParseString(briefPage)
	if err != nil {
		t.Fatalf("parse page: %v", err)
	}
	s := New(doc, signature.MustNew(signature.Config{}), Config{DebounceWindow: 20 * time.Millisecond}, slog.Default())
	s.Scan()
	if err := s.Observe(func(*Registry) {}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if doc.SubscriberCount() != 1 {
		t.Fatalf("subscribers = %d, want 1 while observing", doc.SubscriberCount())
	}

	s.Teardown()
	s.Teardown() // idempotent

	if doc.SubscriberCount() != 0 {
		t.Errorf("subscribers = %d after teardown, want 0", doc.SubscriberCount())
	}
	doc.Walk(func(n *html.Node) {
		if domtree.HasAttr(n, DefaultTagAttr) {
			t.Errorf("node %s still tagged after teardown", domtree.Path(n))
		}
	})

	scansBefore := s.Stats().Scans
	doc.AppendChild(byTag(doc, "body"), domtree.NewElement("button"))
	time.Sleep(60 * time.Millisecond)
	if got := s.Stats().Scans; got != scansBefore {
		t.Errorf("scans moved from %d to %d after teardown", scansBefore, got)
	}

	if err := s.Observe(func(*Registry) {}); err != ErrTornDown {
		t.Errorf("observe after teardown: err = %v, want ErrTornDown", err)
	}
	if st := s.Stats(); st.Observing || st.TimerPending {
		t.Errorf("stats after teardown: %+v, want observing and timer cleared", st)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
