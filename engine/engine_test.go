package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	_ "modernc.org/sqlite"

	"github.com/vireolabs/hookmark/binding"
	"github.com/vireolabs/hookmark/bulkops"
	"github.com/vireolabs/hookmark/groups"
	"github.com/vireolabs/hookmark/scanner"
	"github.com/vireolabs/hookmark/selection"
	"github.com/vireolabs/hookmark/webhook"
)

const configPage = `<html><body>
<nav>
  <a href="/dashboard">Dashboard</a>
  <a href="/briefs">Briefs</a>
  <a href="/settings">Settings</a>
</nav>
<main>
  <form id="brief-form" action="/briefs" method="post">
    <input type="text" name="title" placeholder="Brief title">
    <select name="channel"><option>Email</option><option>Slack</option></select>
    <button type="submit" data-testid="save-brief">Save brief</button>
    <button type="button" data-testid="discard-brief">Discard</button>
  </form>
  <button id="export-csv">Export CSV</button>
</main>
</body></html>`

const (
	sigSave    = "button#data-testid=save-brief"
	sigDiscard = "button#data-testid=discard-brief"
	sigExport  = "button#id=export-csv"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		DataDir:     t.TempDir(),
		DetachRetry: 5 * time.Millisecond,
		Scanner:     scanner.Config{DebounceWindow: 20 * time.Millisecond},
		Binding:     binding.Config{AllowPrivateURLs: true},
		Webhook:     webhook.Config{Timeout: 2 * time.Second, AllowPrivateURLs: true},
	}
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(testConfig(t), slog.Default())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func openTestSession(t *testing.T, e *Engine) *Session {
	t.Helper()
	sess, err := e.OpenSession(context.Background(), OpenSessionRequest{
		OrgID:    "org_acme",
		UserID:   "usr_lea",
		PagePath: "/briefs",
		HTML:     configPage,
	})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	return sess
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestOpenSessionScansPage(t *testing.T) {
	e := testEngine(t)
	sess := openTestSession(t, e)

	els := sess.Elements()
	if len(els) == 0 {
		t.Fatal("expected scanned elements")
	}
	found := map[string]bool{}
	for _, el := range els {
		found[el.Signature] = true
	}
	for _, sig := range []string{sigSave, sigDiscard, sigExport} {
		if !found[sig] {
			t.Errorf("registry is missing %s", sig)
		}
	}
	if st := sess.State(); st.Mode != selection.ModeIdle {
		t.Errorf("Mode = %v, want idle", st.Mode)
	}
	if n := e.SessionCount(); n != 1 {
		t.Errorf("SessionCount = %d, want 1", n)
	}
}

func TestOpenSessionRejectsIncompleteRequest(t *testing.T) {
	e := testEngine(t)

	bad := []OpenSessionRequest{
		{PagePath: "/briefs", HTML: configPage},
		{OrgID: "org_acme", HTML: configPage},
		{OrgID: "org_acme", PagePath: "/briefs"},
	}
	for i, req := range bad {
		if _, err := e.OpenSession(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("request %d: err = %v, want ErrInvalidRequest", i, err)
		}
	}
}

func TestSessionLookupAndClose(t *testing.T) {
	e := testEngine(t)
	sess := openTestSession(t, e)

	got, err := e.Session(sess.ID)
	if err != nil || got != sess {
		t.Fatalf("Session(%s) = %v, %v", sess.ID, got, err)
	}

	if err := e.CloseSession(sess.ID); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if _, err := e.Session(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
	if err := e.CloseSession(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second close err = %v, want ErrSessionNotFound", err)
	}

	st := sess.Stats()
	if st.Observing || st.TimerPending {
		t.Errorf("scanner still live after close: %+v", st)
	}
}

func TestHoverAndSelect(t *testing.T) {
	e := testEngine(t)
	sess := openTestSession(t, e)
	ctx := context.Background()

	st, err := sess.Hover(ctx, sigSave)
	if err != nil {
		t.Fatalf("hover: %v", err)
	}
	if st.Mode != selection.ModeHovering || st.HoveredID != sigSave {
		t.Errorf("after hover: %+v", st)
	}

	st, err = sess.Select(ctx, sigSave)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if st.Mode != selection.ModeSelected || st.SelectedID != sigSave {
		t.Errorf("after select: %+v", st)
	}
}

func TestUnknownElementIsDetached(t *testing.T) {
	e := testEngine(t)
	sess := openTestSession(t, e)

	_, err := sess.Select(context.Background(), "button#id=gone")
	if !IsDetached(err) {
		t.Fatalf("err = %v, want DetachedError", err)
	}
	if st := sess.State(); st.Mode != selection.ModeIdle {
		t.Errorf("state moved on a detached select: %+v", st)
	}
}

func TestConfigureFlowSavesAndResolves(t *testing.T) {
	e := testEngine(t)
	sess := openTestSession(t, e)
	ctx := context.Background()

	st, err := sess.BeginConfigure(ctx, sigSave)
	if err != nil {
		t.Fatalf("begin configure: %v", err)
	}
	if st.Mode != selection.ModeConfiguring {
		t.Fatalf("Mode = %v, want configuring", st.Mode)
	}

	b, d, err := sess.CompleteConfigure(ctx, BindingDraft{
		URL:           "http://127.0.0.1:9/hook",
		TriggerEvents: []string{"click"},
	})
	if err != nil {
		t.Fatalf("complete configure: %v", err)
	}
	if d != nil {
		t.Errorf("unexpected delivery without send_test: %+v", d)
	}
	if b.ID == "" || b.ElementSignature != sigSave || !b.Enabled {
		t.Errorf("binding = %+v", b)
	}
	if b.Label != "Save brief" {
		t.Errorf("Label = %q, want %q", b.Label, "Save brief")
	}
	if b.ElementContext == "" {
		t.Error("expected element context markdown")
	}
	if st := sess.State(); st.Mode != selection.ModeSelected {
		t.Errorf("Mode after save = %v, want selected", st.Mode)
	}

	match, err := sess.ResolveElement(ctx, sigSave, "Save brief")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if match == nil || match.Method != binding.MethodSignature || match.Binding.ID != b.ID {
		t.Errorf("match = %+v", match)
	}
}

func TestCompleteConfigureRequiresPanel(t *testing.T) {
	e := testEngine(t)
	sess := openTestSession(t, e)

	_, _, err := sess.CompleteConfigure(context.Background(), BindingDraft{URL: "http://127.0.0.1:9/hook"})
	if !errors.Is(err, ErrNotConfiguring) {
		t.Fatalf("err = %v, want ErrNotConfiguring", err)
	}
}

func TestWebhookTestDelivery(t *testing.T) {
	e := testEngine(t)
	sess := openTestSession(t, e)
	ctx := context.Background()

	var mu sync.Mutex
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		json.Unmarshal(body, &got)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if _, err := sess.BeginConfigure(ctx, sigSave); err != nil {
		t.Fatalf("begin configure: %v", err)
	}
	if _, _, err := sess.CompleteConfigure(ctx, BindingDraft{URL: srv.URL}); err != nil {
		t.Fatalf("complete configure: %v", err)
	}

	d, err := sess.TestWebhook(ctx, sigSave)
	if err != nil {
		t.Fatalf("test webhook: %v", err)
	}
	if !d.OK || d.Status != http.StatusOK {
		t.Errorf("delivery = %+v", d)
	}

	mu.Lock()
	defer mu.Unlock()
	if got["test"] != true {
		t.Errorf("payload test flag = %v, want true", got["test"])
	}
	if got["event"] != "click" {
		t.Errorf("payload event = %v, want click", got["event"])
	}
	if got["org_id"] != "org_acme" || got["user_id"] != "usr_lea" {
		t.Errorf("payload identity = %v / %v", got["org_id"], got["user_id"])
	}
	el, _ := got["element"].(map[string]any)
	if el["signature"] != sigSave || el["page_path"] != "/briefs" {
		t.Errorf("payload element = %v", el)
	}
	ts, _ := got["timestamp"].(string)
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", ts, err)
	}
}

func TestWebhookTestWithoutBinding(t *testing.T) {
	e := testEngine(t)
	sess := openTestSession(t, e)

	_, err := sess.TestWebhook(context.Background(), sigExport)
	if !errors.Is(err, binding.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestBindingSurvivesFailedTestDelivery(t *testing.T) {
	e := testEngine(t)
	sess := openTestSession(t, e)
	ctx := context.Background()

	// A server that is already gone: the send attempt fails outright.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	if _, err := sess.BeginConfigure(ctx, sigSave); err != nil {
		t.Fatalf("begin configure: %v", err)
	}
	b, d, err := sess.CompleteConfigure(ctx, BindingDraft{URL: url, SendTest: true})
	if err == nil {
		t.Fatal("expected a send error")
	}
	var se *webhook.SendError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want SendError", err)
	}
	if b == nil || d != nil {
		t.Fatalf("binding = %v, delivery = %v", b, d)
	}

	match, err := sess.ResolveElement(ctx, sigSave, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if match == nil {
		t.Error("binding should survive a failed test delivery")
	}
}

func TestSnapshotUpdatePrunesSelection(t *testing.T) {
	e := testEngine(t)
	sess := openTestSession(t, e)
	ctx := context.Background()

	if _, err := sess.Select(ctx, sigExport); err != nil {
		t.Fatalf("select: %v", err)
	}

	// Same page with the export button removed.
	next := `<html><body>
<main>
  <form id="brief-form" action="/briefs" method="post">
    <input type="text" name="title" placeholder="Brief title">
    <button type="submit" data-testid="save-brief">Save brief</button>
  </form>
</main>
</body></html>`
	if err := sess.ApplySnapshot(next, nil); err != nil {
		t.Fatalf("apply snapshot: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return sess.State().SelectedID == ""
	})
	if sess.scan.Registry().Has(sigExport) {
		t.Error("registry still holds the removed element")
	}
}

func TestDetectGroupsFindsForm(t *testing.T) {
	e := testEngine(t)
	sess := openTestSession(t, e)

	gs, err := sess.DetectGroups()
	if err != nil {
		t.Fatalf("detect groups: %v", err)
	}
	var form *groups.Group
	for i := range gs {
		if gs[i].Type == groups.GroupForm {
			form = &gs[i]
			break
		}
	}
	if form == nil {
		t.Fatalf("no form group in %+v", gs)
	}
	if form.Confidence < 0.6 {
		t.Errorf("form confidence = %f, want >= 0.6", form.Confidence)
	}
	members := map[string]bool{}
	for _, m := range form.Members {
		members[m.Signature] = true
	}
	if !members[sigSave] || !members[sigDiscard] {
		t.Errorf("form members = %v", form.Members)
	}
}

func saveBinding(t *testing.T, sess *Session, sig, url string) {
	t.Helper()
	ctx := context.Background()
	if _, err := sess.BeginConfigure(ctx, sig); err != nil {
		t.Fatalf("begin configure %s: %v", sig, err)
	}
	if _, _, err := sess.CompleteConfigure(ctx, BindingDraft{URL: url}); err != nil {
		t.Fatalf("complete configure %s: %v", sig, err)
	}
}

func TestBulkUnbindClearsBindings(t *testing.T) {
	e := testEngine(t)
	sess := openTestSession(t, e)
	ctx := context.Background()

	saveBinding(t, sess, sigSave, "http://127.0.0.1:9/hook")
	saveBinding(t, sess, sigDiscard, "http://127.0.0.1:9/hook")
	if n, _ := e.Resolver().Count(ctx, "org_acme"); n != 2 {
		t.Fatalf("bindings before bulk = %d, want 2", n)
	}

	sess.DeselectAll()
	sess.EnterBulk()
	if _, err := sess.Select(ctx, sigSave); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Select(ctx, sigDiscard); err != nil {
		t.Fatal(err)
	}

	op, err := sess.StartBulk(ctx, bulkops.KindUnbind, nil)
	if err != nil {
		t.Fatalf("start bulk: %v", err)
	}
	if op.Total != 2 {
		t.Errorf("Total = %d, want 2", op.Total)
	}

	waitFor(t, 2*time.Second, func() bool {
		got, err := e.Bulk().Get(ctx, op.ID)
		return err == nil && got != nil && got.Status == bulkops.StatusCompleted
	})
	if n, _ := e.Resolver().Count(ctx, "org_acme"); n != 0 {
		t.Errorf("bindings after bulk = %d, want 0", n)
	}
	waitFor(t, time.Second, func() bool {
		return sess.State().Mode == selection.ModeBulk
	})
}

func TestStartBulkNeedsSelection(t *testing.T) {
	e := testEngine(t)
	sess := openTestSession(t, e)

	if _, err := sess.StartBulk(context.Background(), bulkops.KindUnbind, nil); !errors.Is(err, ErrNoBulkSelection) {
		t.Fatalf("err = %v, want ErrNoBulkSelection", err)
	}
	sess.EnterBulk()
	if _, err := sess.StartBulk(context.Background(), bulkops.KindUnbind, nil); !errors.Is(err, ErrNoBulkSelection) {
		t.Fatalf("empty bulk err = %v, want ErrNoBulkSelection", err)
	}
}

func TestDeleteKeyStartsBulkUnbind(t *testing.T) {
	e := testEngine(t)
	sess := openTestSession(t, e)
	ctx := context.Background()

	saveBinding(t, sess, sigExport, "http://127.0.0.1:9/hook")

	// EnterBulk carries the configured element into the bulk set.
	sess.EnterBulk()
	cmd, _, err := sess.Key(ctx, selection.Key{Code: "Delete"})
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if cmd != selection.CmdBulkUnbind {
		t.Fatalf("cmd = %v, want bulk_unbind", cmd)
	}

	waitFor(t, 2*time.Second, func() bool {
		n, err := e.Resolver().Count(ctx, "org_acme")
		return err == nil && n == 0
	})
}

func TestSubscribeDeliversStateEvents(t *testing.T) {
	e := testEngine(t)
	sess := openTestSession(t, e)

	var mu sync.Mutex
	var seen []Event
	cancel := sess.Subscribe(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	})

	if _, err := sess.Select(context.Background(), sigSave); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	var change *Event
	for i := range seen {
		if seen[i].Type == EventStateChanged {
			change = &seen[i]
		}
	}
	mu.Unlock()
	if change == nil {
		t.Fatal("no state_changed event")
	}
	if change.SessionID != sess.ID || change.State == nil || change.State.SelectedID != sigSave {
		t.Errorf("event = %+v", change)
	}

	cancel()
	mu.Lock()
	before := len(seen)
	mu.Unlock()
	sess.Deselect()
	mu.Lock()
	after := len(seen)
	mu.Unlock()
	if after != before {
		t.Error("subscription kept firing after cancel")
	}
}

func TestEngineCloseReleasesEverything(t *testing.T) {
	defer goleak.VerifyNone(t)

	e, err := New(testConfig(t), slog.Default())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	sess, err := e.OpenSession(context.Background(), OpenSessionRequest{
		OrgID: "org_acme", PagePath: "/briefs", HTML: configPage,
	})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if _, err := sess.Select(context.Background(), sigSave); err != nil {
		t.Fatal(err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if e.SessionCount() != 0 {
		t.Errorf("SessionCount after close = %d", e.SessionCount())
	}
}
