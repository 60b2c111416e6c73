package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vireolabs/hookmark/binding"
	"github.com/vireolabs/hookmark/bulkops"
	"github.com/vireolabs/hookmark/domtree"
	"github.com/vireolabs/hookmark/eventlog"
	"github.com/vireolabs/hookmark/groups"
	"github.com/vireolabs/hookmark/idgen"
	"github.com/vireolabs/hookmark/scanner"
	"github.com/vireolabs/hookmark/selection"
	"github.com/vireolabs/hookmark/webhook"
)

var newSessionID = idgen.Prefixed("ses_", idgen.NanoID(14))

// OpenSessionRequest describes the page a user wants to configure.
// HTML is the serialized snapshot of the page; Layout optionally
// carries measured bounding boxes keyed by node path.
type OpenSessionRequest struct {
	OrgID    string                  `json:"org_id"`
	UserID   string                  `json:"user_id,omitempty"`
	PagePath string                  `json:"page_path"`
	HTML     string                  `json:"html"`
	Layout   map[string]domtree.Rect `json:"layout,omitempty"`
}

// BindingDraft carries the user-editable half of a binding through the
// configure flow. Element identity comes from the session's selection.
type BindingDraft struct {
	URL             string            `json:"url"`
	Secret          string            `json:"secret,omitempty"`
	TriggerEvents   []string          `json:"trigger_events,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	PayloadTemplate map[string]any    `json:"payload_template,omitempty"`
	SendTest        bool              `json:"send_test,omitempty"`
}

// Session is one user's live view of one page: a parsed tree, its
// scanner, and a selection machine. All methods are safe for
// concurrent use.
type Session struct {
	ID       string
	OrgID    string
	UserID   string
	PagePath string

	eng    *Engine
	doc    *domtree.Document
	scan   *scanner.Scanner
	sel    *selection.Machine
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	bulkMu     sync.Mutex
	bulkOpID   string
	bulkCancel context.CancelFunc
}

// OpenSession parses the page snapshot, scans it, and registers a new
// session. The scanner begins observing immediately: tree mutations
// applied later through ApplySnapshot trigger debounced rescans.
func (e *Engine) OpenSession(ctx context.Context, req OpenSessionRequest) (*Session, error) {
	if req.OrgID == "" || req.PagePath == "" || req.HTML == "" {
		return nil, fmt.Errorf("%w: org_id, page_path and html are required", ErrInvalidRequest)
	}

	opts := []domtree.ParseOption{domtree.WithSanitize()}
	if len(req.Layout) > 0 {
		opts = append(opts, domtree.WithLayout(req.Layout))
	}
	doc, err := domtree.ParseString(req.HTML, opts...)
	if err != nil {
		return nil, fmt.Errorf("engine: parse snapshot: %w", err)
	}

	s := &Session{
		ID:       newSessionID(),
		OrgID:    req.OrgID,
		UserID:   req.UserID,
		PagePath: req.PagePath,
		eng:      e,
		doc:      doc,
		subs:     make(map[int]func(Event)),
	}
	s.logger = e.logger.With("session_id", s.ID)
	s.scan = scanner.New(doc, e.sig, e.cfg.Scanner, s.logger)
	s.sel = selection.New(
		func() []string { return s.scan.Registry().Order() },
		selection.WithLogger(s.logger),
		selection.WithOnChange(func(st selection.State) {
			s.emit(Event{Type: EventStateChanged, State: &st, Rev: st.Rev})
		}),
	)

	reg := s.scan.Scan()
	if err := s.scan.Observe(func(reg *scanner.Registry) {
		s.sel.Prune(func(id string) bool { return reg.Has(id) })
		s.emit(Event{Type: EventRegistryUpdated, Elements: reg.Len(), Rev: reg.Rev()})
	}); err != nil {
		return nil, fmt.Errorf("engine: observe: %w", err)
	}

	e.mu.Lock()
	e.sessions[s.ID] = s
	e.mu.Unlock()

	e.events.RecordAsync(&eventlog.Entry{
		OrgID:     s.OrgID,
		UserID:    s.UserID,
		SessionID: s.ID,
		Source:    "session",
		Action:    "session_opened",
		PagePath:  s.PagePath,
		Detail:    eventlog.DetailJSON("elements", reg.Len()),
	})
	s.logger.Info("engine: session opened",
		"org_id", s.OrgID, "page_path", s.PagePath, "elements", reg.Len())
	return s, nil
}

// Elements returns the current registry contents in document order.
func (s *Session) Elements() []scanner.ScannedElement {
	return s.scan.Registry().All()
}

// State returns the selection machine's current snapshot.
func (s *Session) State() selection.State {
	return s.sel.State()
}

// Stats returns the scanner's counters.
func (s *Session) Stats() scanner.Stats {
	return s.scan.Stats()
}

// ApplySnapshot replaces the tree with a fresh page snapshot. The
// scanner's debounced rescan and selection pruning follow on their own.
func (s *Session) ApplySnapshot(html string, layout map[string]domtree.Rect) error {
	if err := s.doc.ApplyHTML(html, layout, domtree.WithSanitize()); err != nil {
		return fmt.Errorf("engine: apply snapshot: %w", err)
	}
	return nil
}

// withElement finds sig in the registry. A miss gets one retry after a
// short settle delay and a forced rescan, because the element may have
// moved in a mutation the debounce window has not flushed yet. A second
// miss is a DetachedError.
func (s *Session) withElement(ctx context.Context, sig string) (scanner.ScannedElement, error) {
	if el, ok := s.scan.Registry().Get(sig); ok {
		return el, nil
	}
	select {
	case <-ctx.Done():
		return scanner.ScannedElement{}, ctx.Err()
	case <-time.After(s.eng.cfg.DetachRetry):
	}
	if el, ok := s.scan.Scan().Get(sig); ok {
		return el, nil
	}
	return scanner.ScannedElement{}, &DetachedError{Signature: sig}
}

// Hover marks an element as hovered.
func (s *Session) Hover(ctx context.Context, sig string) (selection.State, error) {
	if _, err := s.withElement(ctx, sig); err != nil {
		return s.sel.State(), err
	}
	return s.sel.Hover(sig), nil
}

// Unhover clears the hover target.
func (s *Session) Unhover() selection.State {
	return s.sel.Unhover()
}

// Select selects an element, or toggles it in bulk mode.
func (s *Session) Select(ctx context.Context, sig string) (selection.State, error) {
	if _, err := s.withElement(ctx, sig); err != nil {
		return s.sel.State(), err
	}
	return s.sel.Select(sig), nil
}

// Deselect clears the single selection.
func (s *Session) Deselect() selection.State {
	return s.sel.Deselect()
}

// RangeSelect adds the inclusive document-order range between two
// already-scanned elements to the bulk selection.
func (s *Session) RangeSelect(a, b string) selection.State {
	return s.sel.RangeSelect(a, b)
}

// SelectAll selects every scanned element, entering bulk mode.
func (s *Session) SelectAll() selection.State {
	return s.sel.SelectAll()
}

// DeselectAll empties the selection.
func (s *Session) DeselectAll() selection.State {
	return s.sel.DeselectAll()
}

// EnterBulk switches to bulk selection mode.
func (s *Session) EnterBulk() selection.State {
	return s.sel.EnterBulk()
}

// ExitBulk leaves bulk mode, collapsing the selection.
func (s *Session) ExitBulk() selection.State {
	return s.sel.ExitBulk()
}

// Key applies a keyboard chord and executes any command it produced:
// Delete in bulk mode starts a bulk unbind, Escape during a run cancels
// it.
func (s *Session) Key(ctx context.Context, k selection.Key) (selection.Command, selection.State, error) {
	cmd, st := s.sel.HandleKey(k)
	switch cmd {
	case selection.CmdBulkUnbind:
		if _, err := s.StartBulk(ctx, bulkops.KindUnbind, nil); err != nil {
			return cmd, st, err
		}
		st = s.sel.State()
	case selection.CmdCancelBulkRun:
		if _, err := s.CancelBulk(ctx); err != nil {
			return cmd, st, err
		}
	}
	return cmd, st, nil
}

// BeginConfigure selects sig and opens the configuration panel for it.
func (s *Session) BeginConfigure(ctx context.Context, sig string) (selection.State, error) {
	if _, err := s.withElement(ctx, sig); err != nil {
		return s.sel.State(), err
	}
	s.sel.Select(sig)
	return s.sel.BeginConfigure(), nil
}

// CompleteConfigure persists a binding for the element being configured
// and, when the draft asks for it, fires a test delivery. The binding
// survives even if the test fails.
func (s *Session) CompleteConfigure(ctx context.Context, draft BindingDraft) (*binding.Binding, *webhook.Delivery, error) {
	st := s.sel.State()
	if st.Mode != selection.ModeConfiguring || st.SelectedID == "" {
		return nil, nil, ErrNotConfiguring
	}
	el, err := s.withElement(ctx, st.SelectedID)
	if err != nil {
		return nil, nil, err
	}

	b := &binding.Binding{
		OrgID:            s.OrgID,
		PagePath:         s.PagePath,
		ElementSignature: el.Signature,
		ElementPath:      el.Path,
		Label:            el.Label,
		URL:              draft.URL,
		Secret:           draft.Secret,
		TriggerEvents:    draft.TriggerEvents,
		Headers:          draft.Headers,
		PayloadTemplate:  draft.PayloadTemplate,
		ElementContext:   s.elementContext(el.Signature),
		Enabled:          true,
	}
	if err := s.eng.resolver.Save(ctx, b); err != nil {
		return nil, nil, err
	}
	s.sel.CompleteConfigure()

	s.emit(Event{Type: EventBindingSaved, Binding: b})
	s.eng.events.RecordAsync(&eventlog.Entry{
		OrgID:     s.OrgID,
		UserID:    s.UserID,
		SessionID: s.ID,
		Source:    "binding",
		Action:    "binding_saved",
		PagePath:  s.PagePath,
		Signature: el.Signature,
		Detail:    eventlog.DetailJSON("binding_id", b.ID, "url", b.URL),
	})

	var delivery *webhook.Delivery
	if draft.SendTest {
		delivery, err = s.TestWebhook(ctx, el.Signature)
		if err != nil {
			return b, nil, err
		}
	}
	return b, delivery, nil
}

// ResolveElement finds the stored binding for an element, trying the
// signature first and falling back to the normalized label. A nil
// match with nil error means nothing is bound.
func (s *Session) ResolveElement(ctx context.Context, sig, label string) (*binding.Match, error) {
	return s.eng.resolver.Resolve(ctx, binding.ElementRef{
		OrgID:     s.OrgID,
		PagePath:  s.PagePath,
		Signature: sig,
		Label:     label,
	})
}

// TestWebhook fires the element's binding once with a test-flagged
// payload. The element must still be in the tree and must resolve to a
// binding.
func (s *Session) TestWebhook(ctx context.Context, sig string) (*webhook.Delivery, error) {
	el, err := s.withElement(ctx, sig)
	if err != nil {
		return nil, err
	}
	match, err := s.ResolveElement(ctx, el.Signature, el.Label)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, fmt.Errorf("%w: no binding for element %s", binding.ErrNotFound, sig)
	}

	ev := webhook.BuildTest(match.Binding, s.descriptor(el), s.UserID)
	d, sendErr := s.eng.hooks.Send(ctx, match.Binding, ev)

	s.eng.events.RecordAsync(&eventlog.Entry{
		OrgID:     s.OrgID,
		UserID:    s.UserID,
		SessionID: s.ID,
		Source:    "webhook",
		Action:    "webhook_tested",
		PagePath:  s.PagePath,
		Signature: el.Signature,
		Detail:    deliveryDetail(d),
		Error:     errString(sendErr),
	})
	if sendErr != nil {
		return nil, sendErr
	}
	s.emit(Event{Type: EventWebhookTested, Delivery: d})
	return d, nil
}

// DetectGroups runs the grouping heuristic over the current tree.
func (s *Session) DetectGroups() ([]groups.Group, error) {
	gs, err := s.eng.detector.Detect(s.doc, s.eng.sig, s.scan.Registry())
	if err != nil {
		return nil, err
	}
	s.emit(Event{Type: EventGroupsReady, Groups: gs})
	s.eng.events.RecordAsync(&eventlog.Entry{
		OrgID:     s.OrgID,
		SessionID: s.ID,
		Source:    "session",
		Action:    "groups_detected",
		PagePath:  s.PagePath,
		Detail:    eventlog.DetailJSON("groups", len(gs)),
	})
	return gs, nil
}

// StartBulk enqueues the bulk selection as one durable operation and
// runs it in the background, in selection order. Progress arrives as
// BulkProgress events.
func (s *Session) StartBulk(ctx context.Context, kind bulkops.Kind, draft *BindingDraft) (*bulkops.Operation, error) {
	st := s.sel.State()
	if st.Mode == selection.ModeBulkRunning {
		return nil, ErrBulkRunning
	}
	if st.Mode != selection.ModeBulk || len(st.Selection) == 0 {
		return nil, ErrNoBulkSelection
	}

	reg := s.scan.Registry()
	targets := make([]bulkops.Target, 0, len(st.Selection))
	for _, sig := range st.Selection {
		t := bulkops.Target{Signature: sig}
		if el, ok := reg.Get(sig); ok {
			t.Label = el.Label
		}
		targets = append(targets, t)
	}

	var params map[string]any
	if draft != nil {
		params = map[string]any{"url": draft.URL}
	}
	op, err := s.eng.bulk.Enqueue(ctx, &bulkops.Operation{
		OrgID:     s.OrgID,
		SessionID: s.ID,
		Kind:      kind,
		PagePath:  s.PagePath,
		Params:    params,
	}, targets)
	if err != nil {
		return nil, err
	}

	s.sel.BeginBulkRun()

	runCtx, cancel := context.WithCancel(context.Background())
	s.bulkMu.Lock()
	s.bulkOpID, s.bulkCancel = op.ID, cancel
	s.bulkMu.Unlock()

	s.eng.events.RecordAsync(&eventlog.Entry{
		OrgID:     s.OrgID,
		UserID:    s.UserID,
		SessionID: s.ID,
		Source:    "bulkops",
		Action:    "bulk_started",
		PagePath:  s.PagePath,
		Detail:    eventlog.DetailJSON("op_id", op.ID, "kind", string(kind), "total", op.Total),
	})
	s.emit(Event{Type: EventBulkProgress, Operation: op})

	go s.runBulk(runCtx, op.ID, kind, draft)
	return op, nil
}

// CancelBulk asks the active bulk operation to stop after the element
// it is working on. Reports false when nothing is running.
func (s *Session) CancelBulk(ctx context.Context) (bool, error) {
	s.bulkMu.Lock()
	opID := s.bulkOpID
	s.bulkMu.Unlock()
	if opID == "" {
		return false, nil
	}
	return s.eng.bulk.Cancel(ctx, opID)
}

func (s *Session) runBulk(ctx context.Context, opID string, kind bulkops.Kind, draft *BindingDraft) {
	defer func() {
		s.bulkMu.Lock()
		if s.bulkCancel != nil {
			s.bulkCancel()
		}
		s.bulkOpID, s.bulkCancel = "", nil
		s.bulkMu.Unlock()
		s.sel.EndBulkRun()
	}()

	final, err := s.eng.bulk.Run(ctx, opID, s.bulkItemFunc(kind, draft), func(op *bulkops.Operation) {
		s.emit(Event{Type: EventBulkProgress, Operation: op})
	})
	if err != nil {
		s.logger.Error("engine: bulk run failed", "op_id", opID, "error", err)
		return
	}

	s.emit(Event{Type: EventBulkProgress, Operation: final})
	s.eng.events.RecordAsync(&eventlog.Entry{
		OrgID:     s.OrgID,
		SessionID: s.ID,
		Source:    "bulkops",
		Action:    "bulk_finished",
		PagePath:  s.PagePath,
		Detail: eventlog.DetailJSON("op_id", opID, "status", string(final.Status),
			"done", final.Done, "failed", final.Failed),
	})
}

func (s *Session) bulkItemFunc(kind bulkops.Kind, draft *BindingDraft) bulkops.ItemFunc {
	switch kind {
	case bulkops.KindUnbind:
		return func(ctx context.Context, item *bulkops.Item) error {
			_, err := s.eng.resolver.Unbind(ctx, s.OrgID, s.PagePath, item.Signature)
			return err
		}
	case bulkops.KindTest:
		return func(ctx context.Context, item *bulkops.Item) error {
			_, err := s.TestWebhook(ctx, item.Signature)
			return err
		}
	case bulkops.KindBind:
		return func(ctx context.Context, item *bulkops.Item) error {
			if draft == nil || draft.URL == "" {
				return fmt.Errorf("bulk bind needs a webhook url")
			}
			el, err := s.withElement(ctx, item.Signature)
			if err != nil {
				return err
			}
			return s.eng.resolver.Save(ctx, &binding.Binding{
				OrgID:            s.OrgID,
				PagePath:         s.PagePath,
				ElementSignature: el.Signature,
				ElementPath:      el.Path,
				Label:            el.Label,
				URL:              draft.URL,
				Secret:           draft.Secret,
				TriggerEvents:    draft.TriggerEvents,
				Headers:          draft.Headers,
				PayloadTemplate:  draft.PayloadTemplate,
				ElementContext:   s.elementContext(el.Signature),
				Enabled:          true,
			})
		}
	}
	return func(context.Context, *bulkops.Item) error {
		return fmt.Errorf("unknown bulk kind %q", kind)
	}
}

func (s *Session) descriptor(el scanner.ScannedElement) webhook.ElementDescriptor {
	return webhook.ElementDescriptor{
		Signature: el.Signature,
		Path:      el.Path,
		Kind:      string(el.Kind),
		Label:     el.Label,
		PagePath:  s.PagePath,
	}
}

// elementContext renders the element's enclosing region as markdown for
// storage alongside the binding.
func (s *Session) elementContext(sig string) string {
	n, ok := s.scan.NodeBySignature(sig)
	if !ok {
		return ""
	}
	return binding.ContextMarkdown(n)
}

func (s *Session) teardown() {
	s.bulkMu.Lock()
	cancel := s.bulkCancel
	s.bulkMu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.scan.Teardown()
	s.sel.Disable()
}

func deliveryDetail(d *webhook.Delivery) string {
	if d == nil {
		return ""
	}
	return eventlog.DetailJSON("delivery_id", d.ID, "status", d.Status, "ok", d.OK)
}

func errString(err error) string {
	if err != nil {
		return err.Error()
	}
	return ""
}
