package eventlog

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vireolabs/hookmark/dbopen"
)

func testLog(t *testing.T) *Log {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if _, err := db.Exec(Schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	l := New(db, 8)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndQuery(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	err := l.Record(ctx, &Entry{
		OrgID:     "org_1",
		SessionID: "ses_1",
		Source:    "binding",
		Action:    "binding_saved",
		PagePath:  "/briefs",
		Signature: "button#data-testid=save-btn",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := l.Query(ctx, &Filter{OrgID: "org_1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1", len(got))
	}
	e := got[0]
	if e.ID == "" || !strings.HasPrefix(e.ID, "evt_") {
		t.Fatalf("id = %q, want evt_ prefix", e.ID)
	}
	if e.Status != "ok" || e.At.IsZero() {
		t.Fatalf("defaults not filled: %+v", e)
	}
	if e.Action != "binding_saved" || e.Signature != "button#data-testid=save-btn" {
		t.Fatalf("entry = %+v", e)
	}
}

func TestRecordAsyncFlushesOnClose(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if _, err := db.Exec(Schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	l := New(db, 32)
	for i := 0; i < 10; i++ {
		l.RecordAsync(l.NewEntry("session", "element_hovered", nil, nil))
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM events").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 10 {
		t.Fatalf("flushed %d entries, want 10", count)
	}
}

func TestQueryFilters(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	seed := []*Entry{
		{OrgID: "org_1", Source: "webhook", Action: "webhook_tested", Status: "ok"},
		{OrgID: "org_1", Source: "webhook", Action: "webhook_tested", Status: "error", Error: "502"},
		{OrgID: "org_1", Source: "bulkops", Action: "bulk_started"},
		{OrgID: "org_2", Source: "webhook", Action: "webhook_tested"},
	}
	for _, e := range seed {
		if err := l.Record(ctx, e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := l.Query(ctx, &Filter{OrgID: "org_1", Source: "webhook"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("org_1 webhook entries = %d, want 2", len(got))
	}

	got, err = l.Query(ctx, &Filter{OrgID: "org_1", Status: "error"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].Error != "502" {
		t.Fatalf("error entries = %+v", got)
	}

	future := time.Now().Add(time.Hour)
	got, err = l.Query(ctx, &Filter{Since: &future})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("future entries = %d, want 0", len(got))
	}

	got, err = l.Query(ctx, &Filter{Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("limited entries = %d, want 2", len(got))
	}
}

func TestNewEntryOutcomes(t *testing.T) {
	l := testLog(t)

	ok := l.NewEntry("binding", "binding_saved", map[string]any{"binding_id": "bnd_1"}, nil)
	if ok.Status != "ok" || !strings.Contains(ok.Detail, "bnd_1") {
		t.Fatalf("ok entry = %+v", ok)
	}

	bad := l.NewEntry("webhook", "webhook_tested", nil, errors.New("connection refused"))
	if bad.Status != "error" || bad.Error != "connection refused" {
		t.Fatalf("error entry = %+v", bad)
	}
}

func TestCleanupDropsOldEntries(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	old := &Entry{Source: "session", Action: "session_opened", At: time.Now().Add(-48 * time.Hour)}
	if err := l.Record(ctx, old); err != nil {
		t.Fatalf("record old: %v", err)
	}
	if err := l.Record(ctx, &Entry{Source: "session", Action: "session_opened"}); err != nil {
		t.Fatalf("record fresh: %v", err)
	}

	n, err := l.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleaned %d entries, want 1", n)
	}
	got, _ := l.Query(ctx, &Filter{})
	if len(got) != 1 {
		t.Fatalf("remaining = %d, want 1", len(got))
	}
}

func TestDetailJSON(t *testing.T) {
	s := DetailJSON("count", 3, "page", "/briefs")
	if !strings.Contains(s, `"count":3`) || !strings.Contains(s, `"page":"/briefs"`) {
		t.Fatalf("detail = %s", s)
	}
	if DetailJSON() != "{}" {
		t.Fatalf("empty detail = %s", DetailJSON())
	}
}
