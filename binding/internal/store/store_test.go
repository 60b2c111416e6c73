package store

import (
	"context"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/vireolabs/hookmark/dbopen"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if _, err := db.Exec(Schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return &Store{DB: db}
}

func TestBindingCRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	b := &Binding{
		ID:               "bnd_1",
		OrgID:            "org-1",
		PagePath:         "/settings",
		ElementSignature: "button#data-testid=save-btn",
		ElementPath:      "/html/body/form/button",
		Label:            "Create Brief",
		NormalizedLabel:  "create brief",
		URL:              "https://hooks.example.com/briefs",
		TriggerEvents:    []string{"click"},
		Headers:          map[string]string{"X-Team": "growth"},
		PayloadTemplate:  map[string]any{"channel": "briefs"},
		Enabled:          true,
	}
	if err := s.SaveBinding(ctx, b); err != nil {
		t.Fatalf("save: %v", err)
	}
	if b.CreatedAt == 0 || b.UpdatedAt == 0 {
		t.Fatal("save did not stamp timestamps")
	}

	got, err := s.GetBinding(ctx, "bnd_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("get: got nil")
	}
	if got.URL != b.URL {
		t.Errorf("URL: got %q, want %q", got.URL, b.URL)
	}
	if len(got.TriggerEvents) != 1 || got.TriggerEvents[0] != "click" {
		t.Errorf("TriggerEvents: got %v, want [click]", got.TriggerEvents)
	}
	if got.Headers["X-Team"] != "growth" {
		t.Errorf("Headers: got %v", got.Headers)
	}

	got2, err := s.GetBySignature(ctx, "org-1", "/settings", "button#data-testid=save-btn")
	if err != nil {
		t.Fatalf("get by signature: %v", err)
	}
	if got2 == nil || got2.ID != "bnd_1" {
		t.Error("get by signature: wrong result")
	}
}

func TestGetMissingReturnsNilNil(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	got, err := s.GetBinding(ctx, "nope")
	if err != nil || got != nil {
		t.Fatalf("got %v, %v; want nil, nil", got, err)
	}
	got, err = s.GetBySignature(ctx, "org-1", "/x", "button#id=y")
	if err != nil || got != nil {
		t.Fatalf("got %v, %v; want nil, nil", got, err)
	}
}

func TestSaveUpsertsOnElementTriple(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := &Binding{
		ID: "bnd_1", OrgID: "org-1", PagePath: "/p",
		ElementSignature: "button#id=go", URL: "https://hooks.example.com/a",
		Enabled: true,
	}
	if err := s.SaveBinding(ctx, first); err != nil {
		t.Fatalf("save first: %v", err)
	}

	second := &Binding{
		ID: "bnd_2", OrgID: "org-1", PagePath: "/p",
		ElementSignature: "button#id=go", URL: "https://hooks.example.com/b",
		Enabled: true,
	}
	if err := s.SaveBinding(ctx, second); err != nil {
		t.Fatalf("save second: %v", err)
	}

	got, err := s.GetBySignature(ctx, "org-1", "/p", "button#id=go")
	if err != nil || got == nil {
		t.Fatalf("get: %v, %v", got, err)
	}
	if got.ID != "bnd_1" {
		t.Errorf("upsert replaced the row id: got %q, want bnd_1", got.ID)
	}
	if got.URL != "https://hooks.example.com/b" {
		t.Errorf("upsert kept the old URL: %q", got.URL)
	}
	if n, _ := s.CountBindings(ctx, "org-1"); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestListAndDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i, sig := range []string{"button#id=a", "button#id=b", "a#id=c"} {
		page := "/p"
		if i == 2 {
			page = "/q"
		}
		err := s.SaveBinding(ctx, &Binding{
			ID: "bnd_" + sig, OrgID: "org-1", PagePath: page,
			ElementSignature: sig, URL: "https://hooks.example.com/x", Enabled: true,
		})
		if err != nil {
			t.Fatalf("save %s: %v", sig, err)
		}
	}

	page, err := s.ListByPage(ctx, "org-1", "/p", 0)
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page list = %d rows, want 2", len(page))
	}

	all, err := s.ListByPage(ctx, "org-1", "", 0)
	if err != nil {
		t.Fatalf("list org: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("org list = %d rows, want 3", len(all))
	}

	ok, err := s.DeleteBySignature(ctx, "org-1", "/p", "button#id=a")
	if err != nil || !ok {
		t.Fatalf("delete by signature: %v %v", ok, err)
	}
	ok, err = s.DeleteBySignature(ctx, "org-1", "/p", "button#id=a")
	if err != nil || ok {
		t.Fatalf("second delete reported a row: %v %v", ok, err)
	}
	if n, _ := s.CountBindings(ctx, "org-1"); n != 2 {
		t.Errorf("count = %d after delete, want 2", n)
	}
}

func TestNormalizedLabelLookup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	save := func(id, sig, norm string) {
		t.Helper()
		err := s.SaveBinding(ctx, &Binding{
			ID: id, OrgID: "org-1", PagePath: "/p", ElementSignature: sig,
			NormalizedLabel: norm, URL: "https://hooks.example.com/x", Enabled: true,
		})
		if err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	save("bnd_1", "button#id=a", "create brief")
	save("bnd_2", "button#id=b", "delete brief")
	save("bnd_3", "button#id=c", "")

	got, err := s.ListByNormalizedLabel(ctx, "org-1", "/p", "create brief")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(got) != 1 || got[0].ID != "bnd_1" {
		t.Fatalf("lookup = %v, want [bnd_1]", got)
	}

	// Empty labels never match, even when asked for.
	got, err = s.ListByNormalizedLabel(ctx, "org-1", "/p", "")
	if err != nil {
		t.Fatalf("empty lookup: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("empty label matched %d rows", len(got))
	}
}

func TestSetEnabled(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	err := s.SaveBinding(ctx, &Binding{
		ID: "bnd_1", OrgID: "org-1", PagePath: "/p",
		ElementSignature: "button#id=a", URL: "https://hooks.example.com/x", Enabled: true,
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	ok, err := s.SetEnabled(ctx, "bnd_1", false)
	if err != nil || !ok {
		t.Fatalf("set enabled: %v %v", ok, err)
	}
	got, _ := s.GetBinding(ctx, "bnd_1")
	if got.Enabled {
		t.Error("binding still enabled")
	}

	ok, err = s.SetEnabled(ctx, "ghost", true)
	if err != nil || ok {
		t.Fatalf("missing row reported updated: %v %v", ok, err)
	}
}
