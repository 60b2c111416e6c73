package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vireolabs/hookmark/binding"
	"github.com/vireolabs/hookmark/safeurl"
)

type capture struct {
	mu      sync.Mutex
	body    []byte
	headers http.Header
}

func captureServer(t *testing.T, status int, respBody string) (*httptest.Server, *capture) {
	t.Helper()
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.body = body
		c.headers = r.Header.Clone()
		c.mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func testBinding(url string) *binding.Binding {
	return &binding.Binding{
		ID:               "bnd_test",
		OrgID:            "org-1",
		PagePath:         "/settings",
		ElementSignature: "button#data-testid=save-btn",
		Label:            "Create Brief",
		URL:              url,
		TriggerEvents:    []string{"click"},
		Enabled:          true,
	}
}

func testElement() ElementDescriptor {
	return ElementDescriptor{
		Signature: "button#data-testid=save-btn",
		Path:      "/html/body/form/button",
		Kind:      "submit",
		Label:     "Create Brief",
		PagePath:  "/settings",
	}
}

func TestSend_Success(t *testing.T) {
	// WHAT: A test fire reaches the endpoint with the full envelope.
	// WHY: This payload shape is the contract receivers integrate against.
	srv, rec := captureServer(t, 200, `{"received":true}`)

	b := testBinding(srv.URL)
	b.Headers = map[string]string{"X-Team": "growth"}
	b.PayloadTemplate = map[string]any{"channel": "briefs", "event": "overridden"}

	d := New(Config{AllowPrivateURLs: true}, nil)
	del, err := d.Send(context.Background(), b, BuildTest(b, testElement(), "usr-7"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !del.OK || del.Status != 200 {
		t.Fatalf("delivery = %+v, want OK 200", del)
	}
	if del.ID == "" || del.BodySnippet != `{"received":true}` {
		t.Errorf("delivery = %+v", del)
	}

	var got struct {
		Event   string `json:"event"`
		Element struct {
			Signature string `json:"signature"`
			PagePath  string `json:"page_path"`
		} `json:"element"`
		OrgID     string `json:"org_id"`
		UserID    string `json:"user_id"`
		Timestamp string `json:"timestamp"`
		Test      bool   `json:"test"`
		Channel   string `json:"channel"`
	}
	if err := json.Unmarshal(rec.body, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.Event != "click" {
		t.Errorf("event = %q, want click (envelope wins over template)", got.Event)
	}
	if !got.Test {
		t.Error("test flag not set on a test fire")
	}
	if got.OrgID != "org-1" || got.UserID != "usr-7" {
		t.Errorf("attribution = %q/%q", got.OrgID, got.UserID)
	}
	if got.Element.Signature != "button#data-testid=save-btn" || got.Element.PagePath != "/settings" {
		t.Errorf("element = %+v", got.Element)
	}
	if _, err := time.Parse(time.RFC3339, got.Timestamp); err != nil {
		t.Errorf("timestamp %q not RFC 3339: %v", got.Timestamp, err)
	}
	if got.Channel != "briefs" {
		t.Errorf("template field channel = %q, want briefs", got.Channel)
	}

	if h := rec.headers.Get("X-Team"); h != "growth" {
		t.Errorf("custom header = %q", h)
	}
	if h := rec.headers.Get("Content-Type"); h != "application/json" {
		t.Errorf("content type = %q", h)
	}
	if rec.headers.Get(eventHeader) != "click" || rec.headers.Get(deliveryHeader) == "" {
		t.Errorf("event headers = %v", rec.headers)
	}
	if rec.headers.Get(sigHeader) != "" {
		t.Error("signature header present without a secret")
	}
}

func TestSend_SignsWithSecret(t *testing.T) {
	// WHAT: With a secret, the body is HMAC-SHA256 signed GitHub-style.
	// WHY: Receivers verify the signature before trusting the payload.
	srv, rec := captureServer(t, 200, "")

	b := testBinding(srv.URL)
	b.Secret = "0123456789abcdef0123456789abcdef"

	d := New(Config{AllowPrivateURLs: true}, nil)
	if _, err := d.Send(context.Background(), b, BuildTest(b, testElement(), "")); err != nil {
		t.Fatalf("send: %v", err)
	}

	mac := hmac.New(sha256.New, []byte(b.Secret))
	mac.Write(rec.body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if got := rec.headers.Get(sigHeader); got != want {
		t.Errorf("signature = %q, want %q", got, want)
	}
}

func TestSend_EndpointFailureIsADelivery(t *testing.T) {
	// WHAT: A 5xx from the endpoint yields a Delivery, not an error.
	// WHY: The configurator shows the status; only unreachable endpoints
	// are transport errors.
	srv, _ := captureServer(t, 500, "boom")

	b := testBinding(srv.URL)
	d := New(Config{AllowPrivateURLs: true}, nil)
	del, err := d.Send(context.Background(), b, BuildTest(b, testElement(), ""))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if del.OK || del.Status != 500 || del.BodySnippet != "boom" {
		t.Fatalf("delivery = %+v, want status 500 snippet boom", del)
	}
}

func TestSend_UnreachableEndpoint(t *testing.T) {
	// WHAT: A connection failure surfaces as *SendError.
	srv, _ := captureServer(t, 200, "")
	url := srv.URL
	srv.Close()

	d := New(Config{AllowPrivateURLs: true}, nil)
	_, err := d.Send(context.Background(), testBinding(url), BuildTest(testBinding(url), testElement(), ""))
	var se *SendError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v (%T), want *SendError", err, err)
	}
}

func TestSend_PrivateTargetBlockedByDefault(t *testing.T) {
	// WHAT: Without AllowPrivateURLs the dispatcher refuses loopback.
	// WHY: Send-time SSRF guard, independent of save-time validation.
	srv, _ := captureServer(t, 200, "")

	d := New(Config{}, nil)
	_, err := d.Send(context.Background(), testBinding(srv.URL), BuildTest(testBinding(srv.URL), testElement(), ""))
	var se *SendError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v (%T), want *SendError", err, err)
	}
	if !errors.Is(err, safeurl.ErrPrivateHost) {
		t.Fatalf("err = %v, want ErrPrivateHost", err)
	}
}

func TestSend_RedirectLoopAborts(t *testing.T) {
	// WHAT: More than three redirect hops abort the delivery.
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+r.URL.Path+"r", http.StatusFound)
	}))
	t.Cleanup(srv.Close)

	d := New(Config{AllowPrivateURLs: true}, nil)
	_, err := d.Send(context.Background(), testBinding(srv.URL), BuildTest(testBinding(srv.URL), testElement(), ""))
	var se *SendError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v (%T), want *SendError", err, err)
	}
}

func TestBuildTest_EventFallback(t *testing.T) {
	b := testBinding("https://hooks.example.com/in")
	b.TriggerEvents = nil
	ev := BuildTest(b, testElement(), "")
	if ev.Event != "click" || !ev.Test {
		t.Fatalf("event = %+v, want click test fire", ev)
	}

	b.TriggerEvents = []string{"submit", "click"}
	if ev := BuildTest(b, testElement(), ""); ev.Event != "submit" {
		t.Fatalf("event = %q, want first trigger", ev.Event)
	}
}
