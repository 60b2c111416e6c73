// Package webhook delivers element events to configured endpoints.
//
// The dispatcher is used for both kinds of delivery: test fires from the
// configurator (marked test:true so receivers can discard them) and live
// fires from interaction events. Every outbound URL is re-validated at
// send time, including redirect hops, so a binding saved against a safe
// URL cannot be redirected into the internal network later.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vireolabs/hookmark/binding"
	"github.com/vireolabs/hookmark/idgen"
	"github.com/vireolabs/hookmark/safeurl"
)

const (
	// DefaultTimeout bounds one delivery attempt end to end.
	DefaultTimeout = 10 * time.Second

	maxRedirects   = 3
	maxSnippetLen  = 256
	deliveryHeader = "X-Hookmark-Delivery"
	eventHeader    = "X-Hookmark-Event"
	sigHeader      = "X-Hookmark-Signature-256"
)

var newDeliveryID = idgen.Prefixed("dlv_", idgen.NanoID(14))

// Config tunes the dispatcher.
type Config struct {
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	UserAgent        string        `json:"user_agent" yaml:"user_agent"`
	AllowPrivateURLs bool          `json:"allow_private_urls" yaml:"allow_private_urls"`
	RequireHTTPS     bool          `json:"require_https" yaml:"require_https"`
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = "hookmark/1.0"
	}
}

// Delivery is the observable result of one attempt that reached the
// network. OK reports a 2xx response.
type Delivery struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Status      int    `json:"status"`
	OK          bool   `json:"ok"`
	DurationMS  int64  `json:"duration_ms"`
	BodySnippet string `json:"body_snippet,omitempty"`
}

// Dispatcher sends webhook payloads.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New builds a Dispatcher.
func New(cfg Config, logger *slog.Logger) *Dispatcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{cfg: cfg, logger: logger}
	d.client = &http.Client{
		Timeout: cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			// A hop can land anywhere; re-check the target.
			return safeurl.Validate(req.URL.String(), d.urlOpts())
		},
	}
	return d
}

func (d *Dispatcher) urlOpts() safeurl.Opts {
	return safeurl.Opts{
		AllowPrivate: d.cfg.AllowPrivateURLs,
		AllowHTTP:    !d.cfg.RequireHTTPS,
	}
}

// Send delivers one event to the binding's endpoint. A reachable
// endpoint always yields a Delivery, even for non-2xx responses; a
// *SendError means the attempt never produced one.
func (d *Dispatcher) Send(ctx context.Context, b *binding.Binding, ev Event) (*Delivery, error) {
	if b == nil || b.URL == "" {
		return nil, &SendError{URL: "", Cause: fmt.Errorf("no endpoint configured")}
	}
	if err := safeurl.Validate(b.URL, d.urlOpts()); err != nil {
		return nil, &SendError{URL: b.URL, Cause: err}
	}

	body, err := marshalPayload(b, ev)
	if err != nil {
		return nil, &SendError{URL: b.URL, Cause: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &SendError{URL: b.URL, Cause: fmt.Errorf("build request: %w", err)}
	}

	id := newDeliveryID()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set(deliveryHeader, id)
	req.Header.Set(eventHeader, ev.Event)
	for k, v := range b.Headers {
		req.Header.Set(k, v)
	}
	if b.Secret != "" {
		mac := hmac.New(sha256.New, []byte(b.Secret))
		mac.Write(body)
		req.Header.Set(sigHeader, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &SendError{URL: b.URL, Cause: err}
	}
	defer resp.Body.Close()

	snippet, err := safeurl.LimitedReadAll(resp.Body, safeurl.MaxResponseBody)
	if err != nil {
		snippet = nil
	}

	del := &Delivery{
		ID:          id,
		URL:         b.URL,
		Status:      resp.StatusCode,
		OK:          resp.StatusCode >= 200 && resp.StatusCode < 300,
		DurationMS:  time.Since(start).Milliseconds(),
		BodySnippet: clip(string(snippet), maxSnippetLen),
	}
	if del.OK {
		d.logger.Info("webhook: delivered",
			"delivery_id", id, "binding_id", b.ID, "status", del.Status,
			"duration_ms", del.DurationMS, "test", ev.Test)
	} else {
		d.logger.Warn("webhook: endpoint rejected delivery",
			"delivery_id", id, "binding_id", b.ID, "status", del.Status,
			"duration_ms", del.DurationMS, "test", ev.Test)
	}
	return del, nil
}

// marshalPayload builds the wire body: the event envelope first, then
// the binding's template fields for anything the envelope does not
// already claim.
func marshalPayload(b *binding.Binding, ev Event) ([]byte, error) {
	payload := map[string]any{
		"event":     ev.Event,
		"element":   ev.Element,
		"org_id":    ev.OrgID,
		"timestamp": ev.Timestamp,
		"test":      ev.Test,
	}
	if ev.UserID != "" {
		payload["user_id"] = ev.UserID
	}
	for k, v := range b.PayloadTemplate {
		if _, taken := payload[k]; !taken {
			payload[k] = v
		}
	}
	return json.Marshal(payload)
}

func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max]
}
