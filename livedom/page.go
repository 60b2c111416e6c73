package livedom

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/vireolabs/hookmark/domtree"
)

// snapshotJS serializes the document and measures every element that
// could end up in the registry. The path grammar must mirror
// domtree.Path: lowercase tags, a 1-based ordinal only when the element
// shares its tag with a sibling. Sanitization on ingest can still drop
// siblings and shift an ordinal; a key that no longer matches simply
// leaves that element unmeasured.
const snapshotJS = `() => {
	const seg = (el) => {
		const tag = el.tagName.toLowerCase();
		const parent = el.parentElement;
		if (!parent) { return tag; }
		const same = Array.from(parent.children).filter((c) => c.tagName === el.tagName);
		if (same.length > 1) { return tag + '[' + (same.indexOf(el) + 1) + ']'; }
		return tag;
	};
	const pathOf = (el) => {
		const segs = [];
		for (let e = el; e && e.nodeType === 1; e = e.parentElement) { segs.unshift(seg(e)); }
		return '/' + segs.join('/');
	};
	const layout = {};
	const sel = 'a[href], button, input, select, textarea, summary, [role], [onclick], [contenteditable]';
	for (const el of document.querySelectorAll(sel)) {
		const r = el.getBoundingClientRect();
		layout[pathOf(el)] = { x: r.x, y: r.y, w: r.width, h: r.height };
	}
	return { html: document.documentElement.outerHTML, layout: layout };
}`

const watchBinding = "__hookmark_ping"

// watchJS coalesces mutation bursts for 50ms before pinging the binding,
// so a framework re-render costs one round trip instead of hundreds.
const watchJS = `() => {
	if (window.__hookmark_watch) { return; }
	window.__hookmark_watch = true;
	let pending = null;
	const fire = () => { pending = null; window.` + watchBinding + `(''); };
	const obs = new MutationObserver(() => {
		if (pending) { clearTimeout(pending); }
		pending = setTimeout(fire, 50);
	});
	obs.observe(document.documentElement, {
		childList: true, subtree: true, attributes: true, characterData: true,
	});
}`

// PageHandle is one open tab. Snapshot and WatchChanges may be used
// together: watch for pings, re-snapshot on each.
type PageHandle struct {
	URL string

	src    *Source
	page   *rod.Page
	logger *slog.Logger
	once   sync.Once
}

// Page opens a tab on pageURL and waits for the initial load. Stealth
// patching applies unless the source was configured with NoStealth.
func (s *Source) Page(ctx context.Context, pageURL string) (*PageHandle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("livedom: source is closed")
	}
	b := s.browser
	s.open++
	s.mu.Unlock()

	var page *rod.Page
	var err error
	if s.cfg.NoStealth {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	} else {
		page, err = stealth.Page(b)
	}
	if err != nil {
		s.release()
		return nil, fmt.Errorf("livedom: open page: %w", err)
	}

	if s.cfg.UserAgent != "" {
		err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: s.cfg.UserAgent})
		if err != nil {
			s.logger.Warn("livedom: set user agent failed", "error", err)
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavigateTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		page.Close()
		s.release()
		return nil, fmt.Errorf("livedom: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		s.logger.Warn("livedom: load wait timed out", "url", pageURL, "error", err)
	}

	return &PageHandle{
		URL:    pageURL,
		src:    s,
		page:   page,
		logger: s.logger.With("url", pageURL),
	}, nil
}

// Snapshot serializes the live document and measures its interactive
// elements, keyed by node path for domtree.WithLayout.
func (h *PageHandle) Snapshot(ctx context.Context) (string, map[string]domtree.Rect, error) {
	res, err := h.page.Context(ctx).Eval(snapshotJS)
	if err != nil {
		return "", nil, fmt.Errorf("livedom: snapshot: %w", err)
	}
	raw, err := json.Marshal(res.Value.Val())
	if err != nil {
		return "", nil, fmt.Errorf("livedom: snapshot decode: %w", err)
	}
	var snap struct {
		HTML   string                  `json:"html"`
		Layout map[string]domtree.Rect `json:"layout"`
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return "", nil, fmt.Errorf("livedom: snapshot decode: %w", err)
	}
	if snap.HTML == "" {
		return "", nil, fmt.Errorf("livedom: empty document")
	}
	return snap.HTML, snap.Layout, nil
}

// WatchChanges installs a MutationObserver on the page and invokes fn on
// every coalesced mutation burst until ctx is cancelled. fn runs on the
// event goroutine and must not block.
func (h *PageHandle) WatchChanges(ctx context.Context, fn func()) error {
	err := proto.RuntimeAddBinding{Name: watchBinding}.Call(h.page)
	if err != nil {
		// The binding survives navigation; a second install reports it.
		h.logger.Warn("livedom: add binding", "error", err)
	}

	go h.page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != watchBinding {
			return
		}
		fn()
	})()

	if _, err := h.page.Context(ctx).Eval(watchJS); err != nil {
		return fmt.Errorf("livedom: install observer: %w", err)
	}
	return nil
}

// Close closes the tab and releases its slot on the source.
func (h *PageHandle) Close() error {
	var err error
	h.once.Do(func() {
		err = h.page.Close()
		h.src.release()
	})
	return err
}
