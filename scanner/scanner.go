// Package scanner discovers the interactive elements of a document and
// keeps a registry of them current while the document mutates.
//
// A scan is always a full rebuild: walk the tree, keep the elements that
// are interactive and actually rendered, compute signatures, publish an
// immutable Registry. Mutation-driven re-scans are debounced so bursts of
// tree churn collapse into one pass that reflects the settled tree, never
// a stale intermediate.
package scanner

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"

	"github.com/vireolabs/hookmark/domtree"
	"github.com/vireolabs/hookmark/signature"
)

// DefaultDebounceWindow collapses mutation bursts into one re-scan.
const DefaultDebounceWindow = 100 * time.Millisecond

// DefaultTagAttr is the attribute scanned nodes are tagged with so a raw
// interaction event can be traced back to its signature.
const DefaultTagAttr = "data-hookmark-sig"

// ErrAlreadyObserving is returned by Observe when observation is active.
var ErrAlreadyObserving = errors.New("scanner: already observing")

// ErrTornDown is returned when the scanner has been shut down.
var ErrTornDown = errors.New("scanner: torn down")

// Config tunes one scanner.
type Config struct {
	DebounceWindow time.Duration `yaml:"debounce_window"`
	TagAttr        string        `yaml:"tag_attr"`
}

func (c *Config) applyDefaults() {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = DefaultDebounceWindow
	}
	if c.TagAttr == "" {
		c.TagAttr = DefaultTagAttr
	}
}

// Stats is an instrumentation snapshot. Tests use it to pin down the
// debounce and teardown behavior; operators get it over the API.
type Stats struct {
	Scans         uint64 `json:"scans"`
	Mutations     uint64 `json:"mutations"`
	Coalesced     uint64 `json:"coalesced"`
	DuplicateSigs uint64 `json:"duplicate_sigs"`
	Elements      int    `json:"elements"`
	Observing     bool   `json:"observing"`
	TimerPending  bool   `json:"timer_pending"`
}

// Scanner owns the element registry for one document.
type Scanner struct {
	doc    *domtree.Document
	engine *signature.Engine
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	registry  *Registry
	tagged    map[string]*html.Node
	unsub     func()
	observing bool
	torndown  bool
	stopCh    chan struct{}
	doneCh    chan struct{}

	notifyCh chan struct{}

	scans        atomic.Uint64
	mutations    atomic.Uint64
	coalesced    atomic.Uint64
	dupeSigs     atomic.Uint64
	timerPending atomic.Bool
}

// New builds a Scanner over doc. The signature engine is shared with the
// resolver so stored and scanned identities always agree.
func New(doc *domtree.Document, engine *signature.Engine, cfg Config, logger *slog.Logger) *Scanner {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		doc:      doc,
		engine:   engine,
		cfg:      cfg,
		logger:   logger,
		tagged:   make(map[string]*html.Node),
		notifyCh: make(chan struct{}, 1),
	}
}

// Scan performs one full pass and publishes the resulting registry.
// Interactive but zero-area elements are silently filtered, never an
// error. Matched nodes are tagged with their signature; nodes that fell
// out of the registry are untagged.
func (s *Scanner) Scan() *Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torndown {
		return s.registry
	}
	return s.rebuildLocked()
}

// Registry returns the latest published registry (nil before first scan).
func (s *Scanner) Registry() *Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry
}

// Observe starts continuous observation: every document mutation schedules
// a debounced re-scan, and each completed re-scan is delivered to
// onChange. Only one observation may be active; stop it with Teardown.
func (s *Scanner) Observe(onChange func(*Registry)) error {
	s.mu.Lock()
	if s.torndown {
		s.mu.Unlock()
		return ErrTornDown
	}
	if s.observing {
		s.mu.Unlock()
		return ErrAlreadyObserving
	}
	s.observing = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.unsub = s.doc.Subscribe(s.onMutation)
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	go s.observeLoop(stopCh, doneCh, onChange)
	return nil
}

// Teardown stops observation, releases the mutation subscription, stops
// any pending debounce timer, and removes every signature tag. Idempotent;
// after return nothing owned by the scanner is still running.
func (s *Scanner) Teardown() {
	s.mu.Lock()
	if s.torndown {
		s.mu.Unlock()
		return
	}
	s.torndown = true
	unsub := s.unsub
	s.unsub = nil
	stopCh, doneCh := s.stopCh, s.doneCh
	s.observing = false
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if stopCh != nil {
		close(stopCh)
		<-doneCh
	}

	s.mu.Lock()
	s.untagAllLocked()
	s.mu.Unlock()
}

// Stats returns the current instrumentation counters.
func (s *Scanner) Stats() Stats {
	s.mu.Lock()
	elements := 0
	if s.registry != nil {
		elements = s.registry.Len()
	}
	observing := s.observing
	s.mu.Unlock()

	return Stats{
		Scans:         s.scans.Load(),
		Mutations:     s.mutations.Load(),
		Coalesced:     s.coalesced.Load(),
		DuplicateSigs: s.dupeSigs.Load(),
		Elements:      elements,
		Observing:     observing,
		TimerPending:  s.timerPending.Load(),
	}
}

// onMutation runs synchronously inside document mutators. It must stay
// cheap and lock-free: count, then nudge the debounce loop.
func (s *Scanner) onMutation(m domtree.Mutation) {
	if (m.Op == domtree.OpAttr || m.Op == domtree.OpAttrDel) && m.Name == s.cfg.TagAttr {
		return // our own tagging
	}
	s.mutations.Add(1)
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// observeLoop is the debounce loop: each nudge restarts the window timer,
// so the re-scan runs once the tree has been quiet for a full window and
// sees the settled state.
func (s *Scanner) observeLoop(stopCh, doneCh chan struct{}, onChange func(*Registry)) {
	defer close(doneCh)

	var timer *time.Timer
	timerC := func() <-chan time.Time {
		if timer == nil {
			return nil
		}
		return timer.C
	}
	stopTimer := func() {
		if timer != nil {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer = nil
		}
		s.timerPending.Store(false)
	}
	defer stopTimer()

	for {
		select {
		case <-stopCh:
			return
		case <-s.notifyCh:
			if timer != nil {
				s.coalesced.Add(1)
			}
			stopTimer()
			timer = time.NewTimer(s.cfg.DebounceWindow)
			s.timerPending.Store(true)
		case <-timerC():
			timer = nil
			s.timerPending.Store(false)

			s.mu.Lock()
			if s.torndown {
				s.mu.Unlock()
				return
			}
			reg := s.rebuildLocked()
			s.mu.Unlock()

			if onChange != nil {
				onChange(reg)
			}
		}
	}
}

// rebuildLocked performs the actual scan. Caller holds s.mu.
func (s *Scanner) rebuildLocked() *Registry {
	rev := s.scans.Add(1)
	elements := make(map[string]ScannedElement)
	nodes := make(map[string]*html.Node)
	var order []string

	s.doc.Walk(func(n *html.Node) {
		kind := classifyKind(n)
		if kind == "" {
			return
		}
		box := s.doc.BoxOf(n)
		if box.Zero() {
			return
		}
		sig := s.engine.Of(n)
		if _, dup := elements[sig]; dup {
			s.dupeSigs.Add(1)
			s.logger.Debug("scanner: duplicate signature", "signature", sig, "path", domtree.Path(n))
			return
		}
		elements[sig] = ScannedElement{
			Signature:   sig,
			ContentHash: s.engine.ContentHash(n),
			Path:        domtree.Path(n),
			Kind:        kind,
			Label:       labelOf(n),
			Description: descriptionOf(s.doc, n),
			Box:         box,
		}
		nodes[sig] = n
		order = append(order, sig)
	})

	s.retagLocked(nodes)

	reg := &Registry{rev: rev, order: order, elements: elements}
	s.registry = reg
	s.logger.Debug("scanner: scan complete", "rev", rev, "elements", len(order))
	return reg
}

// retagLocked reconciles signature tags with the new scan result.
func (s *Scanner) retagLocked(current map[string]*html.Node) {
	for sig, n := range s.tagged {
		if cur, ok := current[sig]; ok && cur == n {
			continue
		}
		if s.doc.Contains(n) {
			s.doc.DelAttr(n, s.cfg.TagAttr)
		}
		delete(s.tagged, sig)
	}
	for sig, n := range current {
		if s.tagged[sig] == n {
			continue
		}
		if domtree.GetAttr(n, s.cfg.TagAttr) != sig {
			s.doc.SetAttr(n, s.cfg.TagAttr, sig)
		}
		s.tagged[sig] = n
	}
}

func (s *Scanner) untagAllLocked() {
	for sig, n := range s.tagged {
		if s.doc.Contains(n) {
			s.doc.DelAttr(n, s.cfg.TagAttr)
		}
		delete(s.tagged, sig)
	}
}

// SignatureAt recovers the signature tag from a node, the path event
// handlers use to map a raw interaction back to a registry entry.
func (s *Scanner) SignatureAt(n *html.Node) (string, error) {
	if n == nil {
		return "", fmt.Errorf("scanner: nil node")
	}
	if sig := domtree.GetAttr(n, s.cfg.TagAttr); sig != "" {
		return sig, nil
	}
	return "", fmt.Errorf("scanner: node %s not tagged", domtree.Path(n))
}

// NodeBySignature returns the tree node currently tagged with sig. The
// node belongs to the live tree; callers must not mutate it directly.
func (s *Scanner) NodeBySignature(sig string) (*html.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.tagged[sig]
	return n, ok
}
