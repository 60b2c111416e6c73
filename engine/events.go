package engine

import (
	"time"

	"github.com/vireolabs/hookmark/binding"
	"github.com/vireolabs/hookmark/bulkops"
	"github.com/vireolabs/hookmark/groups"
	"github.com/vireolabs/hookmark/selection"
	"github.com/vireolabs/hookmark/webhook"
)

// EventType names a session event.
type EventType string

const (
	EventStateChanged    EventType = "state_changed"    // selection machine transitioned
	EventRegistryUpdated EventType = "registry_updated" // rescan produced a new element set
	EventGroupsReady     EventType = "groups_ready"     // group detection finished
	EventBulkProgress    EventType = "bulk_progress"    // bulk operation advanced
	EventBindingSaved    EventType = "binding_saved"    // configure flow persisted a binding
	EventWebhookTested   EventType = "webhook_tested"   // test delivery finished
	EventSessionClosed   EventType = "session_closed"
)

// Event is a session notification pushed to subscribers. Only the
// fields relevant to the Type are populated.
type Event struct {
	Type      EventType          `json:"type"`
	SessionID string             `json:"session_id"`
	At        time.Time          `json:"at"`
	State     *selection.State   `json:"state,omitempty"`
	Elements  int                `json:"elements,omitempty"`
	Rev       uint64             `json:"rev,omitempty"`
	Groups    []groups.Group     `json:"groups,omitempty"`
	Operation *bulkops.Operation `json:"operation,omitempty"`
	Binding   *binding.Binding   `json:"binding,omitempty"`
	Delivery  *webhook.Delivery  `json:"delivery,omitempty"`
}

// Subscribe registers fn for this session's events. The returned cancel
// removes the subscription. Callbacks run on the emitting goroutine and
// must not block.
func (s *Session) Subscribe(fn func(Event)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Session) emit(ev Event) {
	ev.SessionID = s.ID
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
