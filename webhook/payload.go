package webhook

import (
	"time"

	"github.com/vireolabs/hookmark/binding"
)

// ElementDescriptor identifies the element an event fired on, in terms
// a receiver can store and correlate across page changes.
type ElementDescriptor struct {
	Signature string `json:"signature"`
	Path      string `json:"path,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Label     string `json:"label,omitempty"`
	PagePath  string `json:"page_path,omitempty"`
}

// Event is the webhook envelope. Timestamp is RFC 3339 UTC. Test is
// true for deliveries fired from the configurator so receivers can
// discard them before touching production state.
type Event struct {
	Event     string            `json:"event"`
	Element   ElementDescriptor `json:"element"`
	OrgID     string            `json:"org_id"`
	UserID    string            `json:"user_id,omitempty"`
	Timestamp string            `json:"timestamp"`
	Test      bool              `json:"test"`
}

// BuildTest assembles the test-fire event for a binding. The event type
// is the binding's first trigger, falling back to "click".
func BuildTest(b *binding.Binding, el ElementDescriptor, userID string) Event {
	event := "click"
	if len(b.TriggerEvents) > 0 && b.TriggerEvents[0] != "" {
		event = b.TriggerEvents[0]
	}
	return Event{
		Event:     event,
		Element:   el,
		OrgID:     b.OrgID,
		UserID:    userID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Test:      true,
	}
}

// BuildLive assembles a live event for an interaction.
func BuildLive(b *binding.Binding, el ElementDescriptor, event, userID string) Event {
	return Event{
		Event:     event,
		Element:   el,
		OrgID:     b.OrgID,
		UserID:    userID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Test:      false,
	}
}
