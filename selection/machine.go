// Package selection implements the mode machine behind the configurator
// overlay: which element is hovered, which are selected, and whether the
// operator is configuring a single element or acting on many at once.
//
// Every transition is serialized and validated; a transition that is not
// defined for the current mode is a no-op, never an error, so stale
// events from a laggy front-end cannot wedge the machine. The published
// State carries a revision so consumers can drop no-op echoes.
package selection

import (
	"log/slog"
	"sync"
)

// Mode enumerates the machine states.
type Mode string

const (
	ModeDisabled    Mode = "disabled"
	ModeIdle        Mode = "idle"
	ModeHovering    Mode = "hovering"
	ModeSelected    Mode = "selected"
	ModeConfiguring Mode = "configuring"
	ModeBulk        Mode = "bulk"
	ModeBulkRunning Mode = "bulk_running"
)

// OrderFunc supplies the current document-order signature list; range
// selection and select-all resolve against it at call time, so the
// machine never holds a stale copy of the registry.
type OrderFunc func() []string

// State is an immutable snapshot of the machine.
//
// SelectedID mirrors the selection set: the single member when exactly
// one element is selected, empty otherwise. It is never an element
// outside the set.
type State struct {
	Mode       Mode     `json:"mode"`
	HoveredID  string   `json:"hovered_id,omitempty"`
	SelectedID string   `json:"selected_id,omitempty"`
	Selection  []string `json:"selection"`
	Rev        uint64   `json:"rev"`
}

// Machine is the selection state machine. Safe for concurrent use.
type Machine struct {
	mu       sync.Mutex
	mode     Mode
	hovered  string
	selected []string
	members  map[string]struct{}
	rev      uint64

	order    OrderFunc
	onChange func(State)
	logger   *slog.Logger
}

// Option customises a Machine.
type Option func(*Machine)

// WithLogger sets the transition logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithOnChange registers a callback invoked after every effective
// transition, outside the machine lock.
func WithOnChange(fn func(State)) Option {
	return func(m *Machine) { m.onChange = fn }
}

// New builds a Machine in idle mode. order may be nil, in which case
// range selection and select-all are no-ops.
func New(order OrderFunc, opts ...Option) *Machine {
	m := &Machine{
		mode:    ModeIdle,
		members: make(map[string]struct{}),
		order:   order,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current snapshot.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Enable moves disabled to idle.
func (m *Machine) Enable() State {
	return m.transition("enable", func() bool {
		if m.mode != ModeDisabled {
			return false
		}
		m.mode = ModeIdle
		return true
	})
}

// Disable forces the machine off from any mode, clearing all selection
// and hover state.
func (m *Machine) Disable() State {
	return m.transition("disable", func() bool {
		if m.mode == ModeDisabled {
			return false
		}
		m.mode = ModeDisabled
		m.hovered = ""
		m.clearLocked()
		return true
	})
}

// Hover tracks the pointer entering an element. From idle it moves to
// hovering; in modes with an active selection it only updates the
// hover target.
func (m *Machine) Hover(id string) State {
	return m.transition("hover", func() bool {
		switch m.mode {
		case ModeIdle:
			m.mode = ModeHovering
			m.hovered = id
			return true
		case ModeHovering, ModeSelected, ModeBulk:
			if m.hovered == id {
				return false
			}
			m.hovered = id
			return true
		default:
			return false
		}
	})
}

// Unhover clears the hover target; hovering falls back to idle.
func (m *Machine) Unhover() State {
	return m.transition("unhover", func() bool {
		if m.hovered == "" && m.mode != ModeHovering {
			return false
		}
		m.hovered = ""
		if m.mode == ModeHovering {
			m.mode = ModeIdle
		}
		return true
	})
}

// Select picks a single element. In idle, hovering or selected mode the
// selection set becomes exactly {id}; in bulk mode membership toggles
// instead. Elsewhere it is a no-op.
func (m *Machine) Select(id string) State {
	return m.transition("select", func() bool {
		switch m.mode {
		case ModeIdle, ModeHovering, ModeSelected:
			if m.mode == ModeSelected && len(m.selected) == 1 && m.selected[0] == id {
				return false
			}
			m.clearLocked()
			m.addLocked(id)
			m.mode = ModeSelected
			return true
		case ModeBulk:
			if !m.removeLocked(id) {
				m.addLocked(id)
			}
			return true
		default:
			return false
		}
	})
}

// Deselect drops the single selection, returning to idle.
func (m *Machine) Deselect() State {
	return m.transition("deselect", func() bool {
		if m.mode != ModeSelected {
			return false
		}
		m.clearLocked()
		m.mode = ModeIdle
		return true
	})
}

// BeginConfigure opens the binding editor for the single selected
// element. Defined only in selected mode with exactly one member.
func (m *Machine) BeginConfigure() State {
	return m.transition("begin_configure", func() bool {
		if m.mode != ModeSelected || len(m.selected) != 1 {
			return false
		}
		m.mode = ModeConfiguring
		return true
	})
}

// CompleteConfigure closes the editor after a save, back to selected.
func (m *Machine) CompleteConfigure() State {
	return m.transition("complete_configure", func() bool {
		if m.mode != ModeConfiguring {
			return false
		}
		m.mode = ModeSelected
		return true
	})
}

// EnterBulk switches to multi-select, carrying the current selection.
func (m *Machine) EnterBulk() State {
	return m.transition("enter_bulk", func() bool {
		switch m.mode {
		case ModeIdle, ModeHovering, ModeSelected:
			m.mode = ModeBulk
			return true
		default:
			return false
		}
	})
}

// ExitBulk leaves multi-select, collapsing the set to at most one
// element: a sole member stays selected, anything larger is cleared.
func (m *Machine) ExitBulk() State {
	return m.transition("exit_bulk", func() bool {
		if m.mode != ModeBulk {
			return false
		}
		m.collapseBulkLocked()
		return true
	})
}

// RangeSelect adds every element between a and b in document order,
// endpoints included. Argument order is irrelevant. Defined only in
// bulk mode; if either endpoint is unknown to the registry the call is
// a no-op.
func (m *Machine) RangeSelect(a, b string) State {
	return m.transition("range_select", func() bool {
		if m.mode != ModeBulk || m.order == nil {
			return false
		}
		order := m.order()
		ia, ib := indexOf(order, a), indexOf(order, b)
		if ia < 0 || ib < 0 {
			return false
		}
		if ia > ib {
			ia, ib = ib, ia
		}
		changed := false
		for _, id := range order[ia : ib+1] {
			if m.addLocked(id) {
				changed = true
			}
		}
		return changed
	})
}

// SelectAll enters bulk mode (from any selectable mode) and selects
// every element the registry currently knows.
func (m *Machine) SelectAll() State {
	return m.transition("select_all", func() bool {
		switch m.mode {
		case ModeIdle, ModeHovering, ModeSelected, ModeBulk:
		default:
			return false
		}
		if m.order == nil {
			return false
		}
		m.mode = ModeBulk
		changed := false
		for _, id := range m.order() {
			if m.addLocked(id) {
				changed = true
			}
		}
		return changed
	})
}

// DeselectAll clears the selection set. Bulk mode is kept (an empty
// bulk selection is legal); selected mode falls back to idle.
func (m *Machine) DeselectAll() State {
	return m.transition("deselect_all", func() bool {
		switch m.mode {
		case ModeSelected:
			m.clearLocked()
			m.mode = ModeIdle
			return true
		case ModeBulk:
			if len(m.selected) == 0 {
				return false
			}
			m.clearLocked()
			return true
		default:
			return false
		}
	})
}

// BeginBulkRun freezes the selection while a bulk operation executes.
// Toggling is rejected until EndBulkRun or a cancel.
func (m *Machine) BeginBulkRun() State {
	return m.transition("begin_bulk_run", func() bool {
		if m.mode != ModeBulk || len(m.selected) == 0 {
			return false
		}
		m.mode = ModeBulkRunning
		return true
	})
}

// EndBulkRun returns from a finished or cancelled run to bulk mode.
func (m *Machine) EndBulkRun() State {
	return m.transition("end_bulk_run", func() bool {
		if m.mode != ModeBulkRunning {
			return false
		}
		m.mode = ModeBulk
		return true
	})
}

// Prune drops selection members and hover targets that keep reports
// gone, preserving order. Called after every registry rebuild so the
// machine never references an element that no longer exists.
func (m *Machine) Prune(keep func(string) bool) State {
	return m.transition("prune", func() bool {
		changed := false
		kept := m.selected[:0]
		for _, id := range m.selected {
			if keep(id) {
				kept = append(kept, id)
				continue
			}
			delete(m.members, id)
			changed = true
		}
		m.selected = kept
		if m.hovered != "" && !keep(m.hovered) {
			m.hovered = ""
			if m.mode == ModeHovering {
				m.mode = ModeIdle
			}
			changed = true
		}
		if changed {
			switch m.mode {
			case ModeSelected, ModeConfiguring:
				if len(m.selected) == 0 {
					m.mode = ModeIdle
				}
			}
		}
		return changed
	})
}

// transition runs fn under the lock, then publishes the snapshot if fn
// reported an effective change.
func (m *Machine) transition(name string, fn func() bool) State {
	m.mu.Lock()
	changed := fn()
	if changed {
		m.rev++
	}
	st := m.snapshotLocked()
	m.mu.Unlock()

	if changed {
		m.logger.Debug("selection: transition", "action", name, "mode", st.Mode,
			"selected", len(st.Selection), "rev", st.Rev)
		if m.onChange != nil {
			m.onChange(st)
		}
	}
	return st
}

func (m *Machine) snapshotLocked() State {
	st := State{
		Mode:      m.mode,
		HoveredID: m.hovered,
		Selection: append([]string(nil), m.selected...),
		Rev:       m.rev,
	}
	if len(m.selected) == 1 {
		st.SelectedID = m.selected[0]
	}
	return st
}

func (m *Machine) addLocked(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := m.members[id]; ok {
		return false
	}
	m.members[id] = struct{}{}
	m.selected = append(m.selected, id)
	return true
}

func (m *Machine) removeLocked(id string) bool {
	if _, ok := m.members[id]; !ok {
		return false
	}
	delete(m.members, id)
	for i, s := range m.selected {
		if s == id {
			m.selected = append(m.selected[:i], m.selected[i+1:]...)
			break
		}
	}
	return true
}

func (m *Machine) clearLocked() {
	m.selected = nil
	m.members = make(map[string]struct{})
}

// collapseBulkLocked implements the bulk exit rule: one survivor keeps
// selected mode, otherwise everything clears to idle.
func (m *Machine) collapseBulkLocked() {
	if len(m.selected) == 1 {
		m.mode = ModeSelected
		return
	}
	m.clearLocked()
	m.mode = ModeIdle
}

func indexOf(ids []string, id string) int {
	for i, s := range ids {
		if s == id {
			return i
		}
	}
	return -1
}
