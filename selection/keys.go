package selection

import "strings"

// Key is a normalized keyboard event from the front-end.
type Key struct {
	Code  string `json:"code"`
	Ctrl  bool   `json:"ctrl,omitempty"`
	Meta  bool   `json:"meta,omitempty"`
	Shift bool   `json:"shift,omitempty"`
}

func (k Key) chord() bool { return k.Ctrl || k.Meta }

// Command tells the caller what side effect a key transition asks for.
// The machine itself never performs the effect.
type Command string

const (
	CmdNone Command = ""
	// CmdCancelBulkRun: the operator escaped out of a running bulk
	// operation; the caller must cancel the run.
	CmdCancelBulkRun Command = "cancel_bulk_run"
	// CmdBulkUnbind: delete the bindings of every selected element.
	CmdBulkUnbind Command = "bulk_unbind"
)

// HandleKey applies a keyboard shortcut to the machine.
//
//	Escape        backs out one level: configuring -> selected -> idle,
//	              bulk_running -> bulk (cancelling the run), bulk -> collapse
//	Ctrl/Cmd+A    select every known element (entering bulk mode)
//	Ctrl/Cmd+D    clear the selection
//	B             toggle bulk mode
//	Delete        request unbind of the bulk selection
//
// Anything else is a no-op. Disabled mode ignores all keys.
func (m *Machine) HandleKey(k Key) (Command, State) {
	code := strings.ToLower(k.Code)

	switch {
	case code == "escape":
		return m.escape()

	case code == "a" && k.chord():
		return CmdNone, m.SelectAll()

	case code == "d" && k.chord():
		return CmdNone, m.DeselectAll()

	case code == "b" && !k.chord():
		st := m.State()
		if st.Mode == ModeBulk {
			return CmdNone, m.ExitBulk()
		}
		return CmdNone, m.EnterBulk()

	case code == "delete" || code == "backspace":
		st := m.State()
		if st.Mode == ModeBulk && len(st.Selection) > 0 {
			return CmdBulkUnbind, st
		}
		return CmdNone, st
	}
	return CmdNone, m.State()
}

// escape walks one step back through the mode chain.
func (m *Machine) escape() (Command, State) {
	cmd := CmdNone
	st := m.transition("escape", func() bool {
		switch m.mode {
		case ModeConfiguring:
			m.mode = ModeSelected
			return true
		case ModeBulkRunning:
			m.mode = ModeBulk
			cmd = CmdCancelBulkRun
			return true
		case ModeBulk:
			m.collapseBulkLocked()
			return true
		case ModeSelected:
			m.clearLocked()
			m.mode = ModeIdle
			return true
		case ModeHovering:
			m.hovered = ""
			m.mode = ModeIdle
			return true
		default:
			return false
		}
	})
	return cmd, st
}
