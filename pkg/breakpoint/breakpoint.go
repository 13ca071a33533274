// Package breakpoint provides URL breakpoints for the inspector agent.
//
// A URLBreakpoint matches outgoing or incoming request URLs either by plain
// text or by regular expression. Breakpoints are non-breaking: a match is
// reported to the backend and the request continues.
package breakpoint

import "sync"

// Breakpoint holds the state every breakpoint kind shares: the disabled
// toggle, removal bookkeeping and change listeners. It is embedded by the
// concrete breakpoint types.
type Breakpoint struct {
	mu       sync.RWMutex
	disabled bool
	special  bool
	removed  bool

	disabledListeners []func(disabled bool)
	removedListeners  []func()
}

// Disabled reports whether the breakpoint is disabled.
func (b *Breakpoint) Disabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.disabled
}

// SetDisabled toggles the breakpoint and notifies listeners on change.
func (b *Breakpoint) SetDisabled(disabled bool) {
	b.setDisabled(disabled, true)
}

func (b *Breakpoint) setDisabled(disabled, notify bool) {
	b.mu.Lock()
	if b.disabled == disabled {
		b.mu.Unlock()
		return
	}
	b.disabled = disabled
	listeners := append([]func(bool){}, b.disabledListeners...)
	b.mu.Unlock()

	if !notify {
		return
	}
	for _, fn := range listeners {
		fn(disabled)
	}
}

// Special reports whether this is a built-in breakpoint that users cannot delete.
func (b *Breakpoint) Special() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.special
}

// Removed reports whether Remove has been called.
func (b *Breakpoint) Removed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.removed
}

// OnDisabledChanged registers fn to run after every disabled toggle.
func (b *Breakpoint) OnDisabledChanged(fn func(disabled bool)) {
	b.mu.Lock()
	b.disabledListeners = append(b.disabledListeners, fn)
	b.mu.Unlock()
}

// OnRemoved registers fn to run once when the breakpoint is removed.
func (b *Breakpoint) OnRemoved(fn func()) {
	b.mu.Lock()
	b.removedListeners = append(b.removedListeners, fn)
	b.mu.Unlock()
}

// Remove marks the breakpoint removed and fires the removal listeners.
// It returns false when the breakpoint was already removed.
func (b *Breakpoint) Remove() bool {
	b.mu.Lock()
	if b.removed {
		b.mu.Unlock()
		return false
	}
	b.removed = true
	listeners := b.removedListeners
	b.removedListeners = nil
	b.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
	return true
}

// ToJSON returns the shared JSON fields.
func (b *Breakpoint) ToJSON() map[string]any {
	fields := make(map[string]any)
	if b.Disabled() {
		fields["disabled"] = true
	}
	return fields
}
