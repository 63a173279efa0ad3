package keyboard

import "sync"

// FocusAttachment keeps one listener registered while the owning view has
// focus. Host adapters call SetFocus on focus notifications.
type FocusAttachment struct {
	tracker  *Tracker
	listener Listener

	mu  sync.Mutex
	reg *Registration
}

// NewFocusAttachment returns a detached attachment for l.
func NewFocusAttachment(t *Tracker, l Listener) *FocusAttachment {
	return &FocusAttachment{tracker: t, listener: l}
}

// SetFocus attaches the listener on focus gain and detaches it on loss.
// Repeated notifications with the same value are ignored. It reports
// whether the attachment changed.
func (f *FocusAttachment) SetFocus(focused bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case focused && f.reg == nil:
		f.reg = f.tracker.AddListener(f.listener)
		return true
	case !focused && f.reg != nil:
		f.tracker.RemoveListener(f.reg)
		f.reg = nil
		return true
	}
	return false
}

// Focused reports whether the listener is attached.
func (f *FocusAttachment) Focused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reg != nil
}
