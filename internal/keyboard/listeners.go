package keyboard

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Listener receives key events on the tracker's owner goroutine. It returns
// true to claim the event. ctx marks the owner, so tracker calls made with
// it from inside the listener run inline. A listener that calls a mutating
// method (Simulate*, HandlePacket, HandleMessage, ClearKeysPressed) with any
// other context, context.Background() included, queues behind itself and
// deadlocks the owner.
type Listener func(ctx context.Context, ev KeyEvent) bool

// Registration is the handle returned by AddListener. Adding the same
// Listener twice yields two registrations and two invocations per event.
type Registration struct {
	fn     Listener
	active atomic.Bool
}

// Active reports whether the registration is still in the live list.
func (r *Registration) Active() bool {
	return r != nil && r.active.Load()
}

// listenerSet is an insertion-ordered copy-on-write list. A snapshot is
// the slice itself; mutations replace the slice.
type listenerSet struct {
	mu   sync.Mutex
	list []*Registration
}

func (s *listenerSet) add(fn Listener) *Registration {
	r := &Registration{fn: fn}
	r.active.Store(true)

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]*Registration, len(s.list), len(s.list)+1)
	copy(next, s.list)
	s.list = append(next, r)
	return r
}

func (s *listenerSet) remove(r *Registration) bool {
	if r == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, cur := range s.list {
		if cur != r {
			continue
		}
		next := make([]*Registration, 0, len(s.list)-1)
		next = append(next, s.list[:i]...)
		next = append(next, s.list[i+1:]...)
		s.list = next
		r.active.Store(false)
		return true
	}
	return false
}

func (s *listenerSet) snapshot() []*Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list
}

func (s *listenerSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

// dispatch invokes every listener of a snapshot taken now, skipping those
// removed since, and ORs the results. Every live listener runs even after
// one has claimed the event.
func (t *Tracker) dispatch(ctx context.Context, ev KeyEvent) bool {
	handled := false
	for _, r := range t.listeners.snapshot() {
		if !r.active.Load() {
			continue
		}
		if t.invoke(ctx, r, ev) {
			handled = true
		}
	}
	return handled
}

// invoke runs one listener. A panicking listener is logged and counts as
// not having claimed the event.
func (t *Tracker) invoke(ctx context.Context, r *Registration, ev KeyEvent) (claimed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			t.logger.Error("listener panicked",
				"event", fmt.Sprint(ev),
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
			claimed = false
		}
	}()
	return r.fn(ctx, ev)
}
