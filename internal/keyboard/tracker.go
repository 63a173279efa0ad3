// Package keyboard tracks which keys are held and delivers key events to
// listeners.
//
// A Tracker owns the pressed-key state and the listener list. Packets may
// arrive on any goroutine; they are applied one at a time, in arrival
// order, on the tracker's owner goroutine. For each packet the tracker
// updates its state first, then builds the typed event, dispatches it, and
// finally computes the result, so listeners observe the state as it is
// after the event.
package keyboard

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"keybridge/internal/keys"
	"keybridge/internal/wire"
)

// Result is the outcome of applying a packet.
type Result int

const (
	// Skip means no listener claimed the event, or the event was a sync
	// or cancel.
	Skip Result = iota
	// Handled means at least one listener claimed a down or up event.
	Handled
)

func (r Result) String() string {
	if r == Handled {
		return "handled"
	}
	return "skip"
}

// ParseResult parses "handled" or "skip".
func ParseResult(s string) (Result, error) {
	switch s {
	case "handled":
		return Handled, nil
	case "skip":
		return Skip, nil
	}
	return Skip, fmt.Errorf("unknown result: %q", s)
}

var (
	// ErrClosed is returned for work submitted after Close.
	ErrClosed = errors.New("keyboard: tracker closed")

	// ErrMissingKey is returned by the Simulate methods when a key is nil.
	ErrMissingKey = errors.New("keyboard: missing key")
)

// Observer receives counters from the tracker. Implementations must be
// safe for concurrent use and must not call back into the tracker.
type Observer interface {
	PacketApplied(kind string, handled bool, dispatch time.Duration)
	DecodeFailed(kind string)
	StateChanged(keysPressed, listeners int)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithRegistry sets the registry used to resolve modifier keys.
func WithRegistry(r *keys.Registry) Option {
	return func(t *Tracker) {
		if r != nil {
			t.registry = r
		}
	}
}

// WithQueueSize sets the capacity of the owner's task queue.
func WithQueueSize(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.queueSize = n
		}
	}
}

// WithObserver installs an observer, typically the metrics adapter.
func WithObserver(o Observer) Option {
	return func(t *Tracker) {
		t.observer = o
	}
}

// WithClock sets the timestamp source for simulated events.
func WithClock(now func() time.Duration) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithStrictDecode makes HandleMessage panic on a decode error instead of
// returning it.
func WithStrictDecode(strict bool) Option {
	return func(t *Tracker) {
		t.strict = strict
	}
}

type task struct {
	ctx  context.Context
	fn   func(ctx context.Context)
	done chan struct{}
}

type ownerKey struct{}

// Tracker is the keyboard state machine. Create one with NewTracker and
// release it with Close.
type Tracker struct {
	registry  *keys.Registry
	logger    *slog.Logger
	observer  Observer
	queueSize int
	strict    bool
	now       func() time.Duration

	control, shift, alt, meta *keys.LogicalKey

	stateMu sync.RWMutex
	pressed map[*keys.PhysicalKey]*keys.LogicalKey

	listeners listenerSet

	sendMu sync.RWMutex
	closed bool
	tasks  chan task
	done   chan struct{}
}

// NewTracker creates a tracker and starts its owner goroutine.
func NewTracker(opts ...Option) *Tracker {
	epoch := time.Now()
	t := &Tracker{
		registry:  keys.Default(),
		logger:    slog.Default(),
		queueSize: 64,
		now:       func() time.Duration { return time.Since(epoch) },
		pressed:   make(map[*keys.PhysicalKey]*keys.LogicalKey),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "keyboard")

	t.control = t.registry.Logical(keys.LogicalControl, "Control")
	t.shift = t.registry.Logical(keys.LogicalShift, "Shift")
	t.alt = t.registry.Logical(keys.LogicalAlt, "Alt")
	t.meta = t.registry.Logical(keys.LogicalMeta, "Meta")

	t.tasks = make(chan task, t.queueSize)
	t.done = make(chan struct{})
	go t.loop()
	return t
}

func (t *Tracker) loop() {
	defer close(t.done)
	for tk := range t.tasks {
		tk.fn(context.WithValue(tk.ctx, ownerKey{}, t))
		close(tk.done)
	}
}

// Close stops accepting work, waits for queued work to finish and stops
// the owner goroutine. It must not be called from a listener.
func (t *Tracker) Close() error {
	t.sendMu.Lock()
	if t.closed {
		t.sendMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.tasks)
	t.sendMu.Unlock()

	<-t.done
	t.logger.Debug("tracker closed")
	return nil
}

// onOwner reports whether ctx was handed out by this tracker's owner.
func (t *Tracker) onOwner(ctx context.Context) bool {
	owner, _ := ctx.Value(ownerKey{}).(*Tracker)
	return owner == t
}

// run executes fn on the owner goroutine and waits for it. Called with an
// owner context, fn runs inline. Once queued, fn always runs; ctx does not
// cancel it.
func (t *Tracker) run(ctx context.Context, fn func(ctx context.Context)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if t.onOwner(ctx) {
		fn(ctx)
		return nil
	}

	tk := task{ctx: ctx, fn: fn, done: make(chan struct{})}

	t.sendMu.RLock()
	if t.closed {
		t.sendMu.RUnlock()
		return ErrClosed
	}
	t.tasks <- tk
	t.sendMu.RUnlock()

	<-tk.done
	return nil
}

// Ping waits until the owner goroutine has drained the work queued before
// it. It returns ErrClosed after Close.
func (t *Tracker) Ping(ctx context.Context) error {
	return t.run(ctx, func(context.Context) {})
}

// HandlePacket applies a decoded packet and returns whether a listener
// handled it. It blocks until the packet has been applied on the owner.
func (t *Tracker) HandlePacket(ctx context.Context, p *wire.Packet) (Result, error) {
	if p == nil {
		return Skip, fmt.Errorf("%w: nil packet", wire.ErrInvalidPacket)
	}
	if p.Logical == nil || p.Physical == nil {
		return Skip, fmt.Errorf("%w: missing key", wire.ErrInvalidPacket)
	}
	if !p.Type.Valid() {
		return Skip, fmt.Errorf("%w: %s", wire.ErrInvalidPacket, p.Type)
	}

	var res Result
	err := t.run(ctx, func(ctx context.Context) {
		res = t.apply(ctx, p)
	})
	return res, err
}

// HandleMessage decodes data with codec and applies the packet. A decode
// error is logged and returned and leaves the state untouched; with
// WithStrictDecode it panics instead.
func (t *Tracker) HandleMessage(ctx context.Context, codec *wire.Codec, data []byte) (Result, error) {
	p, err := codec.Decode(data)
	if err != nil {
		t.decodeFailed(err)
		if t.strict {
			panic(err)
		}
		return Skip, err
	}
	return t.HandlePacket(ctx, p)
}

func (t *Tracker) decodeFailed(err error) {
	var de *wire.DecodeError
	if !errors.As(err, &de) {
		t.logger.Error("packet decode failed", "error", err)
		return
	}
	t.logger.Error("packet decode failed",
		"kind", de.Kind.String(),
		"scope", de.Scope.String(),
		"field_id", de.FieldID,
		"error", err,
	)
	if t.observer != nil {
		t.observer.DecodeFailed(de.Kind.String())
	}
}

// apply runs on the owner goroutine.
func (t *Tracker) apply(ctx context.Context, p *wire.Packet) Result {
	start := time.Now()

	n := t.mutate(p.Type, p.Physical, p.Logical)
	if p.HasHostState() {
		t.compareHostState(p)
	}

	ev := newEvent(p)
	claimed := t.dispatch(ctx, ev)

	res := Skip
	if claimed && (p.Type == wire.EventDown || p.Type == wire.EventUp) {
		res = Handled
	}

	elapsed := time.Since(start)
	t.logger.Debug("key event applied",
		"event", p.Type.String(),
		"logical", p.Logical.String(),
		"physical", p.Physical.String(),
		"claimed", claimed,
		"result", res.String(),
		"duration", elapsed,
	)
	if t.observer != nil {
		t.observer.PacketApplied(p.Type.String(), res == Handled, elapsed)
		t.observer.StateChanged(n, t.listeners.count())
	}
	return res
}

// mutate updates the pressed map for one transition and returns the number
// of distinct logical keys pressed afterwards.
func (t *Tracker) mutate(typ wire.EventType, physical *keys.PhysicalKey, logical *keys.LogicalKey) int {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	switch typ {
	case wire.EventDown, wire.EventSync:
		t.pressed[physical] = logical
	case wire.EventUp, wire.EventCancel:
		delete(t.pressed, physical)
	}
	return len(t.distinctLogicalLocked())
}

func (t *Tracker) compareHostState(p *wire.Packet) {
	t.stateMu.RLock()
	logical := t.distinctLogicalLocked()
	physical := make(map[*keys.PhysicalKey]struct{}, len(t.pressed))
	for k := range t.pressed {
		physical[k] = struct{}{}
	}
	t.stateMu.RUnlock()

	diverged := false
	if p.LogicalKeysPressed != nil && !sameLogicalSet(logical, p.LogicalKeysPressed) {
		diverged = true
	}
	if p.PhysicalKeysPressed != nil && !samePhysicalSet(physical, p.PhysicalKeysPressed) {
		diverged = true
	}
	if diverged {
		t.logger.Warn("host pressed state diverges from tracker",
			"event", p.Type.String(),
			"physical", p.Physical.String(),
			"tracker_keys", len(logical),
			"host_keys", len(p.LogicalKeysPressed),
			"tracker_physical", len(physical),
			"host_physical", len(p.PhysicalKeysPressed),
		)
	}
}

func sameLogicalSet(have map[*keys.LogicalKey]struct{}, host []*keys.LogicalKey) bool {
	seen := make(map[*keys.LogicalKey]struct{}, len(host))
	for _, k := range host {
		if _, ok := have[k]; !ok {
			return false
		}
		seen[k] = struct{}{}
	}
	return len(seen) == len(have)
}

func samePhysicalSet(have map[*keys.PhysicalKey]struct{}, host []*keys.PhysicalKey) bool {
	seen := make(map[*keys.PhysicalKey]struct{}, len(host))
	for _, k := range host {
		if _, ok := have[k]; !ok {
			return false
		}
		seen[k] = struct{}{}
	}
	return len(seen) == len(have)
}

// distinctLogicalLocked requires stateMu.
func (t *Tracker) distinctLogicalLocked() map[*keys.LogicalKey]struct{} {
	set := make(map[*keys.LogicalKey]struct{}, len(t.pressed))
	for _, l := range t.pressed {
		set[l] = struct{}{}
	}
	return set
}

// SimulateDown applies a down event without going through the codec.
func (t *Tracker) SimulateDown(ctx context.Context, logical *keys.LogicalKey, physical *keys.PhysicalKey, character string) (Result, error) {
	return t.simulate(ctx, wire.EventDown, logical, physical, character)
}

// SimulateUp applies an up event without going through the codec.
func (t *Tracker) SimulateUp(ctx context.Context, logical *keys.LogicalKey, physical *keys.PhysicalKey) (Result, error) {
	return t.simulate(ctx, wire.EventUp, logical, physical, "")
}

// SimulateSync applies a sync event without going through the codec.
func (t *Tracker) SimulateSync(ctx context.Context, logical *keys.LogicalKey, physical *keys.PhysicalKey) (Result, error) {
	return t.simulate(ctx, wire.EventSync, logical, physical, "")
}

// SimulateCancel applies a cancel event without going through the codec.
func (t *Tracker) SimulateCancel(ctx context.Context, logical *keys.LogicalKey, physical *keys.PhysicalKey) (Result, error) {
	return t.simulate(ctx, wire.EventCancel, logical, physical, "")
}

func (t *Tracker) simulate(ctx context.Context, typ wire.EventType, logical *keys.LogicalKey, physical *keys.PhysicalKey, character string) (Result, error) {
	if logical == nil || physical == nil {
		return Skip, ErrMissingKey
	}
	return t.HandlePacket(ctx, &wire.Packet{
		Timestamp: t.now(),
		Type:      typ,
		Logical:   logical,
		Physical:  physical,
		Character: character,
	})
}

// ClearKeysPressed empties the pressed-key state without notifying
// listeners. It exists to reset state between tests.
func (t *Tracker) ClearKeysPressed(ctx context.Context) error {
	return t.run(ctx, func(context.Context) {
		t.stateMu.Lock()
		clear(t.pressed)
		t.stateMu.Unlock()
		if t.observer != nil {
			t.observer.StateChanged(0, t.listeners.count())
		}
	})
}

// AddListener appends l to the listener list. A listener added during a
// dispatch does not receive the event in flight.
func (t *Tracker) AddListener(l Listener) *Registration {
	r := t.listeners.add(l)
	t.listenersChanged()
	return r
}

// RemoveListener removes r. A listener removed during a dispatch is not
// invoked again by that dispatch. It reports whether r was registered.
func (t *Tracker) RemoveListener(r *Registration) bool {
	ok := t.listeners.remove(r)
	if ok {
		t.listenersChanged()
	}
	return ok
}

// ListenerCount returns the number of registered listeners.
func (t *Tracker) ListenerCount() int {
	return t.listeners.count()
}

func (t *Tracker) listenersChanged() {
	if t.observer == nil {
		return
	}
	t.stateMu.RLock()
	n := len(t.distinctLogicalLocked())
	t.stateMu.RUnlock()
	t.observer.StateChanged(n, t.listeners.count())
}

// IsKeyPressed reports whether key, or a member of its synonym group, is
// currently pressed. The generic Shift key is pressed when either side is.
func (t *Tracker) IsKeyPressed(key *keys.LogicalKey) bool {
	if key == nil {
		return false
	}
	synonyms := key.Synonyms()

	t.stateMu.RLock()
	defer t.stateMu.RUnlock()

	for _, l := range t.pressed {
		if l == key || slices.Contains(synonyms, l) {
			return true
		}
	}
	return false
}

// IsPhysicalKeyPressed reports whether key is held. There is no synonym
// expansion for physical keys.
func (t *Tracker) IsPhysicalKeyPressed(key *keys.PhysicalKey) bool {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	_, ok := t.pressed[key]
	return ok
}

// LogicalKeyFor returns the logical key recorded for a held physical key.
func (t *Tracker) LogicalKeyFor(key *keys.PhysicalKey) (*keys.LogicalKey, bool) {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	l, ok := t.pressed[key]
	return l, ok
}

// KeysPressed returns the distinct logical keys pressed, ordered by id.
func (t *Tracker) KeysPressed() []*keys.LogicalKey {
	t.stateMu.RLock()
	set := t.distinctLogicalLocked()
	t.stateMu.RUnlock()

	out := make([]*keys.LogicalKey, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.SortFunc(out, func(a, b *keys.LogicalKey) int { return cmp.Compare(a.ID(), b.ID()) })
	return out
}

// PhysicalKeysPressed returns the physical keys held, ordered by id.
func (t *Tracker) PhysicalKeysPressed() []*keys.PhysicalKey {
	t.stateMu.RLock()
	out := make([]*keys.PhysicalKey, 0, len(t.pressed))
	for k := range t.pressed {
		out = append(out, k)
	}
	t.stateMu.RUnlock()

	slices.SortFunc(out, func(a, b *keys.PhysicalKey) int { return cmp.Compare(a.ID(), b.ID()) })
	return out
}

// IsControlPressed reports whether either Control key is pressed.
func (t *Tracker) IsControlPressed() bool { return t.IsKeyPressed(t.control) }

// IsShiftPressed reports whether either Shift key is pressed.
func (t *Tracker) IsShiftPressed() bool { return t.IsKeyPressed(t.shift) }

// IsAltPressed reports whether either Alt key is pressed.
func (t *Tracker) IsAltPressed() bool { return t.IsKeyPressed(t.alt) }

// IsMetaPressed reports whether either Meta key is pressed.
func (t *Tracker) IsMetaPressed() bool { return t.IsKeyPressed(t.meta) }

// Registry returns the registry the tracker resolves modifiers through.
func (t *Tracker) Registry() *keys.Registry { return t.registry }
