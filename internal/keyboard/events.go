package keyboard

import (
	"fmt"
	"time"

	"keybridge/internal/keys"
	"keybridge/internal/wire"
)

// KeyEvent is a key transition delivered to listeners. The set of
// implementations is closed: KeyDown, KeyUp, KeySync and KeyCancel.
type KeyEvent interface {
	// Kind returns the wire event type of the transition.
	Kind() wire.EventType
	// Timestamp is the host time of the transition, relative to an
	// arbitrary origin shared by all events of one host.
	Timestamp() time.Duration
	LogicalKey() *keys.LogicalKey
	PhysicalKey() *keys.PhysicalKey
	// Accept calls the visitor method matching the event's kind.
	Accept(v EventVisitor)

	sealed()
}

// EventVisitor handles each kind of KeyEvent. Adding a kind adds a method
// here, so every visitor must be updated.
type EventVisitor interface {
	VisitDown(ev KeyDown)
	VisitUp(ev KeyUp)
	VisitSync(ev KeySync)
	VisitCancel(ev KeyCancel)
}

type eventBase struct {
	timestamp time.Duration
	logical   *keys.LogicalKey
	physical  *keys.PhysicalKey
}

func (e eventBase) Timestamp() time.Duration       { return e.timestamp }
func (e eventBase) LogicalKey() *keys.LogicalKey   { return e.logical }
func (e eventBase) PhysicalKey() *keys.PhysicalKey { return e.physical }
func (eventBase) sealed()                          {}

// KeyDown reports a key press by the user.
type KeyDown struct {
	eventBase
	character string
}

// Kind returns wire.EventDown.
func (KeyDown) Kind() wire.EventType { return wire.EventDown }

// Character returns the grapheme cluster the press produced, or "" if it
// produced none.
func (e KeyDown) Character() string { return e.character }

func (e KeyDown) Accept(v EventVisitor) { v.VisitDown(e) }

func (e KeyDown) String() string {
	if e.character == "" {
		return fmt.Sprintf("down(%s, %s)", e.logical, e.physical)
	}
	return fmt.Sprintf("down(%s, %s, %q)", e.logical, e.physical, e.character)
}

// KeyUp reports a key release by the user.
type KeyUp struct{ eventBase }

func (KeyUp) Kind() wire.EventType    { return wire.EventUp }
func (e KeyUp) Accept(v EventVisitor) { v.VisitUp(e) }
func (e KeyUp) String() string        { return fmt.Sprintf("up(%s, %s)", e.logical, e.physical) }

// KeySync reports a key that was already held when focus was gained.
type KeySync struct{ eventBase }

func (KeySync) Kind() wire.EventType    { return wire.EventSync }
func (e KeySync) Accept(v EventVisitor) { v.VisitSync(e) }
func (e KeySync) String() string        { return fmt.Sprintf("sync(%s, %s)", e.logical, e.physical) }

// KeyCancel reports a key released while focus was elsewhere.
type KeyCancel struct{ eventBase }

func (KeyCancel) Kind() wire.EventType    { return wire.EventCancel }
func (e KeyCancel) Accept(v EventVisitor) { v.VisitCancel(e) }
func (e KeyCancel) String() string        { return fmt.Sprintf("cancel(%s, %s)", e.logical, e.physical) }

// newEvent builds the typed event for an applied packet.
func newEvent(p *wire.Packet) KeyEvent {
	base := eventBase{timestamp: p.Timestamp, logical: p.Logical, physical: p.Physical}
	switch p.Type {
	case wire.EventDown:
		return KeyDown{eventBase: base, character: p.Character}
	case wire.EventUp:
		return KeyUp{base}
	case wire.EventSync:
		return KeySync{base}
	case wire.EventCancel:
		return KeyCancel{base}
	}
	panic(fmt.Sprintf("keyboard: unknown event type %d", int(p.Type)))
}
