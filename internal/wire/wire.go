// Package wire decodes key event packets delivered by the host.
//
// A packet is a self-describing MessagePack map keyed by small integer
// field ids. Values are integers, UTF-8 strings, nested maps of the same
// shape and, in revision 2, arrays of nested maps. The field ids are the
// ABI between the host and keybridge: changing one is a breaking protocol
// change and gets a new Revision.
//
// Top level:
//
//	1 timestamp  int64, microseconds since an arbitrary shared origin
//	2 eventType  int, 0=down 1=up 2=sync 3=cancel
//	3 payload    map
//
// Payload, revision 1:
//
//	100 logicalKey   map {10000 keyId int64, 20000 keyLabel string}
//	200 physicalKey  map {10000000 keyId int64, 20000000 keyLabel string}
//	300 character    string, down only
//
// Payload, revision 2:
//
//	100 logicalKey
//	200 physicalKey
//	300 logicalKeysPressed   array of logicalKey maps
//	400 physicalKeysPressed  array of physicalKey maps
//	500 character            string, down only
package wire

import (
	"fmt"
	"time"

	"keybridge/internal/keys"
)

// EventType is the kind of key transition carried by a packet.
type EventType int

const (
	EventDown EventType = iota
	EventUp
	EventSync
	EventCancel
)

func (t EventType) String() string {
	switch t {
	case EventDown:
		return "down"
	case EventUp:
		return "up"
	case EventSync:
		return "sync"
	case EventCancel:
		return "cancel"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Valid reports whether t is one of the four defined event types.
func (t EventType) Valid() bool {
	return t >= EventDown && t <= EventCancel
}

// ParseEventType parses "down", "up", "sync" or "cancel".
func ParseEventType(s string) (EventType, error) {
	switch s {
	case "down":
		return EventDown, nil
	case "up":
		return EventUp, nil
	case "sync":
		return EventSync, nil
	case "cancel":
		return EventCancel, nil
	}
	return 0, fmt.Errorf("unknown event type: %q", s)
}

// Revision selects a field-id layout.
type Revision int

const (
	Revision1 Revision = 1
	Revision2 Revision = 2

	// DefaultRevision is the layout used when none is configured.
	DefaultRevision = Revision1
)

func (r Revision) String() string {
	return fmt.Sprintf("r%d", int(r))
}

// Top-level field ids.
const (
	FieldTimestamp int64 = 1
	FieldEventType int64 = 2
	FieldPayload   int64 = 3
)

// Payload field ids.
const (
	FieldLogicalKey  int64 = 100
	FieldPhysicalKey int64 = 200

	// Revision 1.
	FieldCharacter int64 = 300

	// Revision 2.
	FieldLogicalKeysPressed  int64 = 300
	FieldPhysicalKeysPressed int64 = 400
	FieldCharacterR2         int64 = 500
)

// Key sub-record field ids.
const (
	FieldLogicalKeyID     int64 = 10000
	FieldLogicalKeyLabel  int64 = 20000
	FieldPhysicalKeyID    int64 = 10000000
	FieldPhysicalKeyLabel int64 = 20000000
)

// Packet is a decoded key event packet.
type Packet struct {
	// Timestamp has microsecond resolution on the wire. Decode rejects
	// values a time.Duration cannot hold (beyond about 292 years).
	Timestamp time.Duration
	Type      EventType
	Logical   *keys.LogicalKey
	Physical  *keys.PhysicalKey

	// Character is the grapheme cluster produced by a down event. Empty
	// means no character.
	Character string

	// Host-reported pressed sets, revision 2 only. Nil when absent.
	LogicalKeysPressed  []*keys.LogicalKey
	PhysicalKeysPressed []*keys.PhysicalKey
}

// HasHostState reports whether the packet carries the host's pressed sets.
func (p *Packet) HasHostState() bool {
	return p.LogicalKeysPressed != nil || p.PhysicalKeysPressed != nil
}
