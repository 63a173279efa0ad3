package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode matches every *DecodeError via errors.Is.
	ErrDecode = errors.New("wire: decode failed")

	// ErrInvalidPacket is returned by Encode for packets that violate the
	// field contract.
	ErrInvalidPacket = errors.New("wire: invalid packet")

	// ErrUnknownRevision is returned for revisions without a schema.
	ErrUnknownRevision = errors.New("wire: unknown revision")
)

// ErrorKind classifies a decode failure.
type ErrorKind int

const (
	// KindMalformed means the bytes are not a well-formed keyed map.
	KindMalformed ErrorKind = iota + 1
	// KindUnknownField means a field id outside the allowed set.
	KindUnknownField
	// KindMissingField means a required field is absent or null.
	KindMissingField
	// KindWrongType means a field value has the wrong type.
	KindWrongType
	// KindDuplicateField means a field id appears twice in one map.
	KindDuplicateField
	// KindInvalidEventType means the event ordinal is outside 0..3.
	KindInvalidEventType
	// KindUnexpectedCharacter means a character on a non-down event.
	KindUnexpectedCharacter
	// KindTrailingData means bytes follow the top-level map.
	KindTrailingData
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindUnknownField:
		return "unknown_field"
	case KindMissingField:
		return "missing_field"
	case KindWrongType:
		return "wrong_type"
	case KindDuplicateField:
		return "duplicate_field"
	case KindInvalidEventType:
		return "invalid_event_type"
	case KindUnexpectedCharacter:
		return "unexpected_character"
	case KindTrailingData:
		return "trailing_data"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Scope names the map a field belongs to.
type Scope int

const (
	ScopeTop Scope = iota
	ScopePayload
	ScopeLogicalKey
	ScopePhysicalKey
)

func (s Scope) String() string {
	switch s {
	case ScopeTop:
		return "top"
	case ScopePayload:
		return "payload"
	case ScopeLogicalKey:
		return "logical_key"
	case ScopePhysicalKey:
		return "physical_key"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

// DecodeError describes why a packet was rejected. A decode error is fatal
// for its packet; nothing from the packet has been applied.
type DecodeError struct {
	Kind    ErrorKind
	Scope   Scope
	FieldID int64
	Err     error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("wire: %s in %s", e.Kind, e.Scope)
	if e.FieldID != 0 {
		msg += fmt.Sprintf(" (field %d)", e.FieldID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is ErrDecode.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(kind ErrorKind, scope Scope, field int64, err error) *DecodeError {
	return &DecodeError{Kind: kind, Scope: scope, FieldID: field, Err: err}
}
