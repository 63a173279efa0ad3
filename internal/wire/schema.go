package wire

import (
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

type valueKind int

const (
	kindOther valueKind = iota
	kindNil
	kindInt
	kindString
	kindMap
	kindList
)

func (k valueKind) String() string {
	switch k {
	case kindNil:
		return "nil"
	case kindInt:
		return "int"
	case kindString:
		return "string"
	case kindMap:
		return "map"
	case kindList:
		return "array"
	default:
		return "other"
	}
}

// codeKind classifies a MessagePack type code.
func codeKind(c byte) valueKind {
	switch {
	case c == msgpcode.Nil:
		return kindNil
	case msgpcode.IsFixedNum(c),
		c == msgpcode.Int8, c == msgpcode.Int16, c == msgpcode.Int32, c == msgpcode.Int64,
		c == msgpcode.Uint8, c == msgpcode.Uint16, c == msgpcode.Uint32, c == msgpcode.Uint64:
		return kindInt
	case msgpcode.IsFixedString(c), c == msgpcode.Str8, c == msgpcode.Str16, c == msgpcode.Str32:
		return kindString
	case msgpcode.IsFixedMap(c), c == msgpcode.Map16, c == msgpcode.Map32:
		return kindMap
	case msgpcode.IsFixedArray(c), c == msgpcode.Array16, c == msgpcode.Array32:
		return kindList
	}
	return kindOther
}

// field is one row of a schema table.
type field struct {
	id       int64
	kind     valueKind
	required bool
	// record is the element schema for kindMap and kindList fields.
	record *schema
}

// schema is the allow-list of field ids for one map.
type schema struct {
	scope  Scope
	fields map[int64]field
	order  []int64
}

func newSchema(scope Scope, fields ...field) *schema {
	s := &schema{scope: scope, fields: make(map[int64]field, len(fields))}
	for _, f := range fields {
		s.fields[f.id] = f
		s.order = append(s.order, f.id)
	}
	return s
}

var (
	logicalKeySchema = newSchema(ScopeLogicalKey,
		field{id: FieldLogicalKeyID, kind: kindInt, required: true},
		field{id: FieldLogicalKeyLabel, kind: kindString},
	)
	physicalKeySchema = newSchema(ScopePhysicalKey,
		field{id: FieldPhysicalKeyID, kind: kindInt, required: true},
		field{id: FieldPhysicalKeyLabel, kind: kindString},
	)
)

// layout is the complete field table of one revision.
type layout struct {
	top            *schema
	characterField int64
	// Zero when the revision has no host pressed sets.
	logicalPressedField  int64
	physicalPressedField int64
}

func topSchema(payload *schema) *schema {
	return newSchema(ScopeTop,
		field{id: FieldTimestamp, kind: kindInt, required: true},
		field{id: FieldEventType, kind: kindInt, required: true},
		field{id: FieldPayload, kind: kindMap, required: true, record: payload},
	)
}

var layouts = map[Revision]*layout{
	Revision1: {
		top: topSchema(newSchema(ScopePayload,
			field{id: FieldLogicalKey, kind: kindMap, required: true, record: logicalKeySchema},
			field{id: FieldPhysicalKey, kind: kindMap, required: true, record: physicalKeySchema},
			field{id: FieldCharacter, kind: kindString},
		)),
		characterField: FieldCharacter,
	},
	Revision2: {
		top: topSchema(newSchema(ScopePayload,
			field{id: FieldLogicalKey, kind: kindMap, required: true, record: logicalKeySchema},
			field{id: FieldPhysicalKey, kind: kindMap, required: true, record: physicalKeySchema},
			field{id: FieldLogicalKeysPressed, kind: kindList, record: logicalKeySchema},
			field{id: FieldPhysicalKeysPressed, kind: kindList, record: physicalKeySchema},
			field{id: FieldCharacterR2, kind: kindString},
		)),
		characterField:       FieldCharacterR2,
		logicalPressedField:  FieldLogicalKeysPressed,
		physicalPressedField: FieldPhysicalKeysPressed,
	},
}
