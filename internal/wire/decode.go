package wire

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"

	"keybridge/internal/keys"
)

// record is a decoded map. Values are int64, string, record or []record.
type record map[int64]any

// Codec decodes and encodes packets of one revision, resolving key ids
// through a registry.
type Codec struct {
	revision Revision
	layout   *layout
	registry *keys.Registry
}

// NewCodec returns a codec for rev. A nil registry means keys.Default().
func NewCodec(rev Revision, registry *keys.Registry) (*Codec, error) {
	l, ok := layouts[rev]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRevision, int(rev))
	}
	if registry == nil {
		registry = keys.Default()
	}
	return &Codec{revision: rev, layout: l, registry: registry}, nil
}

// Revision returns the codec's field-id layout.
func (c *Codec) Revision() Revision { return c.revision }

// Registry returns the registry keys are resolved through.
func (c *Codec) Registry() *keys.Registry { return c.registry }

// Decode validates data against the revision's field table in one pass and
// returns the packet. On failure the error is a *DecodeError.
func (c *Codec) Decode(data []byte) (*Packet, error) {
	if len(data) == 0 {
		return nil, decodeErr(KindMalformed, ScopeTop, 0, errors.New("empty packet"))
	}

	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)

	code, err := dec.PeekCode()
	if err != nil {
		return nil, decodeErr(KindMalformed, ScopeTop, 0, err)
	}
	if k := codeKind(code); k != kindMap {
		return nil, decodeErr(KindMalformed, ScopeTop, 0, fmt.Errorf("top level is %s, want map", k))
	}

	top, derr := readRecord(dec, r, c.layout.top)
	if derr != nil {
		return nil, derr
	}
	if r.Len() > 0 {
		return nil, decodeErr(KindTrailingData, ScopeTop, 0, fmt.Errorf("%d bytes after packet", r.Len()))
	}

	p, derr := c.build(top)
	if derr != nil {
		return nil, derr
	}
	return p, nil
}

// MustDecode is like Decode but panics on a contract violation.
func (c *Codec) MustDecode(data []byte) *Packet {
	p, err := c.Decode(data)
	if err != nil {
		panic(err)
	}
	return p
}

func (c *Codec) build(top record) (*Packet, *DecodeError) {
	ordinal := top[FieldEventType].(int64)
	if ordinal < int64(EventDown) || ordinal > int64(EventCancel) {
		return nil, decodeErr(KindInvalidEventType, ScopeTop, FieldEventType, fmt.Errorf("ordinal %d", ordinal))
	}

	payload := top[FieldPayload].(record)
	if _, ok := payload[c.layout.characterField]; ok && EventType(ordinal) != EventDown {
		return nil, decodeErr(KindUnexpectedCharacter, ScopePayload, c.layout.characterField,
			fmt.Errorf("character on %s event", EventType(ordinal)))
	}

	ts := top[FieldTimestamp].(int64)
	if ts > maxTimestamp || ts < -maxTimestamp {
		return nil, decodeErr(KindWrongType, ScopeTop, FieldTimestamp, fmt.Errorf("timestamp %dus out of range", ts))
	}

	p := &Packet{
		Timestamp: time.Duration(ts) * time.Microsecond,
		Type:      EventType(ordinal),
		Logical:   c.logicalKey(payload[FieldLogicalKey].(record)),
		Physical:  c.physicalKey(payload[FieldPhysicalKey].(record)),
	}

	if v, ok := payload[c.layout.characterField]; ok {
		p.Character = v.(string)
	}

	if f := c.layout.logicalPressedField; f != 0 {
		if v, ok := payload[f]; ok {
			list := v.([]record)
			p.LogicalKeysPressed = make([]*keys.LogicalKey, 0, len(list))
			for _, rec := range list {
				p.LogicalKeysPressed = append(p.LogicalKeysPressed, c.logicalKey(rec))
			}
		}
	}
	if f := c.layout.physicalPressedField; f != 0 {
		if v, ok := payload[f]; ok {
			list := v.([]record)
			p.PhysicalKeysPressed = make([]*keys.PhysicalKey, 0, len(list))
			for _, rec := range list {
				p.PhysicalKeysPressed = append(p.PhysicalKeysPressed, c.physicalKey(rec))
			}
		}
	}

	return p, nil
}

func (c *Codec) logicalKey(rec record) *keys.LogicalKey {
	label, _ := rec[FieldLogicalKeyLabel].(string)
	return c.registry.Logical(uint64(rec[FieldLogicalKeyID].(int64)), label)
}

func (c *Codec) physicalKey(rec record) *keys.PhysicalKey {
	label, _ := rec[FieldPhysicalKeyLabel].(string)
	return c.registry.Physical(uint64(rec[FieldPhysicalKeyID].(int64)), label)
}

// maxTimestamp is the largest microsecond count a time.Duration holds.
const maxTimestamp = math.MaxInt64 / int64(time.Microsecond)

// readRecord reads one map, rejecting ids outside s and checking that every
// required field is present. The next value must be a map. r is the reader
// behind dec; declared lengths are checked against what it has left.
func readRecord(dec *msgpack.Decoder, r *bytes.Reader, s *schema) (record, *DecodeError) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, decodeErr(KindMalformed, s.scope, 0, err)
	}
	// An entry takes at least two bytes: a fixint id and a one-byte value.
	if n > r.Len()/2 {
		return nil, decodeErr(KindMalformed, s.scope, 0, fmt.Errorf("map declares %d entries, %d bytes left", n, r.Len()))
	}

	size := min(max(n, 0), len(s.fields))
	rec := make(record, size)
	seen := make(map[int64]struct{}, size)
	for i := 0; i < n; i++ {
		code, err := dec.PeekCode()
		if err != nil {
			return nil, decodeErr(KindMalformed, s.scope, 0, err)
		}
		if k := codeKind(code); k != kindInt {
			return nil, decodeErr(KindMalformed, s.scope, 0, fmt.Errorf("field id is %s, want int", k))
		}
		id, err := dec.DecodeInt64()
		if err != nil {
			return nil, decodeErr(KindMalformed, s.scope, 0, err)
		}

		f, ok := s.fields[id]
		if !ok {
			return nil, decodeErr(KindUnknownField, s.scope, id, nil)
		}
		if _, dup := seen[id]; dup {
			return nil, decodeErr(KindDuplicateField, s.scope, id, nil)
		}
		seen[id] = struct{}{}

		v, derr := readValue(dec, r, s.scope, f)
		if derr != nil {
			return nil, derr
		}
		if v != nil {
			rec[id] = v
		}
	}

	for _, id := range s.order {
		if !s.fields[id].required {
			continue
		}
		if _, ok := rec[id]; !ok {
			return nil, decodeErr(KindMissingField, s.scope, id, nil)
		}
	}
	return rec, nil
}

// readValue reads the value of field f. A nil value reads as absent.
func readValue(dec *msgpack.Decoder, r *bytes.Reader, scope Scope, f field) (any, *DecodeError) {
	code, err := dec.PeekCode()
	if err != nil {
		return nil, decodeErr(KindMalformed, scope, f.id, err)
	}

	k := codeKind(code)
	if k == kindNil {
		if err := dec.DecodeNil(); err != nil {
			return nil, decodeErr(KindMalformed, scope, f.id, err)
		}
		return nil, nil
	}
	if k != f.kind {
		return nil, decodeErr(KindWrongType, scope, f.id, fmt.Errorf("got %s, want %s", k, f.kind))
	}

	switch f.kind {
	case kindInt:
		v, err := dec.DecodeInt64()
		if err != nil {
			return nil, decodeErr(KindMalformed, scope, f.id, err)
		}
		return v, nil

	case kindString:
		v, err := dec.DecodeString()
		if err != nil {
			return nil, decodeErr(KindMalformed, scope, f.id, err)
		}
		if !utf8.ValidString(v) {
			return nil, decodeErr(KindWrongType, scope, f.id, errors.New("string is not valid UTF-8"))
		}
		return v, nil

	case kindMap:
		rec, derr := readRecord(dec, r, f.record)
		if derr != nil {
			return nil, derr
		}
		return rec, nil

	case kindList:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, decodeErr(KindMalformed, scope, f.id, err)
		}
		// Each element is a map of at least one byte.
		if n > r.Len() {
			return nil, decodeErr(KindMalformed, scope, f.id, fmt.Errorf("list declares %d elements, %d bytes left", n, r.Len()))
		}
		var list []record
		if n >= 0 {
			list = make([]record, 0, min(n, 64))
		}
		for i := 0; i < n; i++ {
			code, err := dec.PeekCode()
			if err != nil {
				return nil, decodeErr(KindMalformed, scope, f.id, err)
			}
			if ek := codeKind(code); ek != kindMap {
				return nil, decodeErr(KindWrongType, scope, f.id, fmt.Errorf("element %d is %s, want map", i, ek))
			}
			rec, derr := readRecord(dec, r, f.record)
			if derr != nil {
				return nil, derr
			}
			list = append(list, rec)
		}
		return list, nil
	}

	return nil, decodeErr(KindWrongType, scope, f.id, fmt.Errorf("unsupported kind %s", f.kind))
}
