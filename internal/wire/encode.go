package wire

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"keybridge/internal/keys"
)

// Encode serializes p in the codec's revision. It is the inverse of Decode
// and is used by host adapters and tools that originate packets.
func (c *Codec) Encode(p *Packet) ([]byte, error) {
	if err := c.checkEncodable(p); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := &encoder{enc: msgpack.NewEncoder(&buf)}

	w.mapLen(3)
	w.putInt(FieldTimestamp)
	w.putInt(p.Timestamp.Microseconds())
	w.putInt(FieldEventType)
	w.putInt(int64(p.Type))
	w.putInt(FieldPayload)

	n := 2
	if p.Character != "" {
		n++
	}
	if p.LogicalKeysPressed != nil {
		n++
	}
	if p.PhysicalKeysPressed != nil {
		n++
	}
	w.mapLen(n)

	w.putInt(FieldLogicalKey)
	w.logicalKey(p.Logical)
	w.putInt(FieldPhysicalKey)
	w.physicalKey(p.Physical)

	if p.LogicalKeysPressed != nil {
		w.putInt(c.layout.logicalPressedField)
		w.arrayLen(len(p.LogicalKeysPressed))
		for _, k := range p.LogicalKeysPressed {
			w.logicalKey(k)
		}
	}
	if p.PhysicalKeysPressed != nil {
		w.putInt(c.layout.physicalPressedField)
		w.arrayLen(len(p.PhysicalKeysPressed))
		for _, k := range p.PhysicalKeysPressed {
			w.physicalKey(k)
		}
	}
	if p.Character != "" {
		w.putInt(c.layout.characterField)
		w.putString(p.Character)
	}

	if w.err != nil {
		return nil, fmt.Errorf("encode packet: %w", w.err)
	}
	return buf.Bytes(), nil
}

func (c *Codec) checkEncodable(p *Packet) error {
	switch {
	case p == nil:
		return fmt.Errorf("%w: nil packet", ErrInvalidPacket)
	case p.Logical == nil || p.Physical == nil:
		return fmt.Errorf("%w: missing key", ErrInvalidPacket)
	case !p.Type.Valid():
		return fmt.Errorf("%w: %s", ErrInvalidPacket, p.Type)
	case p.Character != "" && p.Type != EventDown:
		return fmt.Errorf("%w: character on %s event", ErrInvalidPacket, p.Type)
	case p.HasHostState() && c.layout.logicalPressedField == 0:
		return fmt.Errorf("%w: revision %d carries no pressed sets", ErrInvalidPacket, int(c.revision))
	}
	for _, k := range p.LogicalKeysPressed {
		if k == nil {
			return fmt.Errorf("%w: nil key in logical pressed set", ErrInvalidPacket)
		}
	}
	for _, k := range p.PhysicalKeysPressed {
		if k == nil {
			return fmt.Errorf("%w: nil key in physical pressed set", ErrInvalidPacket)
		}
	}
	return nil
}

// encoder keeps the first error so the encoding sequence reads linearly.
type encoder struct {
	enc *msgpack.Encoder
	err error
}

func (w *encoder) mapLen(n int) {
	if w.err == nil {
		w.err = w.enc.EncodeMapLen(n)
	}
}

func (w *encoder) arrayLen(n int) {
	if w.err == nil {
		w.err = w.enc.EncodeArrayLen(n)
	}
}

func (w *encoder) putInt(v int64) {
	if w.err == nil {
		w.err = w.enc.EncodeInt(v)
	}
}

func (w *encoder) putString(v string) {
	if w.err == nil {
		w.err = w.enc.EncodeString(v)
	}
}

func (w *encoder) logicalKey(k *keys.LogicalKey) {
	w.keyRecord(FieldLogicalKeyID, FieldLogicalKeyLabel, k.ID(), k.Label())
}

func (w *encoder) physicalKey(k *keys.PhysicalKey) {
	w.keyRecord(FieldPhysicalKeyID, FieldPhysicalKeyLabel, k.ID(), k.Label())
}

func (w *encoder) keyRecord(idField, labelField int64, id uint64, label string) {
	if label == "" {
		w.mapLen(1)
	} else {
		w.mapLen(2)
	}
	w.putInt(idField)
	w.putInt(int64(id))
	if label != "" {
		w.putInt(labelField)
		w.putString(label)
	}
}
