//go:build linux

package evdevsource

import (
	"fmt"
	"sort"
	"syscall"
	"time"

	evdev "github.com/holoplot/go-evdev"

	"keybridge/internal/keys"
	"keybridge/internal/wire"
)

// Translator turns key code transitions into encoded packets. It tracks
// which keys it has reported down so that it never reports a release it
// did not see pressed. It is not safe for concurrent use.
type Translator struct {
	codec    *wire.Codec
	registry *keys.Registry
	held     map[evdev.EvCode]struct{}
}

// NewTranslator encodes with codec and resolves keys through its registry.
func NewTranslator(codec *wire.Codec) *Translator {
	return &Translator{
		codec:    codec,
		registry: codec.Registry(),
		held:     make(map[evdev.EvCode]struct{}),
	}
}

// EventTime converts a kernel timestamp to a wire timestamp.
func EventTime(tv syscall.Timeval) time.Duration {
	return time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
}

// Key translates one EV_KEY event. value is 1 for press, 0 for release and
// 2 for autorepeat. It returns nil for repeats, unmapped codes, a press of
// a key already down and a release of a key not down.
func (t *Translator) Key(code evdev.EvCode, value int32, ts time.Duration) ([]byte, error) {
	_, down := t.held[code]
	switch {
	case value == 1 && !down:
		data, err := t.encode(wire.EventDown, code, ts, Character(code, t.shifted()))
		if err == nil && data != nil {
			t.held[code] = struct{}{}
		}
		return data, err
	case value == 0 && down:
		delete(t.held, code)
		return t.encode(wire.EventUp, code, ts, "")
	}
	return nil, nil
}

// Sync reports a key that was already down when reading began.
func (t *Translator) Sync(code evdev.EvCode, ts time.Duration) ([]byte, error) {
	if _, down := t.held[code]; down {
		return nil, nil
	}
	data, err := t.encode(wire.EventSync, code, ts, "")
	if err == nil && data != nil {
		t.held[code] = struct{}{}
	}
	return data, err
}

// CancelAll reports every held key as cancelled, in code order, and
// forgets them.
func (t *Translator) CancelAll(ts time.Duration) ([][]byte, error) {
	codes := make([]evdev.EvCode, 0, len(t.held))
	for c := range t.held {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	out := make([][]byte, 0, len(codes))
	for _, c := range codes {
		delete(t.held, c)
		data, err := t.encode(wire.EventCancel, c, ts, "")
		if err != nil {
			return out, err
		}
		out = append(out, data)
	}
	return out, nil
}

// Held returns the number of keys reported down.
func (t *Translator) Held() int {
	return len(t.held)
}

func (t *Translator) shifted() bool {
	_, l := t.held[evdev.KEY_LEFTSHIFT]
	_, r := t.held[evdev.KEY_RIGHTSHIFT]
	return l || r
}

func (t *Translator) encode(typ wire.EventType, code evdev.EvCode, ts time.Duration, character string) ([]byte, error) {
	physical, logical, ok := KeyIDs(code)
	if !ok {
		return nil, nil
	}
	data, err := t.codec.Encode(&wire.Packet{
		Timestamp: ts,
		Type:      typ,
		Logical:   t.registry.Logical(logical, ""),
		Physical:  t.registry.Physical(physical, ""),
		Character: character,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s for code %d: %w", typ, code, err)
	}
	return data, nil
}
