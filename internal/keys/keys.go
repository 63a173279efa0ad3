// Package keys interns logical and physical key identities.
//
// A key identity is a 64-bit id plus an optional label. Lookups for the same
// id always return the same handle, so handles can be compared with == and
// used as map keys. Entries are created lazily the first time an id is seen
// and are never removed: the key space is bounded by real keyboard hardware.
package keys

import (
	"fmt"
	"sync"
)

// LogicalKey identifies what a key means after layout and modifier
// resolution (for example the letter A, or Enter).
type LogicalKey struct {
	id       uint64
	label    string
	synonyms []*LogicalKey
}

// ID returns the numeric key id.
func (k *LogicalKey) ID() uint64 { return k.id }

// Label returns the human-readable label, which may be empty.
func (k *LogicalKey) Label() string { return k.label }

// Synonyms returns the side-specific keys this key stands for. Only generic
// modifiers (Shift, Control, Alt, Meta) have synonyms.
func (k *LogicalKey) Synonyms() []*LogicalKey {
	if len(k.synonyms) == 0 {
		return nil
	}
	out := make([]*LogicalKey, len(k.synonyms))
	copy(out, k.synonyms)
	return out
}

func (k *LogicalKey) String() string {
	if k.label == "" {
		return fmt.Sprintf("LogicalKey(0x%x)", k.id)
	}
	return fmt.Sprintf("LogicalKey(0x%x, %q)", k.id, k.label)
}

// PhysicalKey identifies where a key is on a reference QWERTY layout,
// independent of the active layout.
type PhysicalKey struct {
	id    uint64
	label string
}

// ID returns the numeric key id.
func (k *PhysicalKey) ID() uint64 { return k.id }

// Label returns the human-readable label, which may be empty.
func (k *PhysicalKey) Label() string { return k.label }

func (k *PhysicalKey) String() string {
	if k.label == "" {
		return fmt.Sprintf("PhysicalKey(0x%x)", k.id)
	}
	return fmt.Sprintf("PhysicalKey(0x%x, %q)", k.id, k.label)
}

// Registry interns key identities by numeric id.
//
// Registry is safe for concurrent use. Handles it returns are immutable.
type Registry struct {
	mu       sync.RWMutex
	logical  map[uint64]*LogicalKey
	physical map[uint64]*PhysicalKey
}

// NewRegistry returns a registry seeded with the known key table.
func NewRegistry() *Registry {
	r := &Registry{
		logical:  make(map[uint64]*LogicalKey, len(knownKeys)*2),
		physical: make(map[uint64]*PhysicalKey, len(knownKeys)),
	}
	r.seed()
	return r
}

var (
	defaultRegistry *Registry
	registryOnce    sync.Once
)

// Default returns the process-wide registry.
func Default() *Registry {
	registryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Logical returns the canonical logical key for id. If id has not been
// seen before, a new key labelled label is stored and returned. The label
// of an existing key is never changed.
func (r *Registry) Logical(id uint64, label string) *LogicalKey {
	r.mu.RLock()
	k, ok := r.logical[id]
	r.mu.RUnlock()
	if ok {
		return k
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.logical[id]; ok {
		return k
	}
	k = &LogicalKey{id: id, label: label}
	r.logical[id] = k
	return k
}

// Physical returns the canonical physical key for id, creating it with
// label on first sight.
func (r *Registry) Physical(id uint64, label string) *PhysicalKey {
	r.mu.RLock()
	k, ok := r.physical[id]
	r.mu.RUnlock()
	if ok {
		return k
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.physical[id]; ok {
		return k
	}
	k = &PhysicalKey{id: id, label: label}
	r.physical[id] = k
	return k
}

// LookupLogical returns the logical key for id without creating it.
func (r *Registry) LookupLogical(id uint64) (*LogicalKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.logical[id]
	return k, ok
}

// LookupPhysical returns the physical key for id without creating it.
func (r *Registry) LookupPhysical(id uint64) (*PhysicalKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.physical[id]
	return k, ok
}

// Len returns the number of interned logical and physical keys.
func (r *Registry) Len() (logical, physical int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.logical), len(r.physical)
}

func (r *Registry) seed() {
	for _, k := range knownKeys {
		r.physical[k.usage] = &PhysicalKey{id: k.usage, label: k.label}
		lid := HIDPlane | k.usage
		r.logical[lid] = &LogicalKey{id: lid, label: k.label}
	}
	for _, s := range synonymGroups {
		members := make([]*LogicalKey, 0, len(s.members))
		for _, m := range s.members {
			members = append(members, r.logical[m])
		}
		r.logical[s.id] = &LogicalKey{id: s.id, label: s.label, synonyms: members}
	}
}
