package keys

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_InternsByID(t *testing.T) {
	r := NewRegistry()

	a := r.Logical(0x1234, "Custom")
	b := r.Logical(0x1234, "Ignored")
	assert.Same(t, a, b)
	assert.Equal(t, "Custom", b.Label())

	p := r.Physical(0x99, "Phys")
	q := r.Physical(0x99, "")
	assert.Same(t, p, q)
	assert.Equal(t, uint64(0x99), q.ID())
}

func TestRegistry_LogicalAndPhysicalSpacesAreSeparate(t *testing.T) {
	r := NewRegistry()

	l := r.Logical(0x42, "logical")
	p := r.Physical(0x42, "physical")
	assert.Equal(t, "logical", l.Label())
	assert.Equal(t, "physical", p.Label())
}

func TestRegistry_SeededKeys(t *testing.T) {
	r := NewRegistry()

	enter, ok := r.LookupLogical(LogicalEnter)
	require.True(t, ok)
	assert.Equal(t, "Enter", enter.Label())
	assert.Equal(t, uint64(0x00100070028), enter.ID())

	penter, ok := r.LookupPhysical(PhysicalEnter)
	require.True(t, ok)
	assert.Equal(t, "Enter", penter.Label())

	// Seeded labels win over labels supplied on lookup.
	assert.Same(t, enter, r.Logical(LogicalEnter, "Return"))
}

func TestRegistry_Synonyms(t *testing.T) {
	r := NewRegistry()

	shift := r.Logical(LogicalShift, "")
	syn := shift.Synonyms()
	require.Len(t, syn, 2)
	assert.Same(t, r.Logical(LogicalShiftLeft, ""), syn[0])
	assert.Same(t, r.Logical(LogicalShiftRight, ""), syn[1])

	assert.Empty(t, r.Logical(LogicalShiftLeft, "").Synonyms())
	assert.Empty(t, r.Logical(LogicalEnter, "").Synonyms())

	// Mutating the returned slice must not affect the key.
	syn[0] = nil
	assert.NotNil(t, shift.Synonyms()[0])
}

func TestRegistry_LookupDoesNotCreate(t *testing.T) {
	r := NewRegistry()
	before, _ := r.Len()

	_, ok := r.LookupLogical(0xdeadbeef)
	assert.False(t, ok)

	after, _ := r.Len()
	assert.Equal(t, before, after)
}

func TestRegistry_ConcurrentIntern(t *testing.T) {
	r := NewRegistry()

	const workers = 16
	results := make([]*LogicalKey, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Logical(0xabcdef, "Concurrent")
		}(i)
	}
	wg.Wait()

	for _, k := range results[1:] {
		assert.Same(t, results[0], k)
	}
}

func TestDefault_IsShared(t *testing.T) {
	assert.Same(t, Default(), Default())
}
