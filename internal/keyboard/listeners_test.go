package keyboard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keybridge/internal/wire"
)

func TestListeners_InsertionOrderAndDuplicates(t *testing.T) {
	f := newFixture(t)
	l, p := f.enter()

	var order []string
	named := func(name string) Listener {
		return func(context.Context, KeyEvent) bool {
			order = append(order, name)
			return false
		}
	}
	a := named("a")
	f.tracker.AddListener(a)
	f.tracker.AddListener(named("b"))
	f.tracker.AddListener(a)
	assert.Equal(t, 3, f.tracker.ListenerCount())

	_, err := f.tracker.SimulateDown(context.Background(), l, p, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "a"}, order)
}

func TestListeners_AllRunAfterClaim(t *testing.T) {
	f := newFixture(t)
	l, p := f.enter()

	var second bool
	f.tracker.AddListener(always(true))
	f.tracker.AddListener(func(context.Context, KeyEvent) bool {
		second = true
		return false
	})

	res, err := f.tracker.SimulateDown(context.Background(), l, p, "")
	require.NoError(t, err)
	assert.Equal(t, Handled, res)
	assert.True(t, second)
}

func TestListeners_RemoveSelfDuringDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l, p := f.enter()

	var calls int
	var reg *Registration
	reg = f.tracker.AddListener(func(context.Context, KeyEvent) bool {
		calls++
		assert.True(t, f.tracker.RemoveListener(reg))
		return true
	})

	var after int
	f.tracker.AddListener(func(context.Context, KeyEvent) bool {
		after++
		return false
	})

	res, err := f.tracker.SimulateDown(ctx, l, p, "")
	require.NoError(t, err)
	assert.Equal(t, Handled, res, "the removed listener's claim still counts")
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, after)
	assert.False(t, reg.Active())

	_, err = f.tracker.SimulateUp(ctx, l, p)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, after)
}

func TestListeners_RemovedLaterInSnapshotIsSkipped(t *testing.T) {
	f := newFixture(t)
	l, p := f.enter()

	var victim *Registration
	f.tracker.AddListener(func(context.Context, KeyEvent) bool {
		f.tracker.RemoveListener(victim)
		return false
	})

	var victimCalls int
	victim = f.tracker.AddListener(func(context.Context, KeyEvent) bool {
		victimCalls++
		return true
	})

	res, err := f.tracker.SimulateDown(context.Background(), l, p, "")
	require.NoError(t, err)
	assert.Equal(t, Skip, res)
	assert.Zero(t, victimCalls)
	assert.Equal(t, 1, f.tracker.ListenerCount())
}

func TestListeners_AddedDuringDispatchMissesInFlightEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l, p := f.enter()

	var lateCalls int
	added := false
	f.tracker.AddListener(func(context.Context, KeyEvent) bool {
		if !added {
			added = true
			f.tracker.AddListener(func(context.Context, KeyEvent) bool {
				lateCalls++
				return true
			})
		}
		return false
	})

	res, err := f.tracker.SimulateDown(ctx, l, p, "")
	require.NoError(t, err)
	assert.Equal(t, Skip, res)
	assert.Zero(t, lateCalls)

	res, err = f.tracker.SimulateUp(ctx, l, p)
	require.NoError(t, err)
	assert.Equal(t, Handled, res)
	assert.Equal(t, 1, lateCalls)
}

func TestListeners_PanicIsContained(t *testing.T) {
	f := newFixture(t)
	l, p := f.enter()

	f.tracker.AddListener(func(context.Context, KeyEvent) bool {
		panic("boom")
	})
	var reached bool
	f.tracker.AddListener(func(context.Context, KeyEvent) bool {
		reached = true
		return false
	})

	res, err := f.tracker.SimulateDown(context.Background(), l, p, "")
	require.NoError(t, err)
	assert.Equal(t, Skip, res)
	assert.True(t, reached)
	assert.True(t, f.tracker.IsPhysicalKeyPressed(p))
}

func TestListeners_DispatchContextRunsInline(t *testing.T) {
	f := newFixture(t)
	l, p := f.enter()

	var clearErr error
	f.tracker.AddListener(func(ctx context.Context, ev KeyEvent) bool {
		if _, ok := ev.(KeyDown); ok {
			clearErr = f.tracker.ClearKeysPressed(ctx)
		}
		return false
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.tracker.SimulateDown(context.Background(), l, p, "")
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("nested call with the dispatch context did not run inline")
	}
	require.NoError(t, clearErr)
	assert.False(t, f.tracker.IsPhysicalKeyPressed(p))
}

func TestListeners_RemoveUnknown(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.tracker.RemoveListener(nil))
	assert.False(t, f.tracker.RemoveListener(&Registration{}))

	r := f.tracker.AddListener(always(false))
	assert.True(t, f.tracker.RemoveListener(r))
	assert.False(t, f.tracker.RemoveListener(r))
}

type kindVisitor struct{ kinds []wire.EventType }

func (v *kindVisitor) VisitDown(KeyDown)     { v.kinds = append(v.kinds, wire.EventDown) }
func (v *kindVisitor) VisitUp(KeyUp)         { v.kinds = append(v.kinds, wire.EventUp) }
func (v *kindVisitor) VisitSync(KeySync)     { v.kinds = append(v.kinds, wire.EventSync) }
func (v *kindVisitor) VisitCancel(KeyCancel) { v.kinds = append(v.kinds, wire.EventCancel) }

func TestEvents_Visitor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l, p := f.enter()

	v := &kindVisitor{}
	f.tracker.AddListener(func(_ context.Context, ev KeyEvent) bool {
		ev.Accept(v)
		return false
	})

	_, err := f.tracker.SimulateSync(ctx, l, p)
	require.NoError(t, err)
	_, err = f.tracker.SimulateUp(ctx, l, p)
	require.NoError(t, err)
	_, err = f.tracker.SimulateDown(ctx, l, p, "\n")
	require.NoError(t, err)
	_, err = f.tracker.SimulateCancel(ctx, l, p)
	require.NoError(t, err)

	assert.Equal(t, []wire.EventType{wire.EventSync, wire.EventUp, wire.EventDown, wire.EventCancel}, v.kinds)
}

func TestFocusAttachment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l, p := f.enter()

	var calls int
	fa := NewFocusAttachment(f.tracker, func(context.Context, KeyEvent) bool {
		calls++
		return true
	})
	assert.False(t, fa.Focused())

	res, err := f.tracker.SimulateDown(ctx, l, p, "")
	require.NoError(t, err)
	assert.Equal(t, Skip, res)

	assert.True(t, fa.SetFocus(true))
	assert.False(t, fa.SetFocus(true))
	assert.Equal(t, 1, f.tracker.ListenerCount())

	res, err = f.tracker.SimulateUp(ctx, l, p)
	require.NoError(t, err)
	assert.Equal(t, Handled, res)
	assert.Equal(t, 1, calls)

	assert.True(t, fa.SetFocus(false))
	assert.False(t, fa.SetFocus(false))
	assert.Zero(t, f.tracker.ListenerCount())
}
