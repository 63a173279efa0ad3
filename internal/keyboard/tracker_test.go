package keyboard

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keybridge/internal/keys"
	"keybridge/internal/wire"
)

type fixture struct {
	t        *testing.T
	tracker  *Tracker
	registry *keys.Registry
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reg := keys.NewRegistry()
	opts = append([]Option{
		WithRegistry(reg),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	tr := NewTracker(opts...)
	t.Cleanup(func() { _ = tr.Close() })
	return &fixture{t: t, tracker: tr, registry: reg}
}

func (f *fixture) logical(id uint64) *keys.LogicalKey   { return f.registry.Logical(id, "") }
func (f *fixture) physical(id uint64) *keys.PhysicalKey { return f.registry.Physical(id, "") }

func (f *fixture) enter() (*keys.LogicalKey, *keys.PhysicalKey) {
	return f.logical(keys.LogicalEnter), f.physical(keys.PhysicalEnter)
}

func (f *fixture) shiftLeft() (*keys.LogicalKey, *keys.PhysicalKey) {
	return f.logical(keys.LogicalShiftLeft), f.physical(keys.PhysicalShiftLeft)
}

func always(v bool) Listener {
	return func(context.Context, KeyEvent) bool { return v }
}

func TestTracker_DownThenUpRestoresState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l, p := f.enter()

	_, err := f.tracker.SimulateDown(ctx, l, p, "\n")
	require.NoError(t, err)
	assert.True(t, f.tracker.IsKeyPressed(l))
	assert.True(t, f.tracker.IsPhysicalKeyPressed(p))

	_, err = f.tracker.SimulateUp(ctx, l, p)
	require.NoError(t, err)
	assert.Empty(t, f.tracker.KeysPressed())
	assert.Empty(t, f.tracker.PhysicalKeysPressed())
}

func TestTracker_DownResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l, p := f.enter()

	res, err := f.tracker.SimulateDown(ctx, l, p, "")
	require.NoError(t, err)
	assert.Equal(t, Skip, res, "no listeners")

	f.tracker.AddListener(always(false))
	res, err = f.tracker.SimulateUp(ctx, l, p)
	require.NoError(t, err)
	assert.Equal(t, Skip, res, "no listener claimed")

	f.tracker.AddListener(always(true))
	res, err = f.tracker.SimulateDown(ctx, l, p, "")
	require.NoError(t, err)
	assert.Equal(t, Handled, res)

	res, err = f.tracker.SimulateUp(ctx, l, p)
	require.NoError(t, err)
	assert.Equal(t, Handled, res)
}

func TestTracker_SyncAndCancelAlwaysSkip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l, p := f.enter()

	var seen []wire.EventType
	f.tracker.AddListener(func(_ context.Context, ev KeyEvent) bool {
		seen = append(seen, ev.Kind())
		return true
	})

	res, err := f.tracker.SimulateSync(ctx, l, p)
	require.NoError(t, err)
	assert.Equal(t, Skip, res)
	assert.Equal(t, []*keys.LogicalKey{l}, f.tracker.KeysPressed())
	assert.Equal(t, []*keys.PhysicalKey{p}, f.tracker.PhysicalKeysPressed())

	res, err = f.tracker.SimulateCancel(ctx, l, p)
	require.NoError(t, err)
	assert.Equal(t, Skip, res)
	assert.Empty(t, f.tracker.KeysPressed())
	assert.Empty(t, f.tracker.PhysicalKeysPressed())

	assert.Equal(t, []wire.EventType{wire.EventSync, wire.EventCancel}, seen)
}

func TestTracker_ReleaseOfUnpressedKeyIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l, p := f.enter()
	sl, sp := f.shiftLeft()

	_, err := f.tracker.SimulateDown(ctx, sl, sp, "")
	require.NoError(t, err)

	_, err = f.tracker.SimulateUp(ctx, l, p)
	require.NoError(t, err)
	_, err = f.tracker.SimulateCancel(ctx, l, p)
	require.NoError(t, err)

	assert.Equal(t, []*keys.PhysicalKey{sp}, f.tracker.PhysicalKeysPressed())
}

func TestTracker_ListenerSeesStateAfterEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l, p := f.enter()

	var duringDown, duringUp bool
	f.tracker.AddListener(func(_ context.Context, ev KeyEvent) bool {
		switch ev.(type) {
		case KeyDown:
			duringDown = f.tracker.IsPhysicalKeyPressed(p)
		case KeyUp:
			duringUp = f.tracker.IsPhysicalKeyPressed(p)
		}
		return false
	})

	_, err := f.tracker.SimulateDown(ctx, l, p, "")
	require.NoError(t, err)
	_, err = f.tracker.SimulateUp(ctx, l, p)
	require.NoError(t, err)

	assert.True(t, duringDown)
	assert.False(t, duringUp)
}

func TestTracker_SynonymExpansion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sl, sp := f.shiftLeft()
	shift := f.logical(keys.LogicalShift)
	shiftRight := f.logical(keys.LogicalShiftRight)

	_, err := f.tracker.SimulateDown(ctx, sl, sp, "")
	require.NoError(t, err)

	assert.True(t, f.tracker.IsKeyPressed(shift))
	assert.True(t, f.tracker.IsShiftPressed())
	assert.True(t, f.tracker.IsKeyPressed(sl))
	assert.False(t, f.tracker.IsKeyPressed(shiftRight))
	assert.False(t, f.tracker.IsControlPressed())
	assert.False(t, f.tracker.IsAltPressed())
	assert.False(t, f.tracker.IsMetaPressed())
	assert.False(t, f.tracker.IsPhysicalKeyPressed(f.physical(keys.PhysicalShiftRight)))

	_, err = f.tracker.SimulateUp(ctx, sl, sp)
	require.NoError(t, err)
	assert.False(t, f.tracker.IsKeyPressed(shift))
}

func TestTracker_ModifierQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		logical  uint64
		physical uint64
		check    func() bool
	}{
		{"control right", keys.LogicalControlRight, keys.PhysicalControlRight, f.tracker.IsControlPressed},
		{"alt left", keys.LogicalAltLeft, keys.PhysicalAltLeft, f.tracker.IsAltPressed},
		{"meta right", keys.LogicalMetaRight, keys.PhysicalMetaRight, f.tracker.IsMetaPressed},
		{"shift right", keys.LogicalShiftRight, keys.PhysicalShiftRight, f.tracker.IsShiftPressed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, f.tracker.ClearKeysPressed(ctx))
			assert.False(t, tt.check())

			_, err := f.tracker.SimulateDown(ctx, f.logical(tt.logical), f.physical(tt.physical), "")
			require.NoError(t, err)
			assert.True(t, tt.check())
		})
	}
}

func TestTracker_LogicalKeyFollowsResync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.physical(0x00070004)
	a := f.logical(0x00100000004)
	q := f.logical(0x00100000014)

	_, err := f.tracker.SimulateDown(ctx, a, p, "a")
	require.NoError(t, err)
	_, err = f.tracker.SimulateSync(ctx, q, p)
	require.NoError(t, err)

	got, ok := f.tracker.LogicalKeyFor(p)
	require.True(t, ok)
	assert.Same(t, q, got)
	assert.False(t, f.tracker.IsKeyPressed(a))
	assert.Len(t, f.tracker.PhysicalKeysPressed(), 1)
}

func TestTracker_ClearKeysPressedDoesNotNotify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l, p := f.enter()

	_, err := f.tracker.SimulateDown(ctx, l, p, "")
	require.NoError(t, err)

	var calls atomic.Int32
	f.tracker.AddListener(func(context.Context, KeyEvent) bool {
		calls.Add(1)
		return false
	})

	require.NoError(t, f.tracker.ClearKeysPressed(ctx))
	assert.Empty(t, f.tracker.KeysPressed())
	assert.Zero(t, calls.Load())
}

func TestTracker_HandleMessageEnter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	codec, err := wire.NewCodec(wire.Revision1, f.registry)
	require.NoError(t, err)

	l, p := f.enter()
	data, err := codec.Encode(&wire.Packet{
		Timestamp: 10 * time.Millisecond,
		Type:      wire.EventDown,
		Logical:   f.registry.Logical(0x00100070028, "Enter"),
		Physical:  f.registry.Physical(0x00070028, "Enter"),
		Character: "\n",
	})
	require.NoError(t, err)

	var got KeyEvent
	f.tracker.AddListener(func(_ context.Context, ev KeyEvent) bool {
		got = ev
		return false
	})

	res, err := f.tracker.HandleMessage(ctx, codec, data)
	require.NoError(t, err)
	assert.Equal(t, Skip, res)

	down, ok := got.(KeyDown)
	require.True(t, ok, "want KeyDown, got %T", got)
	assert.Equal(t, "\n", down.Character())
	assert.Equal(t, 10*time.Millisecond, down.Timestamp())
	assert.Same(t, l, down.LogicalKey())
	assert.Same(t, p, down.PhysicalKey())

	assert.Equal(t, []*keys.LogicalKey{l}, f.tracker.KeysPressed())
	assert.Equal(t, []*keys.PhysicalKey{p}, f.tracker.PhysicalKeysPressed())
}

type countingObserver struct {
	mu       sync.Mutex
	applied  int
	handled  int
	failures []string
	pressed  int
}

func (o *countingObserver) PacketApplied(_ string, handled bool, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.applied++
	if handled {
		o.handled++
	}
}

func (o *countingObserver) DecodeFailed(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, kind)
}

func (o *countingObserver) StateChanged(pressed, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pressed = pressed
}

func TestTracker_HandleMessageDecodeErrorLeavesState(t *testing.T) {
	obs := &countingObserver{}
	f := newFixture(t, WithObserver(obs))
	ctx := context.Background()
	codec, err := wire.NewCodec(wire.Revision1, f.registry)
	require.NoError(t, err)

	// {1: 0, 2: 0, 3: {999: 1}}
	bad := []byte{0x83, 0x01, 0x00, 0x02, 0x00, 0x03, 0x81, 0xcd, 0x03, 0xe7, 0x01}

	var calls int
	f.tracker.AddListener(func(context.Context, KeyEvent) bool {
		calls++
		return true
	})

	res, err := f.tracker.HandleMessage(ctx, codec, bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, wire.ErrDecode)
	assert.Equal(t, Skip, res)
	assert.Zero(t, calls)
	assert.Empty(t, f.tracker.PhysicalKeysPressed())
	assert.Equal(t, []string{"unknown_field"}, obs.failures)
	assert.Zero(t, obs.applied)
}

func TestTracker_StrictDecodePanics(t *testing.T) {
	f := newFixture(t, WithStrictDecode(true))
	codec, err := wire.NewCodec(wire.Revision1, f.registry)
	require.NoError(t, err)

	assert.Panics(t, func() {
		_, _ = f.tracker.HandleMessage(context.Background(), codec, []byte{0xc1})
	})
}

func TestTracker_ObserverCounts(t *testing.T) {
	obs := &countingObserver{}
	f := newFixture(t, WithObserver(obs))
	ctx := context.Background()
	l, p := f.enter()

	f.tracker.AddListener(always(true))
	_, err := f.tracker.SimulateDown(ctx, l, p, "")
	require.NoError(t, err)
	_, err = f.tracker.SimulateSync(ctx, l, p)
	require.NoError(t, err)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 2, obs.applied)
	assert.Equal(t, 1, obs.handled)
	assert.Equal(t, 1, obs.pressed)
}

func TestTracker_HandlePacketRejectsInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l, p := f.enter()

	_, err := f.tracker.HandlePacket(ctx, nil)
	assert.ErrorIs(t, err, wire.ErrInvalidPacket)

	_, err = f.tracker.HandlePacket(ctx, &wire.Packet{Type: wire.EventDown, Logical: l})
	assert.ErrorIs(t, err, wire.ErrInvalidPacket)

	_, err = f.tracker.HandlePacket(ctx, &wire.Packet{Type: wire.EventType(5), Logical: l, Physical: p})
	assert.ErrorIs(t, err, wire.ErrInvalidPacket)

	_, err = f.tracker.SimulateDown(ctx, nil, p, "")
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestTracker_Revision2DivergenceKeepsTrackerState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l, p := f.enter()
	sl, sp := f.shiftLeft()

	// The host claims Shift is also held; the tracker never saw it.
	res, err := f.tracker.HandlePacket(ctx, &wire.Packet{
		Type:                wire.EventDown,
		Logical:             l,
		Physical:            p,
		LogicalKeysPressed:  []*keys.LogicalKey{l, sl},
		PhysicalKeysPressed: []*keys.PhysicalKey{p, sp},
	})
	require.NoError(t, err)
	assert.Equal(t, Skip, res)
	assert.Equal(t, []*keys.PhysicalKey{p}, f.tracker.PhysicalKeysPressed())
}

func TestTracker_ConcurrentPacketsAreSerialized(t *testing.T) {
	f := newFixture(t, WithQueueSize(4))
	ctx := context.Background()

	var inFlight, maxInFlight, calls atomic.Int32
	f.tracker.AddListener(func(context.Context, KeyEvent) bool {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		calls.Add(1)
		time.Sleep(50 * time.Microsecond)
		inFlight.Add(-1)
		return false
	})

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			p := f.physical(0x00070004 + uint64(w))
			l := f.logical(0x00100000004 + uint64(w))
			for i := 0; i < perWorker; i++ {
				_, err := f.tracker.SimulateDown(ctx, l, p, "")
				assert.NoError(t, err)
				_, err = f.tracker.SimulateUp(ctx, l, p)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, int32(workers*perWorker*2), calls.Load())
	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Empty(t, f.tracker.PhysicalKeysPressed())
}

func TestTracker_ListenerCallsRunInline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l, p := f.enter()
	sl, sp := f.shiftLeft()

	var nested Result
	var nestedErr error
	f.tracker.AddListener(func(ctx context.Context, ev KeyEvent) bool {
		if ev.PhysicalKey() == p && ev.Kind() == wire.EventDown {
			nested, nestedErr = f.tracker.SimulateDown(ctx, sl, sp, "")
		}
		return ev.PhysicalKey() == sp
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.tracker.SimulateDown(ctx, l, p, "")
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested call from listener deadlocked")
	}

	require.NoError(t, nestedErr)
	assert.Equal(t, Handled, nested)
	assert.True(t, f.tracker.IsShiftPressed())
}

func TestTracker_Closed(t *testing.T) {
	f := newFixture(t)
	l, p := f.enter()

	require.NoError(t, f.tracker.Close())
	require.NoError(t, f.tracker.Close())

	_, err := f.tracker.SimulateDown(context.Background(), l, p, "")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, f.tracker.ClearKeysPressed(context.Background()), ErrClosed)
}

func TestResult_String(t *testing.T) {
	assert.Equal(t, "handled", Handled.String())
	assert.Equal(t, "skip", Skip.String())

	r, err := ParseResult("handled")
	require.NoError(t, err)
	assert.Equal(t, Handled, r)
	_, err = ParseResult("maybe")
	assert.Error(t, err)
}
