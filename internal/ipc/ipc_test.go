package ipc

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keybridge/internal/keyboard"
	"keybridge/internal/keys"
	"keybridge/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMessage_RoundTrip(t *testing.T) {
	payload, err := Encode(&FocusRequest{Focused: true})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, NewMessage(MsgFocus, 42, payload).Write(&buf))
	assert.Equal(t, HeaderSize+len(payload), buf.Len())

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgFocus, msg.Header.Type)
	assert.Equal(t, uint32(42), msg.Header.RequestID)
	assert.Equal(t, FlagJSON, msg.Header.Flags)

	var req FocusRequest
	require.NoError(t, Decode(msg.Payload, &req))
	assert.True(t, req.Focused)
}

func TestMessage_PacketFlag(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewPacketMessage(7, []byte{0x83, 0x01}).Write(&buf))

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgKeyPacket, msg.Header.Type)
	assert.Equal(t, FlagPacket, msg.Header.Flags)
	assert.Equal(t, []byte{0x83, 0x01}, msg.Payload)
}

func TestReadHeader_Rejects(t *testing.T) {
	t.Run("bad magic", func(t *testing.T) {
		var buf bytes.Buffer
		h := Header{Magic: 0xdeadbeef, Version: ProtocolVersion, Type: MsgPing}
		require.NoError(t, h.Write(&buf))
		_, err := ReadHeader(&buf)
		assert.ErrorContains(t, err, "invalid magic")
	})

	t.Run("future version", func(t *testing.T) {
		var buf bytes.Buffer
		h := Header{Magic: ProtocolMagic, Version: ProtocolVersion + 1, Type: MsgPing}
		require.NoError(t, h.Write(&buf))
		_, err := ReadHeader(&buf)
		assert.ErrorContains(t, err, "unsupported protocol version")
	})

	t.Run("oversized payload", func(t *testing.T) {
		var buf bytes.Buffer
		h := Header{Magic: ProtocolMagic, Version: ProtocolVersion, Type: MsgKeyPacket, Length: MaxPayload + 1}
		require.NoError(t, h.Write(&buf))
		_, err := ReadMessage(&buf)
		assert.ErrorIs(t, err, ErrPayloadTooLarge)
	})
}

func TestMessageType_String(t *testing.T) {
	assert.Equal(t, "key_packet", MsgKeyPacket.String())
	assert.Equal(t, "MessageType(0x0999)", MessageType(0x0999).String())
}

type harness struct {
	t        *testing.T
	tracker  *keyboard.Tracker
	codec    *wire.Codec
	registry *keys.Registry
	server   *Server
	focus    *keyboard.FocusAttachment
	packets  chan error
}

func newHarness(t *testing.T, claim bool) *harness {
	t.Helper()

	// Short path; sun_path is limited to about 100 bytes.
	dir, err := os.MkdirTemp("", "kbipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	reg := keys.NewRegistry()
	tracker := keyboard.NewTracker(keyboard.WithRegistry(reg), keyboard.WithLogger(discardLogger()))
	t.Cleanup(func() { _ = tracker.Close() })
	codec, err := wire.NewCodec(wire.Revision1, reg)
	require.NoError(t, err)

	tracker.AddListener(func(context.Context, keyboard.KeyEvent) bool { return claim })

	h := &harness{t: t, tracker: tracker, codec: codec, registry: reg, packets: make(chan error, 16)}

	cfg := DefaultServerConfig(filepath.Join(dir, "kb.sock"))
	cfg.Logger = discardLogger()
	cfg.Version = "test"

	var server *Server
	handler := NewDaemonHandler(DaemonHandlerConfig{
		Tracker: tracker,
		Codec:   codec,
		Logger:  discardLogger(),
		OnPacket: func(_ []byte, _ keyboard.Result, err error) {
			h.packets <- err
		},
		Focus: keyboard.NewFocusAttachment(tracker, func(ctx context.Context, ev keyboard.KeyEvent) bool {
			return BroadcastListener(server)(ctx, ev)
		}),
	})
	h.focus = handler.focus
	server, err = NewServer(cfg, handler)
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	h.server = server
	h.focus.SetFocus(true)
	return h
}

func (h *harness) connect() *Client {
	h.t.Helper()
	c := NewClient(ClientConfig{SocketPath: h.server.SocketPath(), ClientName: "test"})
	require.NoError(h.t, c.Connect(context.Background()))
	h.t.Cleanup(func() { _ = c.Close() })
	return c
}

func (h *harness) encode(typ wire.EventType, character string) []byte {
	h.t.Helper()
	data, err := h.codec.Encode(&wire.Packet{
		Timestamp: 1500 * time.Microsecond,
		Type:      typ,
		Logical:   h.registry.Logical(keys.LogicalEnter, ""),
		Physical:  h.registry.Physical(keys.PhysicalEnter, ""),
		Character: character,
	})
	require.NoError(h.t, err)
	return data
}

func TestServer_Handshake(t *testing.T) {
	h := newHarness(t, false)
	c := h.connect()

	hs := c.Handshake()
	assert.Equal(t, "test", hs.ServerVersion)
	assert.Equal(t, 1, hs.WireRevision)
	assert.NotZero(t, hs.ConnID)

	rtt, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Positive(t, rtt)
	assert.Equal(t, 1, h.server.PeerCount())
}

func TestServer_PacketHandled(t *testing.T) {
	h := newHarness(t, true)
	c := h.connect()
	ctx := context.Background()

	res, err := c.SendPacket(ctx, h.encode(wire.EventDown, "\n"))
	require.NoError(t, err)
	assert.Equal(t, keyboard.Handled, res)
	assert.NoError(t, <-h.packets)

	state, err := c.State(ctx)
	require.NoError(t, err)
	require.Len(t, state.Physical, 1)
	assert.Equal(t, keys.PhysicalEnter, state.Physical[0].ID)
	require.Len(t, state.Logical, 1)
	assert.Equal(t, keys.LogicalEnter, state.Logical[0].ID)
	assert.True(t, state.Focused)

	res, err = c.SendPacket(ctx, h.encode(wire.EventUp, ""))
	require.NoError(t, err)
	assert.Equal(t, keyboard.Handled, res)

	state, err = c.State(ctx)
	require.NoError(t, err)
	assert.Empty(t, state.Physical)
}

func TestServer_SyncIsSkipped(t *testing.T) {
	h := newHarness(t, true)
	c := h.connect()

	res, err := c.SendPacket(context.Background(), h.encode(wire.EventSync, ""))
	require.NoError(t, err)
	assert.Equal(t, keyboard.Skip, res)
	assert.True(t, h.tracker.IsPhysicalKeyPressed(h.registry.Physical(keys.PhysicalEnter, "")))
}

func TestServer_MalformedPacketClosesConnection(t *testing.T) {
	h := newHarness(t, true)
	c := h.connect()

	_, err := c.SendPacket(context.Background(), []byte{0x80})
	require.Error(t, err)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrCodeDecode, remote.Code)
	assert.NotEmpty(t, remote.Kind)
	assert.Error(t, <-h.packets)

	require.Eventually(t, func() bool { return !c.IsConnected() }, 5*time.Second, 10*time.Millisecond)
	_, err = c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, h.tracker.PhysicalKeysPressed())
}

func TestServer_Focus(t *testing.T) {
	h := newHarness(t, false)
	c := h.connect()
	ctx := context.Background()
	base := h.tracker.ListenerCount()

	resp, err := c.SetFocus(ctx, false)
	require.NoError(t, err)
	assert.True(t, resp.Changed)
	assert.False(t, resp.Focused)
	assert.Equal(t, base-1, h.tracker.ListenerCount())

	resp, err = c.SetFocus(ctx, false)
	require.NoError(t, err)
	assert.False(t, resp.Changed)

	resp, err = c.SetFocus(ctx, true)
	require.NoError(t, err)
	assert.True(t, resp.Changed)
	assert.Equal(t, base, h.tracker.ListenerCount())
}

func TestServer_SubscribeStreamsEvents(t *testing.T) {
	h := newHarness(t, false)
	watcher := h.connect()
	sender := h.connect()
	ctx := context.Background()

	require.NoError(t, watcher.Subscribe(ctx))
	require.Eventually(t, func() bool { return h.server.SubscriberCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err := sender.SendPacket(ctx, h.encode(wire.EventDown, "\n"))
	require.NoError(t, err)

	select {
	case ev := <-watcher.Events():
		require.NotNil(t, ev)
		assert.Equal(t, "down", ev.Kind)
		assert.Equal(t, "\n", ev.Character)
		assert.Equal(t, int64(1500), ev.Timestamp)
		assert.Equal(t, keys.PhysicalEnter, ev.Physical.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}

	require.NoError(t, watcher.Unsubscribe(ctx))
	assert.Equal(t, 0, h.server.SubscriberCount())
}

func TestServer_UnknownMessage(t *testing.T) {
	h := newHarness(t, false)
	c := h.connect()

	resp, err := c.request(context.Background(), MessageType(0x0999), nil)
	require.NoError(t, err)
	err = expect(resp, MsgPong, nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrCodeInvalidRequest, remote.Code)
	assert.True(t, c.IsConnected())
}

func TestClient_DaemonNotRunning(t *testing.T) {
	dir, err := os.MkdirTemp("", "kbipc")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	c := NewClient(ClientConfig{SocketPath: filepath.Join(dir, "missing.sock")})
	assert.ErrorIs(t, c.Connect(context.Background()), ErrDaemonNotRunning)
}

func TestCleanupSocket_RefusesRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-socket")
	require.NoError(t, os.WriteFile(path, nil, 0600))
	assert.Error(t, CleanupSocket(path))
	assert.NoError(t, CleanupSocket(filepath.Join(t.TempDir(), "absent")))
}
