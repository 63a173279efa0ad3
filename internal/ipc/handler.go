package ipc

import (
	"context"
	"errors"
	"log/slog"

	"keybridge/internal/keyboard"
	"keybridge/internal/keys"
	"keybridge/internal/wire"
)

// PacketHook observes every key packet the handler receives, after the
// tracker has seen it. err is nil for applied packets.
type PacketHook func(data []byte, res keyboard.Result, err error)

// DaemonHandler serves key delivery and state queries against a tracker.
type DaemonHandler struct {
	tracker *keyboard.Tracker
	codec   *wire.Codec
	focus   *keyboard.FocusAttachment
	onPkt   PacketHook
	logger  *slog.Logger
}

// DaemonHandlerConfig configures the daemon handler
type DaemonHandlerConfig struct {
	Tracker *keyboard.Tracker
	Codec   *wire.Codec
	// Focus is toggled by MsgFocus. Nil disables focus reports.
	Focus    *keyboard.FocusAttachment
	OnPacket PacketHook
	Logger   *slog.Logger
}

// NewDaemonHandler creates a new daemon handler
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DaemonHandler{
		tracker: cfg.Tracker,
		codec:   cfg.Codec,
		focus:   cfg.Focus,
		onPkt:   cfg.OnPacket,
		logger:  logger.With("component", "ipc-handler"),
	}
}

// WireRevision reports the layout packets must use.
func (h *DaemonHandler) WireRevision() int {
	return int(h.codec.Revision())
}

// HandleMessage processes an IPC message
func (h *DaemonHandler) HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgKeyPacket:
		return h.handleKeyPacket(ctx, peer, msg)
	case MsgFocus:
		return h.handleFocus(peer, msg)
	case MsgStateRequest:
		return h.handleState(msg)
	default:
		return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest,
			"unsupported message type: "+msg.Header.Type.String()), nil
	}
}

// handleKeyPacket feeds the payload to the tracker. A packet that cannot
// be decoded means the host and daemon disagree on the wire layout, so the
// connection is closed after the error reply.
func (h *DaemonHandler) handleKeyPacket(ctx context.Context, peer *Peer, msg *Message) (*Message, error) {
	if msg.Header.Flags&FlagPacket == 0 {
		return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest, "key packet without packet flag"), nil
	}

	res, err := h.tracker.HandleMessage(ctx, h.codec, msg.Payload)
	if h.onPkt != nil {
		h.onPkt(msg.Payload, res, err)
	}
	if err != nil {
		return h.packetError(peer, msg.Header.RequestID, err)
	}

	return NewResponse(MsgKeyPacketResp, msg.Header.RequestID, &KeyPacketResponse{Result: res.String()})
}

func (h *DaemonHandler) packetError(peer *Peer, reqID uint32, err error) (*Message, error) {
	var de *wire.DecodeError
	switch {
	case errors.As(err, &de):
		peer.Logger().Warn("closing connection after undecodable packet",
			"kind", de.Kind.String(), "scope", de.Scope.String(), "field_id", de.FieldID)
		return newErrorMessage(reqID, &ErrorResponse{
			Code:    ErrCodeDecode,
			Message: err.Error(),
			Kind:    de.Kind.String(),
			Scope:   de.Scope.String(),
			FieldID: de.FieldID,
		}), ErrCloseConnection
	case errors.Is(err, wire.ErrInvalidPacket):
		return NewErrorMessage(reqID, ErrCodeDecode, err.Error()), ErrCloseConnection
	case errors.Is(err, keyboard.ErrClosed):
		return NewErrorMessage(reqID, ErrCodeUnavailable, err.Error()), nil
	default:
		return NewErrorMessage(reqID, ErrCodeInternal, err.Error()), nil
	}
}

func (h *DaemonHandler) handleFocus(peer *Peer, msg *Message) (*Message, error) {
	if h.focus == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrCodeUnavailable, "focus tracking disabled"), nil
	}
	var req FocusRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest, "invalid focus request"), nil
	}

	changed := h.focus.SetFocus(req.Focused)
	if changed {
		peer.Logger().Debug("focus changed", "focused", req.Focused)
	}
	return NewResponse(MsgFocusResp, msg.Header.RequestID, &FocusResponse{
		Focused: h.focus.Focused(),
		Changed: changed,
	})
}

func (h *DaemonHandler) handleState(msg *Message) (*Message, error) {
	resp := &StateResponse{
		Logical:  logicalInfos(h.tracker.KeysPressed()),
		Physical: physicalInfos(h.tracker.PhysicalKeysPressed()),
		Modifiers: Modifiers{
			Control: h.tracker.IsControlPressed(),
			Shift:   h.tracker.IsShiftPressed(),
			Alt:     h.tracker.IsAltPressed(),
			Meta:    h.tracker.IsMetaPressed(),
		},
		Listeners: h.tracker.ListenerCount(),
	}
	if h.focus != nil {
		resp.Focused = h.focus.Focused()
	}
	return NewResponse(MsgStateResponse, msg.Header.RequestID, resp)
}

func logicalInfos(ks []*keys.LogicalKey) []KeyInfo {
	out := make([]KeyInfo, len(ks))
	for i, k := range ks {
		out[i] = KeyInfo{ID: k.ID(), Label: k.Label()}
	}
	return out
}

func physicalInfos(ks []*keys.PhysicalKey) []KeyInfo {
	out := make([]KeyInfo, len(ks))
	for i, k := range ks {
		out[i] = KeyInfo{ID: k.ID(), Label: k.Label()}
	}
	return out
}

// NewEvent converts a tracker event for streaming.
func NewEvent(ev keyboard.KeyEvent) *Event {
	e := &Event{
		Kind:      ev.Kind().String(),
		Timestamp: ev.Timestamp().Microseconds(),
		Logical:   KeyInfo{ID: ev.LogicalKey().ID(), Label: ev.LogicalKey().Label()},
		Physical:  KeyInfo{ID: ev.PhysicalKey().ID(), Label: ev.PhysicalKey().Label()},
	}
	if down, ok := ev.(keyboard.KeyDown); ok {
		e.Character = down.Character()
	}
	return e
}

// BroadcastListener returns a tracker listener that streams every event to
// the server's subscribers. It never claims events.
func BroadcastListener(s *Server) keyboard.Listener {
	return func(_ context.Context, ev keyboard.KeyEvent) bool {
		s.Broadcast(NewEvent(ev))
		return false
	}
}
