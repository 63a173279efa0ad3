// Package ipc connects host processes to the keybridge daemon over a Unix
// socket.
//
// The protocol is designed for:
// - Request/response pattern for key packets and queries
// - Event streaming of every key event the tracker applies
// - Raw wire packets carried untouched, control payloads as JSON
// - Protocol versioning for compatibility
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x4B425043 // "KBPC"
)

// MaxPayload bounds a single message. Key packets are a few dozen bytes.
const MaxPayload = 1 << 20

// ErrPayloadTooLarge is returned by ReadMessage for oversized messages.
var ErrPayloadTooLarge = errors.New("ipc: payload too large")

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Key delivery (0x01xx)
	MsgKeyPacket     MessageType = 0x0100
	MsgKeyPacketResp MessageType = 0x0101
	MsgFocus         MessageType = 0x0102
	MsgFocusResp     MessageType = 0x0103

	// Queries (0x02xx)
	MsgStateRequest  MessageType = 0x0200
	MsgStateResponse MessageType = 0x0201

	// Event streaming (0x05xx)
	MsgSubscribe       MessageType = 0x0500
	MsgSubscribeResp   MessageType = 0x0501
	MsgUnsubscribe     MessageType = 0x0502
	MsgUnsubscribeResp MessageType = 0x0503
	MsgEvent           MessageType = 0x0504
)

func (t MessageType) String() string {
	switch t {
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgHandshake:
		return "handshake"
	case MsgHandshakeAck:
		return "handshake_ack"
	case MsgError:
		return "error"
	case MsgKeyPacket:
		return "key_packet"
	case MsgKeyPacketResp:
		return "key_packet_resp"
	case MsgFocus:
		return "focus"
	case MsgFocusResp:
		return "focus_resp"
	case MsgStateRequest:
		return "state_request"
	case MsgStateResponse:
		return "state_response"
	case MsgSubscribe:
		return "subscribe"
	case MsgSubscribeResp:
		return "subscribe_resp"
	case MsgUnsubscribe:
		return "unsubscribe"
	case MsgUnsubscribeResp:
		return "unsubscribe_resp"
	case MsgEvent:
		return "event"
	default:
		return fmt.Sprintf("MessageType(0x%04x)", uint16(t))
	}
}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Header flags
const (
	FlagJSON   uint8 = 0x04 // Payload is JSON
	FlagPacket uint8 = 0x20 // Payload is a raw wire packet
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a JSON-flagged message.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return newMessage(msgType, requestID, FlagJSON, payload)
}

// NewPacketMessage wraps raw wire bytes.
func NewPacketMessage(requestID uint32, packet []byte) *Message {
	return newMessage(MsgKeyPacket, requestID, FlagPacket, packet)
}

func newMessage(msgType MessageType, requestID uint32, flags uint8, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     flags,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to w.
func (h *Header) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write writes the header and payload as one write.
func (m *Message) Write(w io.Writer) error {
	buf := make([]byte, 0, HeaderSize+len(m.Payload))
	hw := &appendWriter{buf: buf}
	m.Header.Length = uint32(len(m.Payload))
	if err := m.Header.Write(hw); err != nil {
		return err
	}
	hw.buf = append(hw.buf, m.Payload...)
	_, err := w.Write(hw.buf)
	return err
}

type appendWriter struct{ buf []byte }

func (a *appendWriter) Write(p []byte) (int, error) {
	a.buf = append(a.buf, p...)
	return len(p), nil
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// HandshakeRequest is sent by the client to initiate connection
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse tells the client how the daemon decodes packets.
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	ConnID          uint64 `json:"conn_id"`
	WireRevision    int    `json:"wire_revision"`
}

// Error codes
const (
	ErrCodeUnknown          = 1
	ErrCodeInvalidRequest   = 2
	ErrCodeDecode           = 3
	ErrCodePermissionDenied = 4
	ErrCodeInternal         = 5
	ErrCodeUnavailable      = 6
)

// ErrorResponse is sent when an operation fails. Decode failures carry the
// decoder's classification.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	Scope   string `json:"scope,omitempty"`
	FieldID int64  `json:"field_id,omitempty"`
}

// KeyPacketResponse reports the tracker's verdict for one packet.
type KeyPacketResponse struct {
	Result string `json:"result"` // "handled" or "skip"
}

// FocusRequest reports a focus change of the host's input target.
type FocusRequest struct {
	Focused bool `json:"focused"`
}

// FocusResponse acknowledges a focus change.
type FocusResponse struct {
	Focused bool `json:"focused"`
	Changed bool `json:"changed"`
}

// KeyInfo identifies a key on the wire.
type KeyInfo struct {
	ID    uint64 `json:"id"`
	Label string `json:"label,omitempty"`
}

// Modifiers summarizes the generic modifier queries.
type Modifiers struct {
	Control bool `json:"control"`
	Shift   bool `json:"shift"`
	Alt     bool `json:"alt"`
	Meta    bool `json:"meta"`
}

// StateResponse is the tracker's pressed-key snapshot.
type StateResponse struct {
	Logical   []KeyInfo `json:"logical"`
	Physical  []KeyInfo `json:"physical"`
	Modifiers Modifiers `json:"modifiers"`
	Listeners int       `json:"listeners"`
	Focused   bool      `json:"focused"`
}

// SubscribeResponse acknowledges subscription
type SubscribeResponse struct {
	Success        bool   `json:"success"`
	SubscriptionID uint64 `json:"subscription_id"`
}

// Event is a streamed key event.
type Event struct {
	Kind      string  `json:"kind"` // down, up, sync, cancel
	Timestamp int64   `json:"timestamp_us"`
	Logical   KeyInfo `json:"logical"`
	Physical  KeyInfo `json:"physical"`
	Character string  `json:"character,omitempty"`
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	return newErrorMessage(requestID, &ErrorResponse{Code: code, Message: message})
}

func newErrorMessage(requestID uint32, resp *ErrorResponse) *Message {
	payload, _ := Encode(resp)
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
