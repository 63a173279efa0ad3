package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"keybridge/internal/keyboard"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// RemoteError is an error reply from the daemon.
type RemoteError struct {
	ErrorResponse
}

func (e *RemoteError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("daemon error %d (%s): %s", e.Code, e.Kind, e.Message)
	}
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

// Client talks to a keybridge daemon. It is safe for concurrent use.
type Client struct {
	mu   sync.RWMutex
	conn net.Conn
	cfg  ClientConfig

	connected atomic.Bool
	handshake HandshakeResponse

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32
	writeMu   sync.Mutex

	events chan *Event
	done   chan struct{}
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	EventBuffer    int
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "keybridgectl",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
		EventBuffer:    256,
	}
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *Client {
	def := DefaultClientConfig(cfg.SocketPath)
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.ClientName == "" {
		cfg.ClientName = def.ClientName
	}
	return &Client{
		cfg:     cfg,
		pending: make(map[uint32]chan *Message),
		events:  make(chan *Event, cfg.EventBuffer),
		done:    make(chan struct{}),
	}
}

// Connect dials the daemon and performs the handshake.
func (c *Client) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.cfg.SocketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	go c.readLoop(conn)

	resp, err := c.request(ctx, MsgHandshake, &HandshakeRequest{
		ClientVersion:   c.cfg.ClientVersion,
		ClientName:      c.cfg.ClientName,
		ProtocolVersion: ProtocolVersion,
	})
	if err != nil {
		c.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	if err := expect(resp, MsgHandshakeAck, &c.handshake); err != nil {
		c.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Handshake returns the daemon's handshake reply.
func (c *Client) Handshake() HandshakeResponse {
	return c.handshake
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Close closes the connection and waits for the reader to stop.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	err := conn.Close()
	<-c.done
	return err
}

// Events returns streamed key events. The channel is closed when the
// connection ends. Events are dropped while the channel is full.
func (c *Client) Events() <-chan *Event {
	return c.events
}

func (c *Client) request(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	data, err := Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return c.send(ctx, NewMessage(msgType, c.nextReqID.Add(1), data))
}

// send writes msg and waits for the reply with the same request id.
func (c *Client) send(ctx context.Context, msg *Message) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	reqID := msg.Header.RequestID
	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) write(msg *Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	return msg.Write(conn)
}

func (c *Client) readLoop(conn net.Conn) {
	defer close(c.done)
	defer close(c.events)
	defer func() {
		c.connected.Store(false)
		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	}()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg *Message) {
	switch msg.Header.Type {
	case MsgPing:
		_ = c.write(NewMessage(MsgPong, msg.Header.RequestID, nil))

	case MsgEvent:
		var event Event
		if err := Decode(msg.Payload, &event); err != nil {
			return
		}
		select {
		case c.events <- &event:
		default:
		}

	default:
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

// expect decodes resp into v if it has type want. MsgError replies become
// a *RemoteError.
func expect(resp *Message, want MessageType, v any) error {
	if resp.Header.Type == MsgError {
		var e ErrorResponse
		if err := Decode(resp.Payload, &e); err != nil {
			return fmt.Errorf("decode error reply: %w", err)
		}
		return &RemoteError{e}
	}
	if resp.Header.Type != want {
		return fmt.Errorf("unexpected response: %s", resp.Header.Type)
	}
	if v == nil || len(resp.Payload) == 0 {
		return nil
	}
	return Decode(resp.Payload, v)
}

// SendPacket delivers one encoded wire packet and returns the tracker's
// verdict. After a decode error the daemon closes the connection.
func (c *Client) SendPacket(ctx context.Context, packet []byte) (keyboard.Result, error) {
	resp, err := c.send(ctx, NewPacketMessage(c.nextReqID.Add(1), packet))
	if err != nil {
		return keyboard.Skip, err
	}
	var out KeyPacketResponse
	if err := expect(resp, MsgKeyPacketResp, &out); err != nil {
		return keyboard.Skip, err
	}
	return keyboard.ParseResult(out.Result)
}

// SetFocus reports a focus change of the host's view.
func (c *Client) SetFocus(ctx context.Context, focused bool) (*FocusResponse, error) {
	resp, err := c.request(ctx, MsgFocus, &FocusRequest{Focused: focused})
	if err != nil {
		return nil, err
	}
	var out FocusResponse
	if err := expect(resp, MsgFocusResp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// State returns the daemon's pressed-key snapshot.
func (c *Client) State(ctx context.Context) (*StateResponse, error) {
	resp, err := c.request(ctx, MsgStateRequest, nil)
	if err != nil {
		return nil, err
	}
	var out StateResponse
	if err := expect(resp, MsgStateResponse, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subscribe starts event streaming to Events.
func (c *Client) Subscribe(ctx context.Context) error {
	resp, err := c.request(ctx, MsgSubscribe, nil)
	if err != nil {
		return err
	}
	var out SubscribeResponse
	if err := expect(resp, MsgSubscribeResp, &out); err != nil {
		return err
	}
	if !out.Success {
		return errors.New("subscription failed")
	}
	return nil
}

// Unsubscribe stops event streaming.
func (c *Client) Unsubscribe(ctx context.Context) error {
	resp, err := c.request(ctx, MsgUnsubscribe, nil)
	if err != nil {
		return err
	}
	return expect(resp, MsgUnsubscribeResp, nil)
}

// Ping checks if the daemon is responsive and returns the round trip.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	resp, err := c.request(ctx, MsgPing, nil)
	if err != nil {
		return 0, err
	}
	if err := expect(resp, MsgPong, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
