package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCloseConnection is returned by a Handler together with a reply when
// the connection must be closed after the reply is written.
var ErrCloseConnection = errors.New("ipc: close connection")

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, peer *Peer, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error) {
	return f(ctx, peer, msg)
}

// Server accepts host connections on a Unix socket.
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	cfg         ServerConfig
	handler     Handler
	peers       map[uint64]*Peer
	subscribers map[uint64]*Peer
	startedAt   time.Time
	logger      *slog.Logger

	// Shutdown coordination
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextPeerID    atomic.Uint64
	nextRequestID atomic.Uint32

	eventMu   sync.RWMutex
	eventChan chan *Event
	dropped   atomic.Uint64
}

// Peer is one connected host process.
type Peer struct {
	mu          sync.Mutex
	ID          uint64
	conn        net.Conn
	Name        string
	Version     string
	Credentials *PeerCredentials
	ConnectedAt time.Time
	LastActive  time.Time
	logger      *slog.Logger

	// Write serialization
	writeMu sync.Mutex
}

// Logger returns the peer's connection-scoped logger.
func (p *Peer) Logger() *slog.Logger {
	return p.logger
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath      string
	Version         string
	Permissions     os.FileMode
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxConnections  int
	RequireSameUser bool
	EventBuffer     int
	Logger          *slog.Logger

	// Optional connection hooks, used for metrics.
	OnConnect    func(*Peer)
	OnDisconnect func(*Peer)
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:      socketPath,
		Version:         "dev",
		Permissions:     0600,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    5 * time.Second,
		MaxConnections:  8,
		RequireSameUser: true,
		EventBuffer:     256,
	}
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path required")
	}
	if handler == nil {
		return nil, errors.New("ipc: handler required")
	}
	def := DefaultServerConfig(cfg.SocketPath)
	if cfg.Permissions == 0 {
		cfg.Permissions = def.Permissions
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		handler:     handler,
		peers:       make(map[uint64]*Peer),
		subscribers: make(map[uint64]*Peer),
		logger:      logger.With("component", "ipc"),
		ctx:         ctx,
		cancel:      cancel,
		eventChan:   make(chan *Event, cfg.EventBuffer),
	}, nil
}

// Start begins listening for connections
func (s *Server) Start() error {
	socketDir := filepath.Dir(s.cfg.SocketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if IsSocketListening(s.cfg.SocketPath) {
		return fmt.Errorf("socket %s is in use by another daemon", s.cfg.SocketPath)
	}
	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	if err := SetSocketPermissions(s.cfg.SocketPath, s.cfg.Permissions); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(1)
	go s.eventBroadcaster()

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop closes the listener and every connection and waits for the
// connection goroutines, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, p := range s.peers {
		p.conn.Close()
	}
	s.mu.Unlock()

	s.eventMu.Lock()
	close(s.eventChan)
	s.eventMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if rmErr := os.Remove(s.cfg.SocketPath); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	s.logger.Info("stopped", "dropped_events", s.dropped.Load())
	return err
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// Version returns the version reported in handshakes.
func (s *Server) Version() string {
	return s.cfg.Version
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// SubscriberCount returns the number of peers receiving events.
func (s *Server) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Broadcast queues an event for all subscribers. Events are dropped when
// the queue is full or the server is stopped.
func (s *Server) Broadcast(event *Event) {
	s.eventMu.RLock()
	defer s.eventMu.RUnlock()
	if !s.running.Load() {
		return
	}
	select {
	case s.eventChan <- event:
	default:
		if n := s.dropped.Add(1); n == 1 || n%1000 == 0 {
			s.logger.Warn("event queue full, dropping events", "dropped", n)
		}
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		if s.PeerCount() >= s.cfg.MaxConnections {
			s.logger.Warn("connection limit reached", "max", s.cfg.MaxConnections)
			conn.Close()
			continue
		}

		peer := &Peer{
			ID:          s.nextPeerID.Add(1),
			conn:        conn,
			ConnectedAt: time.Now(),
			LastActive:  time.Now(),
		}
		peer.logger = s.logger.With("conn", peer.ID)

		if !s.admit(peer) {
			conn.Close()
			continue
		}

		s.mu.Lock()
		s.peers[peer.ID] = peer
		s.mu.Unlock()

		if s.cfg.OnConnect != nil {
			s.cfg.OnConnect(peer)
		}
		peer.logger.Debug("connected")

		s.wg.Add(1)
		go s.handleConnection(peer)
	}
}

// admit checks the peer's credentials.
func (s *Server) admit(peer *Peer) bool {
	cred, err := GetPeerCredentials(peer.conn)
	if err != nil {
		if !s.cfg.RequireSameUser || errors.Is(err, ErrPeerCredentialsUnsupported) {
			peer.logger.Debug("peer credentials unavailable", "error", err)
			return true
		}
		peer.logger.Warn("rejecting connection", "error", err)
		return false
	}
	peer.Credentials = cred

	if s.cfg.RequireSameUser && cred.UID != os.Getuid() {
		peer.logger.Warn("rejecting connection from another user", "uid", cred.UID, "pid", cred.PID)
		return false
	}
	return true
}

func (s *Server) handleConnection(peer *Peer) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.peers, peer.ID)
		delete(s.subscribers, peer.ID)
		s.mu.Unlock()
		peer.conn.Close()
		if s.cfg.OnDisconnect != nil {
			s.cfg.OnDisconnect(peer)
		}
		peer.logger.Debug("disconnected")
	}()

	for {
		if s.ctx.Err() != nil {
			return
		}

		peer.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := ReadMessage(peer.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// Idle host; probe it and keep waiting.
				if s.sendPing(peer) != nil {
					return
				}
				continue
			}
			peer.logger.Warn("read failed", "error", err)
			if errors.Is(err, ErrPayloadTooLarge) {
				_ = s.sendMessage(peer, NewErrorMessage(0, ErrCodeInvalidRequest, err.Error()))
			}
			return
		}

		peer.mu.Lock()
		peer.LastActive = time.Now()
		peer.mu.Unlock()

		response, err := s.processMessage(peer, msg)
		closeAfter := errors.Is(err, ErrCloseConnection)
		if err != nil && !closeAfter {
			peer.logger.Error("handler failed", "type", msg.Header.Type.String(), "error", err)
			response = NewErrorMessage(msg.Header.RequestID, ErrCodeInternal, err.Error())
		}

		if response != nil {
			if err := s.sendMessage(peer, response); err != nil {
				peer.logger.Debug("write failed", "error", err)
				return
			}
		}
		if closeAfter {
			return
		}
	}
}

func (s *Server) processMessage(peer *Peer, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil
	case MsgPong:
		return nil, nil
	case MsgHandshake:
		return s.handleHandshake(peer, msg)
	case MsgSubscribe:
		return s.handleSubscribe(peer, msg)
	case MsgUnsubscribe:
		return s.handleUnsubscribe(peer, msg)
	default:
		return s.handler.HandleMessage(s.ctx, peer, msg)
	}
}

func (s *Server) handleHandshake(peer *Peer, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest, "invalid handshake"), nil
	}
	if req.ProtocolVersion > ProtocolVersion {
		return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest,
			fmt.Sprintf("unsupported protocol version %d", req.ProtocolVersion)), ErrCloseConnection
	}

	peer.mu.Lock()
	peer.Version = req.ClientVersion
	peer.Name = req.ClientName
	peer.mu.Unlock()
	peer.logger.Info("handshake", "client", req.ClientName, "client_version", req.ClientVersion)

	resp := &HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		ConnID:          peer.ID,
	}
	if h, ok := s.handler.(interface{ WireRevision() int }); ok {
		resp.WireRevision = h.WireRevision()
	}
	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, resp)
}

func (s *Server) handleSubscribe(peer *Peer, msg *Message) (*Message, error) {
	s.mu.Lock()
	s.subscribers[peer.ID] = peer
	s.mu.Unlock()

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{
		Success:        true,
		SubscriptionID: peer.ID,
	})
}

func (s *Server) handleUnsubscribe(peer *Peer, msg *Message) (*Message, error) {
	s.mu.Lock()
	delete(s.subscribers, peer.ID)
	s.mu.Unlock()

	return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, nil), nil
}

// eventBroadcaster writes events to subscribers in order. A subscriber
// whose write fails is disconnected.
func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for event := range s.eventChan {
		payload, err := Encode(event)
		if err != nil {
			s.logger.Error("encode event", "error", err)
			continue
		}

		s.mu.RLock()
		targets := make([]*Peer, 0, len(s.subscribers))
		for _, p := range s.subscribers {
			targets = append(targets, p)
		}
		s.mu.RUnlock()

		for _, p := range targets {
			msg := NewMessage(MsgEvent, s.nextRequestID.Add(1), payload)
			if err := s.sendMessage(p, msg); err != nil {
				p.logger.Debug("event write failed, dropping subscriber", "error", err)
				p.conn.Close()
			}
		}
	}
}

func (s *Server) sendMessage(peer *Peer, msg *Message) error {
	peer.writeMu.Lock()
	defer peer.writeMu.Unlock()

	peer.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(peer.conn)
}

func (s *Server) sendPing(peer *Peer) error {
	return s.sendMessage(peer, NewMessage(MsgPing, s.nextRequestID.Add(1), nil))
}
