// Package dbusbridge exposes the key tracker on D-Bus so that desktop hosts
// can deliver packets without the socket protocol.
package dbusbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"keybridge/internal/keyboard"
	"keybridge/internal/wire"
)

const (
	// Interface is the exported interface name.
	Interface = "org.keybridge.Host1"

	DefaultBusName    = "org.keybridge.Host"
	DefaultObjectPath = dbus.ObjectPath("/org/keybridge/Host")

	// Error names returned to callers.
	ErrorDecode      = "org.keybridge.Error.Decode"
	ErrorUnavailable = "org.keybridge.Error.Unavailable"
	ErrorFocus       = "org.keybridge.Error.FocusDisabled"
)

// ErrNameTaken is returned by Start when another process owns the bus name.
var ErrNameTaken = errors.New("dbusbridge: bus name already taken")

// Host is the exported object. Its exported methods form the
// org.keybridge.Host1 interface.
type Host struct {
	tracker *keyboard.Tracker
	codec   *wire.Codec
	focus   *keyboard.FocusAttachment
	onPkt   func(data []byte, res keyboard.Result, err error)
	logger  *slog.Logger
}

// HostConfig configures a Host.
type HostConfig struct {
	Tracker  *keyboard.Tracker
	Codec    *wire.Codec
	Focus    *keyboard.FocusAttachment
	OnPacket func(data []byte, res keyboard.Result, err error)
	Logger   *slog.Logger
}

// NewHost returns the method object for cfg.
func NewHost(cfg HostConfig) *Host {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		tracker: cfg.Tracker,
		codec:   cfg.Codec,
		focus:   cfg.Focus,
		onPkt:   cfg.OnPacket,
		logger:  logger.With("component", "dbus"),
	}
}

// DeliverKeyEvent applies one wire packet and reports whether a listener
// handled it.
func (h *Host) DeliverKeyEvent(packet []byte) (bool, *dbus.Error) {
	res, err := h.tracker.HandleMessage(context.Background(), h.codec, packet)
	if h.onPkt != nil {
		h.onPkt(packet, res, err)
	}
	if err != nil {
		var de *wire.DecodeError
		switch {
		case errors.As(err, &de):
			return false, dbus.NewError(ErrorDecode, []interface{}{err.Error(), de.Kind.String(), de.Scope.String(), de.FieldID})
		case errors.Is(err, wire.ErrInvalidPacket):
			return false, dbus.NewError(ErrorDecode, []interface{}{err.Error()})
		case errors.Is(err, keyboard.ErrClosed):
			return false, dbus.NewError(ErrorUnavailable, []interface{}{err.Error()})
		default:
			return false, dbus.MakeFailedError(err)
		}
	}
	return res == keyboard.Handled, nil
}

// FocusChanged attaches or detaches the focus listener.
func (h *Host) FocusChanged(focused bool) *dbus.Error {
	if h.focus == nil {
		return dbus.NewError(ErrorFocus, []interface{}{"focus tracking disabled"})
	}
	if h.focus.SetFocus(focused) {
		h.logger.Debug("focus changed", "focused", focused)
	}
	return nil
}

// PressedKeys returns the logical and physical ids currently held.
func (h *Host) PressedKeys() ([]uint64, []uint64, *dbus.Error) {
	logical := h.tracker.KeysPressed()
	physical := h.tracker.PhysicalKeysPressed()

	l := make([]uint64, len(logical))
	for i, k := range logical {
		l[i] = k.ID()
	}
	p := make([]uint64, len(physical))
	for i, k := range physical {
		p[i] = k.ID()
	}
	return l, p, nil
}

// Config selects the bus and names.
type Config struct {
	Bus        string // "session" or "system"
	BusName    string
	ObjectPath dbus.ObjectPath
	Logger     *slog.Logger
}

// Bridge owns the bus connection and the exported Host.
type Bridge struct {
	cfg    Config
	host   *Host
	conn   *dbus.Conn
	logger *slog.Logger
}

// New returns a bridge that will export host.
func New(cfg Config, host *Host) *Bridge {
	if cfg.BusName == "" {
		cfg.BusName = DefaultBusName
	}
	if cfg.ObjectPath == "" {
		cfg.ObjectPath = DefaultObjectPath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{cfg: cfg, host: host, logger: logger.With("component", "dbus")}
}

func connect(bus string) (*dbus.Conn, error) {
	switch bus {
	case "", "session":
		return dbus.ConnectSessionBus()
	case "system":
		return dbus.ConnectSystemBus()
	default:
		return nil, fmt.Errorf("unknown bus %q", bus)
	}
}

// Start connects, exports the host and claims the bus name.
func (b *Bridge) Start() error {
	conn, err := connect(b.cfg.Bus)
	if err != nil {
		return fmt.Errorf("connect to %s bus: %w", b.cfg.Bus, err)
	}

	if err := conn.Export(b.host, b.cfg.ObjectPath, Interface); err != nil {
		conn.Close()
		return fmt.Errorf("export host: %w", err)
	}
	if err := conn.Export(introspect.NewIntrospectable(Node(b.host)), b.cfg.ObjectPath,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		conn.Close()
		return fmt.Errorf("export introspection: %w", err)
	}

	reply, err := conn.RequestName(b.cfg.BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return fmt.Errorf("request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrNameTaken, b.cfg.BusName)
	}

	b.conn = conn
	b.logger.Info("exported", "bus", b.cfg.Bus, "name", b.cfg.BusName, "path", b.cfg.ObjectPath)
	return nil
}

// Emit sends the KeyEvent signal for ev. It is a no-op before Start.
func (b *Bridge) Emit(ev keyboard.KeyEvent) error {
	if b.conn == nil {
		return nil
	}
	kind, logical, physical, character := SignalArgs(ev)
	return b.conn.Emit(b.cfg.ObjectPath, Interface+".KeyEvent", kind, logical, physical, character)
}

// Listener returns a tracker listener that emits KeyEvent signals. It
// never claims events.
func (b *Bridge) Listener() keyboard.Listener {
	return func(_ context.Context, ev keyboard.KeyEvent) bool {
		if err := b.Emit(ev); err != nil {
			b.logger.Debug("emit failed", "error", err)
		}
		return false
	}
}

// SignalArgs returns the KeyEvent signal body for ev.
func SignalArgs(ev keyboard.KeyEvent) (kind string, logical, physical uint64, character string) {
	if down, ok := ev.(keyboard.KeyDown); ok {
		character = down.Character()
	}
	return ev.Kind().String(), ev.LogicalKey().ID(), ev.PhysicalKey().ID(), character
}

// Close releases the name and the connection.
func (b *Bridge) Close() error {
	if b.conn == nil {
		return nil
	}
	if _, err := b.conn.ReleaseName(b.cfg.BusName); err != nil {
		b.logger.Debug("release name failed", "error", err)
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

// Node describes the exported object for introspection.
func Node(h *Host) *introspect.Node {
	return &introspect.Node{
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    Interface,
				Methods: introspect.Methods(h),
				Signals: []introspect.Signal{{
					Name: "KeyEvent",
					Args: []introspect.Arg{
						{Name: "kind", Type: "s"},
						{Name: "logical", Type: "t"},
						{Name: "physical", Type: "t"},
						{Name: "character", Type: "s"},
					},
				}},
			},
		},
	}
}
