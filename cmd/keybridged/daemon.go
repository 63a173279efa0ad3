package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"keybridge/internal/config"
	"keybridge/internal/dbusbridge"
	"keybridge/internal/health"
	"keybridge/internal/ipc"
	"keybridge/internal/journal"
	"keybridge/internal/keyboard"
	"keybridge/internal/keys"
	"keybridge/internal/logging"
	"keybridge/internal/metrics"
	"keybridge/internal/wire"
)

// Daemon wires the tracker to its host transports.
type Daemon struct {
	cfg     *config.Config
	logger  *logging.Logger
	version string

	registry *keys.Registry
	codec    *wire.Codec
	tracker  *keyboard.Tracker
	focus    *keyboard.FocusAttachment
	metrics  *metrics.KeybridgeMetrics
	health   *health.Checker

	server  *ipc.Server
	stream  keyboard.Listener
	bridge  *dbusbridge.Bridge
	journal *journal.Journal
	http    *http.Server

	stopOnce sync.Once
}

// NewDaemon builds every enabled component without starting any of them.
func NewDaemon(cfg *config.Config, logger *logging.Logger, version string) (*Daemon, error) {
	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		version:  version,
		registry: keys.NewRegistry(),
		metrics:  metrics.NewKeybridgeMetrics(metrics.NewRegistry("keybridge", "")),
		health:   health.NewChecker(),
	}

	codec, err := wire.NewCodec(wire.Revision(cfg.Wire.Revision), d.registry)
	if err != nil {
		return nil, err
	}
	d.codec = codec

	d.tracker = keyboard.NewTracker(
		keyboard.WithRegistry(d.registry),
		keyboard.WithLogger(logger.WithComponent("keyboard").Slog()),
		keyboard.WithQueueSize(cfg.Keyboard.QueueSize),
		keyboard.WithObserver(d.metrics),
		keyboard.WithStrictDecode(cfg.Wire.PanicOnError),
	)
	d.focus = keyboard.NewFocusAttachment(d.tracker, d.broadcast)

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path, time.Duration(cfg.Journal.BusyTimeoutMs)*time.Millisecond)
		if err != nil {
			d.tracker.Close()
			return nil, err
		}
		d.journal = j
	}

	if cfg.IPC.Enabled {
		if err := d.newServer(); err != nil {
			d.closeStores()
			return nil, err
		}
		d.stream = ipc.BroadcastListener(d.server)
	}

	if cfg.DBus.Enabled {
		host := dbusbridge.NewHost(dbusbridge.HostConfig{
			Tracker:  d.tracker,
			Codec:    d.codec,
			Focus:    d.focus,
			OnPacket: d.onPacket,
			Logger:   logger.Slog(),
		})
		d.bridge = dbusbridge.New(dbusbridge.Config{
			Bus:        cfg.DBus.Bus,
			BusName:    cfg.DBus.BusName,
			ObjectPath: dbus.ObjectPath(cfg.DBus.ObjectPath),
			Logger:     logger.Slog(),
		}, host)
	}

	d.registerChecks()

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.metrics.Registry().HTTPHandler())
		d.health.Mount(mux)
		d.http = &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return d, nil
}

func (d *Daemon) newServer() error {
	perm, err := strconv.ParseUint(d.cfg.IPC.Permissions, 8, 32)
	if err != nil {
		return fmt.Errorf("ipc permissions %q: %w", d.cfg.IPC.Permissions, err)
	}

	handler := ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Tracker:  d.tracker,
		Codec:    d.codec,
		Focus:    d.focus,
		OnPacket: d.onPacket,
		Logger:   d.logger.Slog(),
	})

	scfg := ipc.DefaultServerConfig(d.cfg.IPC.SocketPath)
	scfg.Version = d.version
	scfg.Permissions = os.FileMode(perm)
	scfg.MaxConnections = d.cfg.IPC.MaxConnections
	scfg.ReadTimeout = time.Duration(d.cfg.IPC.TimeoutSec) * time.Second
	scfg.RequireSameUser = d.cfg.IPC.RequireSameUser
	scfg.Logger = d.logger.Slog()
	scfg.OnConnect = func(*ipc.Peer) { d.metrics.ConnectionOpened() }
	scfg.OnDisconnect = func(*ipc.Peer) { d.metrics.ConnectionClosed() }

	server, err := ipc.NewServer(scfg, handler)
	if err != nil {
		return err
	}
	d.server = server
	return nil
}

func (d *Daemon) registerChecks() {
	d.health.RegisterFunc("tracker", true, health.PingCheck("tracker", d.tracker.Ping, nil))
	if d.journal != nil {
		d.health.RegisterFunc("journal", true, health.PingCheck("journal", d.journal.Ping, nil))
	}
	if d.server != nil {
		d.health.RegisterFunc("ipc", false, health.CountCheck("peers", d.server.PeerCount, d.cfg.IPC.MaxConnections))
	}
}

// broadcast is the focus listener. It fans each event out to socket
// subscribers and D-Bus signal listeners.
func (d *Daemon) broadcast(ctx context.Context, ev keyboard.KeyEvent) bool {
	if d.stream != nil {
		d.stream(ctx, ev)
	}
	if d.bridge != nil {
		if err := d.bridge.Emit(ev); err != nil {
			d.logger.Debug("dbus emit failed", "error", err)
		}
	}
	return false
}

// onPacket runs after the tracker has seen a host packet.
func (d *Daemon) onPacket(data []byte, res keyboard.Result, err error) {
	d.metrics.HostMessage()
	if d.journal == nil {
		return
	}
	_, jerr := d.journal.Append(context.Background(), d.codec.Revision(), data, journal.ResultOf(res, err))
	d.metrics.JournalAppended(jerr)
	if jerr != nil {
		d.logger.Warn("journal append failed", "error", jerr)
	}
}

// Start brings up the transports. On error everything already started is
// stopped again.
func (d *Daemon) Start() error {
	if d.server != nil {
		if err := d.server.Start(); err != nil {
			d.Stop(context.Background())
			return fmt.Errorf("start ipc: %w", err)
		}
		d.logger.Info("ipc listening", "socket", d.server.SocketPath())
	}

	if d.bridge != nil {
		if err := d.bridge.Start(); err != nil {
			d.Stop(context.Background())
			return fmt.Errorf("start dbus: %w", err)
		}
	}

	if d.http != nil {
		ln, err := net.Listen("tcp", d.http.Addr)
		if err != nil {
			d.Stop(context.Background())
			return fmt.Errorf("metrics listen: %w", err)
		}
		d.logger.Info("metrics listening", "addr", ln.Addr().String())
		go func() {
			if err := d.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	d.health.SetReady(true)
	return nil
}

// Stop shuts the transports down, then the tracker and the journal.
func (d *Daemon) Stop(ctx context.Context) error {
	var errs []error
	d.stopOnce.Do(func() {
		d.health.SetReady(false)

		// Detach first so no event is broadcast into a closed transport.
		d.focus.SetFocus(false)

		if d.http != nil {
			if err := d.http.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("metrics: %w", err))
			}
		}
		if d.server != nil {
			if err := d.server.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("ipc: %w", err))
			}
		}
		if d.bridge != nil {
			if err := d.bridge.Close(); err != nil {
				errs = append(errs, fmt.Errorf("dbus: %w", err))
			}
		}
		if err := d.closeStores(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

func (d *Daemon) closeStores() error {
	var errs []error
	if err := d.tracker.Close(); err != nil && !errors.Is(err, keyboard.ErrClosed) {
		errs = append(errs, fmt.Errorf("tracker: %w", err))
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ApplyConfig takes the settings that may change while running. Only the
// log level is live; other changes are logged and need a restart.
func (d *Daemon) ApplyConfig(old, cfg *config.Config) {
	if old.Logging.Level != cfg.Logging.Level {
		level, err := logging.ParseLevel(cfg.Logging.Level)
		if err == nil {
			d.logger.SetLevel(level)
			d.logger.Info("log level changed", "level", cfg.Logging.Level)
		}
	}
	if old.IPC != cfg.IPC || old.DBus != cfg.DBus || old.Journal != cfg.Journal ||
		old.Metrics != cfg.Metrics || old.Keyboard != cfg.Keyboard {
		d.logger.Warn("config change needs a restart to take effect")
	}
}

// Tracker returns the daemon's tracker.
func (d *Daemon) Tracker() *keyboard.Tracker {
	return d.tracker
}

// Metrics returns the daemon's metrics.
func (d *Daemon) Metrics() *metrics.KeybridgeMetrics {
	return d.metrics
}

// Health returns the daemon's health checker.
func (d *Daemon) Health() *health.Checker {
	return d.health
}

// Journal returns the packet journal, or nil when disabled.
func (d *Daemon) Journal() *journal.Journal {
	return d.journal
}
