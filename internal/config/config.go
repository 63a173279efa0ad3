// Package config handles configuration loading, validation, and hot reload
// for keybridge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"keybridge/internal/logging"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Wire selects the packet field-id layout.
	Wire WireConfig `toml:"wire" json:"wire" yaml:"wire"`

	// Keyboard configures the state tracker.
	Keyboard KeyboardConfig `toml:"keyboard" json:"keyboard" yaml:"keyboard"`

	// IPC configures the Unix socket host transport.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// DBus configures the D-Bus host transport.
	DBus DBusConfig `toml:"dbus" json:"dbus" yaml:"dbus"`

	// Journal configures raw packet capture.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// Evdev configures the Linux input device feeder.
	Evdev EvdevConfig `toml:"evdev" json:"evdev" yaml:"evdev"`

	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// WireConfig holds packet codec settings. The revision is part of the ABI
// with the host and cannot change on reload.
type WireConfig struct {
	// Revision is 1 or 2.
	Revision int `toml:"revision" json:"revision" yaml:"revision"`

	// PanicOnError makes a decode error abort the daemon. Use during
	// host integration only.
	PanicOnError bool `toml:"panic_on_error" json:"panic_on_error" yaml:"panic_on_error"`
}

// KeyboardConfig holds tracker settings.
type KeyboardConfig struct {
	// QueueSize is the capacity of the owner goroutine's task queue.
	QueueSize int `toml:"queue_size" json:"queue_size" yaml:"queue_size"`
}

// IPCConfig holds Unix socket settings.
type IPCConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the octal socket file mode, e.g. "0600".
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec bounds reads and writes of one message.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// RequireSameUser rejects peers whose uid differs from the daemon's.
	RequireSameUser bool `toml:"require_same_user" json:"require_same_user" yaml:"require_same_user"`
}

// DBusConfig holds D-Bus settings.
type DBusConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Bus is "session" or "system".
	Bus string `toml:"bus" json:"bus" yaml:"bus"`

	BusName    string `toml:"bus_name" json:"bus_name" yaml:"bus_name"`
	ObjectPath string `toml:"object_path" json:"object_path" yaml:"object_path"`
}

// JournalConfig holds packet journal settings.
type JournalConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	Path string `toml:"path" json:"path" yaml:"path"`

	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// EvdevConfig holds input device feeder settings.
type EvdevConfig struct {
	// Devices lists /dev/input/event* paths. Empty means every device that
	// reports letter keys.
	Devices []string `toml:"devices" json:"devices" yaml:"devices"`

	// Grab takes exclusive access to the devices.
	Grab bool `toml:"grab" json:"grab" yaml:"grab"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is stdout, stderr, file or both.
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`

	RedactPatterns []string `toml:"redact_patterns" json:"redact_patterns" yaml:"redact_patterns"`
}

// MetricsConfig holds metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// ListenAddr serves /metrics, e.g. "127.0.0.1:9464".
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := KeybridgeDir()

	return &Config{
		Version: Version,
		Wire: WireConfig{
			Revision: 1,
		},
		Keyboard: KeyboardConfig{
			QueueSize: 64,
		},
		IPC: IPCConfig{
			Enabled:         true,
			SocketPath:      defaultSocketPath(),
			Permissions:     "0600",
			MaxConnections:  8,
			TimeoutSec:      30,
			RequireSameUser: true,
		},
		DBus: DBusConfig{
			Enabled:    false,
			Bus:        "session",
			BusName:    "org.keybridge.Host",
			ObjectPath: "/org/keybridge/Host",
		},
		Journal: JournalConfig{
			Enabled:       false,
			Path:          filepath.Join(dir, "journal.db"),
			BusyTimeoutMs: 5000,
		},
		Evdev: EvdevConfig{
			Devices: []string{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   logging.DefaultLogPath(),
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,

			RedactPatterns: []string{},
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
	}
}

// ConfigDir returns the directory holding the configuration file.
func ConfigDir() string {
	return PlatformConfigDir()
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// Load reads configuration from path. A missing file yields defaults. The
// format follows the extension; JSON files are checked against the embedded
// schema. Environment overrides are applied and the result is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var dirs []string
	if c.Journal.Enabled {
		dirs = append(dirs, filepath.Dir(c.Journal.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.IPC.Enabled && runtime.GOOS != "windows" {
		dirs = append(dirs, filepath.Dir(c.IPC.SocketPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// KeybridgeDir returns the base data directory, honoring KEYBRIDGE_DATA_DIR.
func KeybridgeDir() string {
	if envDir := os.Getenv("KEYBRIDGE_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies KEYBRIDGE_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("KEYBRIDGE_WIRE_REVISION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Wire.Revision = n
		}
	}
	if v := os.Getenv("KEYBRIDGE_WIRE_PANIC_ON_ERROR"); v != "" {
		c.Wire.PanicOnError = parseBool(v, c.Wire.PanicOnError)
	}

	if v := os.Getenv("KEYBRIDGE_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}

	if v := os.Getenv("KEYBRIDGE_DBUS_ENABLED"); v != "" {
		c.DBus.Enabled = parseBool(v, c.DBus.Enabled)
	}
	if v := os.Getenv("KEYBRIDGE_DBUS_BUS"); v != "" {
		c.DBus.Bus = v
	}

	if v := os.Getenv("KEYBRIDGE_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
		c.Journal.Enabled = true
	}

	if v := os.Getenv("KEYBRIDGE_EVDEV_DEVICES"); v != "" {
		c.Evdev.Devices = strings.Split(v, ",")
	}

	if v := os.Getenv("KEYBRIDGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KEYBRIDGE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("KEYBRIDGE_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	if v := os.Getenv("KEYBRIDGE_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
		c.Metrics.Enabled = true
	}
}

func parseBool(s string, fallback bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return b
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:  c.Version,
		Wire:     c.Wire,
		Keyboard: c.Keyboard,
		IPC:      c.IPC,
		DBus:     c.DBus,
		Journal:  c.Journal,
		Evdev:    c.Evdev,
		Logging:  c.Logging,
		Metrics:  c.Metrics,
	}
	clone.Evdev.Devices = append([]string{}, c.Evdev.Devices...)
	clone.Logging.RedactPatterns = append([]string{}, c.Logging.RedactPatterns...)
	return clone
}

// LoggingConfig converts the logging section to a logging.Config. The
// section must have passed validation.
func (c *Config) LoggingConfig() *logging.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	level, _ := logging.ParseLevel(c.Logging.Level)
	format, _ := logging.ParseFormat(c.Logging.Format)
	return &logging.Config{
		Level:          level,
		Format:         format,
		Output:         c.Logging.Output,
		FilePath:       c.Logging.FilePath,
		MaxSize:        int64(c.Logging.MaxSizeMB),
		MaxAge:         c.Logging.MaxAgeDays,
		MaxBackups:     c.Logging.MaxBackups,
		Compress:       c.Logging.Compress,
		RedactPatterns: append([]string(nil), c.Logging.RedactPatterns...),
		Component:      "keybridged",
	}
}

func defaultSocketPath() string {
	switch runtime.GOOS {
	case "windows":
		return `\\.\pipe\keybridge`
	default:
		return filepath.Join(PlatformRuntimeDir(), "keybridge.sock")
	}
}
