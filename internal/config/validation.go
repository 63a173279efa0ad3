package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/godbus/dbus/v5"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning reports whether this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	// Input devices may be plugged in after the daemon starts.
	return strings.HasPrefix(e.Field, "evdev.devices")
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is makes errors.Is(err, ErrInvalidConfig) hold for validation failures.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// ValidateConfig returns the error-level issues of Check, or nil.
func ValidateConfig(c *Config) error {
	if errs := Check(c).Errors(); len(errs) > 0 {
		return errs
	}
	return nil
}

// Check returns every validation issue, warnings included.
func Check(c *Config) ValidationErrors {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateWire(&c.Wire)...)
	errs = append(errs, validateKeyboard(&c.Keyboard)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateDBus(&c.DBus)...)
	errs = append(errs, validateJournal(&c.Journal)...)
	errs = append(errs, validateEvdev(&c.Evdev)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	return errs
}

func validateWire(w *WireConfig) ValidationErrors {
	if w.Revision == 1 || w.Revision == 2 {
		return nil
	}
	return ValidationErrors{{
		Field:   "wire.revision",
		Message: fmt.Sprintf("unsupported revision %d (valid: 1, 2)", w.Revision),
	}}
}

func validateKeyboard(k *KeyboardConfig) ValidationErrors {
	if k.QueueSize < 1 || k.QueueSize > 65536 {
		return ValidationErrors{*RangeError("keyboard.queue_size", 1, 65536)}
	}
	return nil
}

var permissionsPattern = regexp.MustCompile(`^0[0-7]{3}$`)

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required when IPC is enabled",
		})
	}

	if i.Permissions != "" && !permissionsPattern.MatchString(i.Permissions) {
		errs = append(errs, ValidationError{
			Field:   "ipc.permissions",
			Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", i.Permissions),
		})
	}

	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}

	if i.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	return errs
}

var busNamePattern = regexp.MustCompile(`^[A-Za-z_-][A-Za-z0-9_-]*(\.[A-Za-z_-][A-Za-z0-9_-]*)+$`)

func validateDBus(d *DBusConfig) ValidationErrors {
	var errs ValidationErrors

	if !d.Enabled {
		return errs
	}

	switch d.Bus {
	case "session", "system":
	default:
		errs = append(errs, ValidationError{
			Field:   "dbus.bus",
			Message: fmt.Sprintf("invalid bus: %s (valid: session, system)", d.Bus),
		})
	}

	if len(d.BusName) > 255 || !busNamePattern.MatchString(d.BusName) {
		errs = append(errs, ValidationError{
			Field:   "dbus.bus_name",
			Message: fmt.Sprintf("invalid well-known bus name: %q", d.BusName),
		})
	}

	if !dbus.ObjectPath(d.ObjectPath).IsValid() {
		errs = append(errs, ValidationError{
			Field:   "dbus.object_path",
			Message: fmt.Sprintf("invalid object path: %q", d.ObjectPath),
		})
	}

	return errs
}

func validateJournal(j *JournalConfig) ValidationErrors {
	var errs ValidationErrors

	if !j.Enabled {
		return errs
	}

	if j.Path == "" {
		errs = append(errs, *RequiredFieldError("journal.path"))
	}
	if j.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "journal.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	return errs
}

func validateEvdev(e *EvdevConfig) ValidationErrors {
	var errs ValidationErrors
	for i, dev := range e.Devices {
		field := fmt.Sprintf("evdev.devices[%d]", i)
		if dev == "" {
			errs = append(errs, ValidationError{Field: field, Message: "device path cannot be empty"})
			continue
		}
		if _, err := os.Stat(dev); err != nil {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("device not present: %s", dev)})
		}
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %q (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	for i, p := range l.RedactPatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("logging.redact_patterns[%d]", i),
				Message: err.Error(),
			})
		}
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if !m.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
		return ValidationErrors{{
			Field:   "metrics.listen_addr",
			Message: fmt.Sprintf("invalid listen address %q: %v", m.ListenAddr, err),
		}}
	}
	return nil
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
