package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/keybridge/
//   - Linux:   ~/.local/share/keybridge/
//   - Windows: %APPDATA%\keybridge\
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "linux":
		return linuxDataDir()
	case "windows":
		return windowsDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/keybridge/
//   - Linux:   ~/.config/keybridge/
//   - Windows: %APPDATA%\keybridge\
func PlatformConfigDir() string {
	if dir := os.Getenv("KEYBRIDGE_CONFIG_DIR"); dir != "" {
		return dir
	}
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "linux":
		return linuxConfigDir()
	case "windows":
		return windowsDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformRuntimeDir returns the directory for the host socket.
//
// Platform paths:
//   - macOS:   /tmp/keybridge-$UID/
//   - Linux:   $XDG_RUNTIME_DIR/keybridge/ or /tmp/keybridge-$UID/
//   - Windows: (uses named pipes, not applicable)
func PlatformRuntimeDir() string {
	switch runtime.GOOS {
	case "linux":
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, "keybridge")
		}
		return filepath.Join(os.TempDir(), "keybridge-"+userID())
	case "windows":
		return ""
	default:
		return filepath.Join("/tmp", "keybridge-"+userID())
	}
}

func macOSDataDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, "Library", "Application Support", "keybridge")
}

// Linux paths follow the XDG Base Directory Specification.

func linuxDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "keybridge")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "keybridge")
}

func linuxConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "keybridge")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "keybridge")
}

func windowsDataDir() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "keybridge")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "AppData", "Roaming", "keybridge")
}

func fallbackDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".keybridge")
}

func userID() string {
	if uid := os.Getuid(); uid >= 0 {
		return strconv.Itoa(uid)
	}
	return "0"
}

// SupportedConfigFormats returns the config file extensions Load understands.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the current directory and then the config
// directory for config.<ext>. It returns "" when nothing is found.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
