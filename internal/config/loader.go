package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ErrRevisionChange is reported when a reloaded file changes wire.revision.
// The revision is fixed for the life of the process; the old config stays.
var ErrRevisionChange = errors.New("wire revision cannot change at reload")

const reloadDebounce = 100 * time.Millisecond

// Loader handles configuration loading, watching, and hot-reloading.
type Loader struct {
	path     string
	config   *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	cbMu     sync.Mutex
	onChange []func(old, new *Config)
	ctx      context.Context
	cancel   context.CancelFunc
	errChan  chan error
}

// NewLoader creates a new configuration loader. An empty path means
// ConfigPath().
func NewLoader(path string) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:    path,
		errChan: make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Path returns the watched file.
func (l *Loader) Path() string {
	return l.path
}

// Load reads, overrides and validates the configuration file.
func (l *Loader) Load() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Watch starts watching the configuration file for changes. Load must
// have succeeded first.
func (l *Loader) Watch() error {
	if l.Config() == nil {
		return errors.New("watch before load")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	l.watcher = watcher

	// Editors replace files by rename, so watch the directory.
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-l.ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(reloadDebounce, l.reload)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errChan <- err:
	default:
	}
}

// Reload re-reads the file now. It is what the watcher runs after a change.
func (l *Loader) Reload() error {
	if l.ctx.Err() != nil {
		return l.ctx.Err()
	}

	newCfg, err := Load(l.path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	l.mu.Lock()
	oldCfg := l.config
	if oldCfg != nil && oldCfg.Wire.Revision != newCfg.Wire.Revision {
		l.mu.Unlock()
		return fmt.Errorf("%w: %d -> %d", ErrRevisionChange, oldCfg.Wire.Revision, newCfg.Wire.Revision)
	}
	l.config = newCfg
	l.mu.Unlock()

	l.cbMu.Lock()
	callbacks := append([]func(old, new *Config){}, l.onChange...)
	l.cbMu.Unlock()
	for _, cb := range callbacks {
		cb(oldCfg, newCfg)
	}
	return nil
}

func (l *Loader) reload() {
	if err := l.Reload(); err != nil {
		l.report(err)
	}
}

// OnChange registers a callback invoked with the previous and the new
// configuration after a successful reload.
func (l *Loader) OnChange(cb func(old, new *Config)) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	l.onChange = append(l.onChange, cb)
}

// Errors returns a channel for receiving errors that occur during watching.
// Errors are dropped while an earlier one is unread.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Close stops the watcher and releases resources.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// loadConfigFromFile reads and parses a config file based on its extension.
// A missing file yields defaults.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = decodeTOML(data, cfg)
	case ".json":
		err = decodeJSON(data, cfg)
	case ".yaml", ".yml":
		err = decodeYAML(data, cfg)
	default:
		return autoDetectAndParse(data)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeTOML(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return fmt.Errorf("decode TOML: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return fmt.Errorf("decode TOML: unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

func decodeJSON(data []byte, cfg *Config) error {
	if err := validateJSONSchema(data); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode JSON: %w", err)
	}
	return nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode YAML: %w", err)
	}
	return nil
}

// autoDetectAndParse tries TOML, then JSON, then YAML. Each attempt starts
// from fresh defaults so a failed attempt leaves nothing behind.
func autoDetectAndParse(data []byte) (*Config, error) {
	for _, decode := range []func([]byte, *Config) error{decodeTOML, decodeJSON, decodeYAML} {
		cfg := DefaultConfig()
		if err := decode(data, cfg); err == nil {
			return cfg, nil
		}
	}
	return nil, errors.New("unable to parse config file (tried TOML, JSON, YAML)")
}

// LoadOrCreate loads path, writing a default file first if none exists.
// The boolean reports whether the file was created.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		return cfg, true, nil
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// SaveConfig writes cfg in the format named by the extension of path, TOML
// by default, with owner-only permissions.
func SaveConfig(cfg *Config, path string) error {
	snapshot := cfg.Clone()

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(snapshot, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(snapshot)
	default:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(snapshot)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
