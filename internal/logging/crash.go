package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// CrashReport is written for every panic that reaches a CrashHandler.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Component    string         `json:"component,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashHandler turns panics into JSON crash reports and an error log line.
type CrashHandler struct {
	mu        sync.Mutex
	dir       string
	version   string
	component string
	logger    *slog.Logger
	seq       int
}

// DefaultCrashDir returns the platform-specific crash report directory.
func DefaultCrashDir() string {
	return filepath.Join(filepath.Dir(DefaultLogPath()), "crashes")
}

// NewCrashHandler returns a handler writing to dir. An empty dir means
// DefaultCrashDir().
func NewCrashHandler(dir, version, component string, logger *slog.Logger) *CrashHandler {
	if dir == "" {
		dir = DefaultCrashDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CrashHandler{dir: dir, version: version, component: component, logger: logger}
}

// Recover is deferred at the top of a goroutine. It records the panic and
// lets the goroutine return normally.
//
//	defer crashes.Recover(map[string]any{"conn": id})
func (h *CrashHandler) Recover(info map[string]any) {
	if r := recover(); r != nil {
		h.HandlePanic(r, info)
	}
}

// RecoverAndExit records a panic and exits with code. It is deferred in main.
func (h *CrashHandler) RecoverAndExit(code int) {
	if r := recover(); r != nil {
		h.HandlePanic(r, nil)
		os.Exit(code)
	}
}

// HandlePanic writes a crash report for panicValue and returns its path.
func (h *CrashHandler) HandlePanic(panicValue any, info map[string]any) string {
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprint(panicValue),
		StackTrace:   string(debug.Stack()),
		Component:    h.component,
		Context:      info,
	}

	path, err := h.write(report)
	if err != nil {
		h.logger.Error("panic recovered; crash report not written",
			"panic", report.PanicValue,
			"error", err,
			"stack", report.StackTrace,
		)
		return ""
	}
	h.logger.Error("panic recovered", "panic", report.PanicValue, "report", path)
	return path
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.MkdirAll(h.dir, 0750); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}

	h.seq++
	name := fmt.Sprintf("crash-%s-%s-%d.json",
		report.Component, report.Timestamp.Format("20060102-150405"), h.seq)
	path := filepath.Join(h.dir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports returns the stored crash reports, oldest first.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Timestamp.Before(reports[j].Timestamp)
	})
	return reports, nil
}

// Prune removes reports older than maxAge.
func (h *CrashHandler) Prune(maxAge time.Duration) error {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-maxAge)
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(file)
		}
	}
	return nil
}
