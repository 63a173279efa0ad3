package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"ERROR", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelStringRoundTrip(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		got, err := ParseLevel(LevelString(level))
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", LevelString(level), err)
		}
		if got != level {
			t.Errorf("round trip of %v gave %v", level, got)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(json) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if cfg.Component != "keybridge" {
		t.Errorf("expected component keybridge, got %s", cfg.Component)
	}
	if !strings.HasSuffix(cfg.FilePath, "keybridged.log") {
		t.Errorf("unexpected default log path %s", cfg.FilePath)
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"password", true},
		{"PASSWORD", true},
		{"api_key", true},
		{"auth_token", true},
		{"private_key", true},
		{"cookie", true},
		{"logical_key", false},
		{"physical", false},
		{"tracker_keys", false},
		{"field_id", false},
		{"conn", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			if got := shouldRedact(test.key); got != test.expected {
				t.Errorf("shouldRedact(%q) = %v, expected %v", test.key, got, test.expected)
			}
		})
	}
}

func TestRedactPatterns(t *testing.T) {
	if _, err := newRedactor([]string{"("}); err == nil {
		t.Fatal("expected error for invalid pattern")
	}

	r, err := newRedactor([]string{`^peer_(uid|pid)$`})
	if err != nil {
		t.Fatal(err)
	}
	if !r.match("peer_uid") {
		t.Error("peer_uid should be redacted")
	}
	if r.match("peer_gid") {
		t.Error("peer_gid should not be redacted")
	}
}

func TestFileOutputJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "k.log")
	logger, err := New(&Config{
		Level:          LevelDebug,
		Format:         FormatJSON,
		Output:         "file",
		FilePath:       path,
		MaxSize:        1,
		RedactPatterns: []string{"^peer_uid$"},
		Component:      "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.WithConn(7).Info("hello", "password", "hunter2", "peer_uid", 1000, "kind", "down")
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, data)
	}
	if rec["component"] != "test" {
		t.Errorf("component = %v", rec["component"])
	}
	if rec["conn"] != float64(7) {
		t.Errorf("conn = %v", rec["conn"])
	}
	if rec["password"] != "[REDACTED]" || rec["peer_uid"] != "[REDACTED]" {
		t.Errorf("sensitive values not redacted: %v", rec)
	}
	if rec["kind"] != "down" {
		t.Errorf("kind = %v", rec["kind"])
	}
}

func TestSetLevelAppliesToChildren(t *testing.T) {
	path := filepath.Join(t.TempDir(), "k.log")
	logger, err := New(&Config{Level: LevelWarn, Output: "file", FilePath: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	child := logger.WithComponent("ipc")

	child.Info("dropped")
	logger.SetLevel(LevelDebug)
	if logger.Level() != LevelDebug {
		t.Errorf("Level = %v", logger.Level())
	}
	child.Debug("kept")
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "dropped") {
		t.Error("info record written below warn level")
	}
	if !strings.Contains(string(data), "kept") {
		t.Error("debug record missing after SetLevel")
	}
}

func TestSetDefaultInstallsSlogDefault(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	logger, err := New(&Config{Output: "stdout", Component: "x"})
	if err != nil {
		t.Fatal(err)
	}
	SetDefault(logger)

	if Default() != logger {
		t.Error("Default did not return the installed logger")
	}
	if slog.Default() != logger.Slog() {
		t.Error("slog default not replaced")
	}
}

func TestFileRotatorRotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	cfg := &Config{
		FilePath:   logPath,
		MaxSize:    1,
		MaxBackups: 2,
		MaxAge:     7,
		Compress:   false,
	}

	rotator, err := NewFileRotator(cfg)
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}

	line := []byte(strings.Repeat("x", 1023) + "\n")
	for i := 0; i < 1024*3+10; i++ {
		if _, err := rotator.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := rotator.Close(); err != nil {
		t.Fatal(err)
	}

	backups, err := rotator.Backups()
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 2 {
		t.Errorf("expected 2 backups after pruning, got %d: %v", len(backups), backups)
	}

	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() > 1024*1024 {
		t.Errorf("current log exceeds max size: %d", info.Size())
	}
}

func TestFileRotatorCompress(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "c.log")
	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxSize: 1, MaxBackups: 5, Compress: true})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := rotator.Write([]byte("before rotation\n")); err != nil {
		t.Fatal(err)
	}
	if err := rotator.Rotate(); err != nil {
		t.Fatal(err)
	}
	if err := rotator.Close(); err != nil {
		t.Fatal(err)
	}

	backups, err := rotator.Backups()
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 1 || !strings.HasSuffix(backups[0], ".log.gz") {
		t.Errorf("expected one gzip backup, got %v", backups)
	}
}

func TestCrashHandler(t *testing.T) {
	dir := t.TempDir()
	handler := NewCrashHandler(dir, "1.0.0", "test", slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	path := handler.HandlePanic("test panic value", map[string]any{"conn": 3})
	if path == "" {
		t.Fatal("no crash report path returned")
	}

	reports, err := handler.Reports()
	if err != nil {
		t.Fatalf("failed to get crash reports: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}
	report := reports[0]
	if report.PanicValue != "test panic value" {
		t.Errorf("panic value = %q", report.PanicValue)
	}
	if report.Version != "1.0.0" || report.Component != "test" {
		t.Errorf("unexpected report header: %+v", report)
	}
	if report.Context["conn"] != float64(3) {
		t.Errorf("context = %v", report.Context)
	}
}

func TestCrashHandlerRecover(t *testing.T) {
	handler := NewCrashHandler(t.TempDir(), "1.0.0", "test", slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer handler.Recover(map[string]any{"goroutine": "test"})
		panic("intentional test panic")
	}()
	<-done

	reports, _ := handler.Reports()
	if len(reports) != 1 {
		t.Fatalf("expected a report for the recovered panic, got %d", len(reports))
	}

	if err := handler.Prune(-time.Second); err != nil {
		t.Fatal(err)
	}
	reports, _ = handler.Reports()
	if len(reports) != 0 {
		t.Errorf("expected prune to remove all reports, got %d", len(reports))
	}
}
