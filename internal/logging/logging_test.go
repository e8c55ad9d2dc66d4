package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
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

func TestLevelString(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil || parsed != level {
			t.Errorf("level %v did not survive its string form", level)
		}
	}
}

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings("debug", "json", "file", "/tmp/x.log", 10, 2)
	if err != nil {
		t.Fatalf("FromSettings failed: %v", err)
	}
	if cfg.Level != LevelDebug || cfg.Format != FormatJSON {
		t.Errorf("unexpected level/format: %v/%v", cfg.Level, cfg.Format)
	}
	if cfg.MaxSize != 10 || cfg.MaxBackups != 2 {
		t.Errorf("unexpected rotation settings: %d/%d", cfg.MaxSize, cfg.MaxBackups)
	}

	if _, err := FromSettings("loud", "text", "stderr", "", 1, 1); err == nil {
		t.Error("expected level error")
	}
	if _, err := FromSettings("info", "xml", "stderr", "", 1, 1); err == nil {
		t.Error("expected format error")
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer

	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	cfg.Writer = &buf

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create JSON logger: %v", err)
	}
	defer logger.Close()

	logger.WithSession("s-1").Info("session started", "events", 3)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	if record["component"] != "proctord" {
		t.Errorf("missing component: %v", record)
	}
	if record["session_id"] != "s-1" {
		t.Errorf("missing session id: %v", record)
	}
	if record["msg"] != "session started" {
		t.Errorf("unexpected message: %v", record["msg"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer

	cfg := DefaultConfig()
	cfg.Level = LevelWarn
	cfg.Writer = &buf

	logger, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	logger.Info("hidden")
	logger.WithComponent("ws").Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record should be filtered")
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "component=ws") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "proctord.log")

	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = path

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create file logger: %v", err)
	}
	logger.Info("to file")
	if err := logger.Sync(); err != nil {
		t.Errorf("sync failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("unexpected file contents: %s", data)
	}
}

func TestFileRotatorRotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	cfg := &Config{
		FilePath:   logPath,
		MaxSize:    1,
		MaxBackups: 2,
	}

	rotator, err := NewFileRotator(cfg)
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}

	// Each write fills most of the 1 MB limit, forcing a rotation per write.
	chunk := bytes.Repeat([]byte("x"), 700*1024)
	for i := 0; i < 5; i++ {
		if _, err := rotator.Write(chunk); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}
	if err := rotator.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	files, err := rotator.LogFiles()
	if err != nil {
		t.Fatalf("failed to list log files: %v", err)
	}
	if files[0] != logPath {
		t.Errorf("current file should come first, got %s", files[0])
	}
	if backups := len(files) - 1; backups > 2 || backups == 0 {
		t.Errorf("expected 1-2 backups, got %d: %v", backups, files)
	}

	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Errorf("current file should hold one chunk, has %d bytes", info.Size())
	}
}

func TestRecover(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Writer = &buf
	logger, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	var got error
	func() {
		defer Recover(logger.Logger, "test.op", func(err error) { got = err })
		panic("boom")
	}()

	var perr *PanicError
	if !errors.As(got, &perr) {
		t.Fatalf("expected PanicError, got %v", got)
	}
	if perr.Value != "boom" || len(perr.Stack) == 0 {
		t.Errorf("unexpected panic error: %+v", perr)
	}
	if !strings.Contains(buf.String(), "op=test.op") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestRecoverWithoutPanic(t *testing.T) {
	called := false
	func() {
		defer Recover(nil, "noop", func(error) { called = true })
	}()
	if called {
		t.Error("callback should not run without a panic")
	}
}
