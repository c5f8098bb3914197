package logging

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewWriter(t *testing.T) {
	if w := newWriter(&Config{}); w != os.Stdout {
		t.Error("expected stdout without a log file")
	}

	path := filepath.Join(t.TempDir(), "portal.log")
	w := newWriter(&Config{File: path, MaxSizeMB: 1})
	lj, ok := w.(*lumberjack.Logger)
	if !ok {
		t.Fatalf("expected a lumberjack logger, got %T", w)
	}
	if lj.Filename != path {
		t.Errorf("unexpected filename %s", lj.Filename)
	}
}

func TestInit_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portal.log")
	if err := Init(&Config{Level: "info", Format: "json", File: path, MaxSizeMB: 1}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	Info("document added", Doc("abc123"), App("com.example.App"))
	_ = Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), `"doc_id":"abc123"`) {
		t.Errorf("log file missing structured field: %s", data)
	}

	// Restore stdout logging for other tests in the package
	_ = Init(&Config{Level: "info", Format: "text"})
}

func TestInit_FieldsAndStdlibRedirect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portal.log")
	if err := Init(&Config{Level: "info", Format: "json", File: path, MaxSizeMB: 1}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	Info("permissions granted", Strings("perms", []string{"read", "write"}), Bool("auto_unmount", true))
	log.Print("2024/01/02 03:04:05 fuse: writer: short write")
	_ = Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	out := string(data)
	for _, want := range []string{
		`"perms":["read","write"]`,
		`"auto_unmount":true`,
		`"source":"stdlib"`,
		`fuse: writer: short write`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log file missing %s: %s", want, out)
		}
	}
	if strings.Contains(out, "2024/01/02") {
		t.Errorf("stdlib timestamp not stripped: %s", out)
	}

	_ = Init(&Config{Level: "info", Format: "text"})
}
