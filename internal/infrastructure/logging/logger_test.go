package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/angeruPpb/esp-manager/internal/infrastructure/config"
)

func TestNew_Formats(t *testing.T) {
	for _, format := range []string{"json", "text", ""} {
		t.Run(format, func(t *testing.T) {
			logger := New(config.LoggingConfig{Level: "info", Format: format, Output: "stderr"}, "1.0.0")
			if logger == nil {
				t.Fatal("expected non-nil logger")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNewWithWriter_DefaultFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, "test", &buf)
	logger.Component("bridge").Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON output: %v", err)
	}

	want := map[string]string{
		"msg":       "test message",
		"service":   "espmanager",
		"version":   "test",
		"component": "bridge",
		"key":       "value",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %q", k, entry[k], v)
		}
	}
}

func TestNewWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "warn", Format: "text"}, "test", &buf)

	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("info record written at warn level")
	}
	if !strings.Contains(out, "kept") {
		t.Error("warn record missing")
	}
}

func TestSecret(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"esp32_0123456789abcdef0123456789abcdef", "esp32_0123..."},
		{"short", "*****"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Secret(tt.in); got != tt.want {
			t.Errorf("Secret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDefault(t *testing.T) {
	if Default() == nil {
		t.Fatal("expected non-nil default logger")
	}
}
