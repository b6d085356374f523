package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"unknown", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLevel(tt.input)
			if got != tt.expected {
				t.Errorf("ParseLevel(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn, "daemon")

	l.Infof("should not appear")
	if buf.Len() != 0 {
		t.Errorf("info message should be filtered at warn level, got: %s", buf.String())
	}

	l.Warnf("disk %s", "gone")
	out := buf.String()
	if !strings.Contains(out, "WARN daemon: disk gone") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestLoggerNamed(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug, "daemon").Named("pool")

	l.Debugf("spawned worker %d", 3)
	if !strings.Contains(buf.String(), "DEBUG pool: spawned worker 3") {
		t.Errorf("unexpected output: %q", buf.String())
	}
}
