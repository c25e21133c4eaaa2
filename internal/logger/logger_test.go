package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"Error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestModuleFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)
	m := l.Module("Pool")

	m.Debug("hidden %d", 1)
	m.Info("hidden %d", 2)
	m.Warn("shown %d", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug/info leaked: %q", out)
	}
	if !strings.Contains(out, "[WARN] [Pool] shown 3") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestNilModuleIsSafe(t *testing.T) {
	var m *Module
	m.Error("no panic")
}

func TestSilentDropsErrors(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, true)
	l.Error("X", "boom")
	if buf.Len() != 0 {
		t.Fatalf("silent logger wrote %q", buf.String())
	}
}
