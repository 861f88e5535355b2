package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelDebug},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHandlerFormat(t *testing.T) {
	SetLevel("debug")
	var a, b bytes.Buffer
	log := New(&a, &b).With("call_id", "abc")
	log.Info("[Session] Started", "kind", "final-result")

	for _, out := range []string{a.String(), b.String()} {
		if !strings.Contains(out, "[INFO] [Session] Started call_id=abc kind=final-result") {
			t.Errorf("output = %q", out)
		}
		if !strings.HasSuffix(out, "\n") {
			t.Errorf("output not newline terminated: %q", out)
		}
	}
}

func TestHandlerLevelFilter(t *testing.T) {
	defer SetLevel("debug")
	SetLevel("warn")
	if GetLevel() != "warn" {
		t.Fatalf("GetLevel() = %q, want warn", GetLevel())
	}

	var buf bytes.Buffer
	log := New(&buf)
	log.Info("dropped")
	log.Warn("kept")

	if strings.Contains(buf.String(), "dropped") {
		t.Errorf("info record written at warn level: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("warn record missing: %q", buf.String())
	}
}

func TestJSONParsingWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONParsingWriter(&buf)

	in := []byte(`{"level":"debug","message":"UDP read","time":"2026-01-02T10:11:12Z","caller":"x.go:1","addr":"1.2.3.4"}` + "\n")
	n, err := w.Write(in)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != len(in) {
		t.Errorf("Write() = %d, want %d", n, len(in))
	}
	if got := buf.String(); got != "[10:11:12] [DEBUG] UDP read addr=1.2.3.4\n" {
		t.Errorf("reformatted = %q", got)
	}

	buf.Reset()
	_, _ = w.Write([]byte("plain line\n"))
	if buf.String() != "plain line\n" {
		t.Errorf("plain passthrough = %q", buf.String())
	}
}
