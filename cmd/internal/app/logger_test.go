package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLoggerTo_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newLoggerTo(&buf, "warn", "json", false)
	log.Info("dropped")
	log.Warn("store.open", "kind", "memory")

	line := strings.TrimSpace(buf.String())
	if strings.Contains(line, "dropped") {
		t.Fatalf("info record should be filtered at warn: %q", line)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("not JSON: %v (%q)", err, line)
	}
	if rec["msg"] != "store.open" || rec["kind"] != "memory" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if _, ok := rec["source"]; !ok {
		t.Fatalf("source should be attached")
	}
}

func TestNewLoggerTo_Pretty(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newLoggerTo(&buf, "debug", "PRETTY", false)
	log.Debug("ws.join", "conv_id", "c1")

	out := buf.String()
	if !strings.Contains(out, "lvl=[DEBUG]") || !strings.Contains(out, "conv_id=c1") {
		t.Fatalf("unexpected pretty output: %q", out)
	}
}
