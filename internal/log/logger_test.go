package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q)=%v, want %v", in, got, want)
		}
	}
}

func TestSetupWriterFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "WARN")

	Get().Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}

	Get().Warn("kept")
	out := decodeLine(t, &buf)
	if out["msg"] != "kept" {
		t.Errorf("msg=%v, want kept", out["msg"])
	}
}

func TestContextHelpers(t *testing.T) {
	cases := []struct {
		name  string
		build func() *slog.Logger
		key   string
		want  string
	}{
		{name: "component", build: func() *slog.Logger { return WithComponent("ingress") }, key: "component", want: "ingress"},
		{name: "source", build: func() *slog.Logger { return WithSource("github") }, key: "source", want: "github"},
		{name: "event", build: func() *slog.Logger { return WithEvent("evt-1") }, key: "event_id", want: "evt-1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			SetupWriter(&buf, "DEBUG")

			tc.build().Info("hello")
			out := decodeLine(t, &buf)
			if out[tc.key] != tc.want {
				t.Errorf("%s=%v, want %q", tc.key, out[tc.key], tc.want)
			}
		})
	}
}
