package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewWithWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewWithWriter(buf)

	log.Info().Str("user_id", "u1").Msg("deposit initiated")

	out := buf.String()
	if !strings.Contains(out, "deposit initiated") || !strings.Contains(out, `"user_id":"u1"`) {
		t.Errorf("unexpected log output: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"bogus":   zerolog.InfoLevel,
		" error ": zerolog.ErrorLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFromContext(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := WithContext(context.Background(), NewWithWriter(buf))

	log := FromContext(ctx, Nop())
	log.Info().Msg("test")
	if buf.Len() == 0 {
		t.Error("expected log output from retrieved logger")
	}
}

func TestFromContext_Fallback(t *testing.T) {
	buf := &bytes.Buffer{}
	log := FromContext(context.Background(), NewWithWriter(buf))
	log.Info().Msg("fallback")
	if !strings.Contains(buf.String(), "fallback") {
		t.Error("expected fallback logger to be used")
	}
}

func TestComponent(t *testing.T) {
	buf := &bytes.Buffer{}
	log := Component(NewWithWriter(buf), "deposit")
	log.Info().Msg("x")
	if !strings.Contains(buf.String(), `"component":"deposit"`) {
		t.Errorf("expected component field, got %s", buf.String())
	}
}
