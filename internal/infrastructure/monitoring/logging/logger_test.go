package logging

import (
	"errors"
	"testing"
	"time"
)

func TestNewNop(t *testing.T) {
	l := NewNop()
	// Must not panic on any path.
	l.Debug("d", String("k", "v"))
	l.Info("i", Int("n", 1))
	l.Warn("w", Float64("f", 0.5))
	l.Error("e", Err(errors.New("boom")))
	l.With(Bool("b", true)).Named("child").Info("nested")
}

func TestNewLogger_Defaults(t *testing.T) {
	l, err := NewLogger(LogConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.Info("hello", Duration("took", 5*time.Millisecond))
}

func TestNewLogger_Console(t *testing.T) {
	l, err := NewLogger(LogConfig{Level: "debug", Format: "console"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.Debug("visible at debug level")
}

func TestErr_Nil(t *testing.T) {
	f := Err(nil)
	if f.Key != "error" {
		t.Errorf("expected key error, got %q", f.Key)
	}
	if f.Value != "<nil>" {
		t.Errorf("expected <nil> marker, got %v", f.Value)
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("warn").String() != "warn" {
		t.Error("warn not parsed")
	}
	if parseLevel("nonsense").String() != "info" {
		t.Error("unknown level should default to info")
	}
}
