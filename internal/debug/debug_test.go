package debug

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func withBuffer(t *testing.T, lvl int) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	Init(lvl)
	t.Cleanup(func() {
		Init(LevelOff)
	})
	return &buf
}

func TestInit_OffProducesNothing(t *testing.T) {
	buf := withBuffer(t, LevelOff)

	Info("hidden %d", 1)
	Error(errors.New("hidden"))
	Tick(1, 0, 0, 0, 0)

	if buf.Len() != 0 {
		t.Errorf("level 0 should print nothing, got %q", buf.String())
	}
}

func TestLevelGating(t *testing.T) {
	buf := withBuffer(t, LevelLive)

	Info("info line")
	Live("live line")
	Verbose("verbose line")
	Tick(7, 1.5, 0.2, 10, 10)

	out := buf.String()
	if !strings.Contains(out, "[INFO] info line") {
		t.Errorf("expected info line in %q", out)
	}
	if !strings.Contains(out, "[LIVE] live line") {
		t.Errorf("expected live line in %q", out)
	}
	if strings.Contains(out, "verbose line") {
		t.Errorf("verbose should be gated at level 2, got %q", out)
	}
	if strings.Contains(out, "[TICK]") {
		t.Errorf("tick should be gated at level 2, got %q", out)
	}
}

func TestTrace_TickFormat(t *testing.T) {
	buf := withBuffer(t, LevelTrace)

	Tick(42, 1.25, -3.5, 12.5, -7)

	out := buf.String()
	if !strings.Contains(out, "#42 tilt=1.250 rate=-3.500 cmd=(12.5, -7.0)") {
		t.Errorf("unexpected tick format: %q", out)
	}
}

func TestIsEnabled(t *testing.T) {
	withBuffer(t, LevelVerbose)

	if !IsEnabled(LevelInfo) || !IsEnabled(LevelVerbose) {
		t.Error("info and verbose should be enabled at level 3")
	}
	if IsEnabled(LevelTrace) {
		t.Error("trace should not be enabled at level 3")
	}
	if Level() != LevelVerbose {
		t.Errorf("Level() = %d, want %d", Level(), LevelVerbose)
	}
}

func TestFmt_DisabledReturnsEmpty(t *testing.T) {
	withBuffer(t, LevelOff)
	if got := Fmt("x=%d", 1); got != "" {
		t.Errorf("Fmt with debug off = %q, want empty", got)
	}
}
