package motor

import (
	"context"
	"testing"
	"time"

	"github.com/cjeanneret/BalanGo/internal/hw/gpio"
)

// drive walks the AB channels through the given 2-bit states, polling after each.
func drive(t *testing.T, e *Encoder, drv *recordingDriver, states ...uint8) {
	t.Helper()
	for _, s := range states {
		drv.set(e.pinA, s&2 != 0)
		drv.set(e.pinB, s&1 != 0)
		if err := e.Poll(); err != nil {
			t.Fatalf("Poll: %v", err)
		}
	}
}

func TestEncoder_ForwardCounts(t *testing.T) {
	drv := newRecordingDriver()
	e, err := NewEncoder(drv, 20, 21, 4, time.Hour)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}

	drive(t, e, drv, 1, 3, 2, 0) // one full quadrature cycle

	if e.Count() != 4 {
		t.Errorf("Count = %d, want 4", e.Count())
	}
	if e.Degrees() != 360 {
		t.Errorf("Degrees = %v, want 360", e.Degrees())
	}
}

func TestEncoder_BackwardCounts(t *testing.T) {
	drv := newRecordingDriver()
	e, _ := NewEncoder(drv, 20, 21, 8, time.Hour)

	drive(t, e, drv, 2, 3, 1, 0)

	if e.Count() != -4 {
		t.Errorf("Count = %d, want -4", e.Count())
	}
	if e.Degrees() != -180 {
		t.Errorf("Degrees = %v, want -180", e.Degrees())
	}
}

func TestEncoder_InvalidTransitionIgnored(t *testing.T) {
	drv := newRecordingDriver()
	e, _ := NewEncoder(drv, 20, 21, 4, time.Hour)

	drive(t, e, drv, 3, 0) // 00 -> 11 -> 00 skips a state both times

	if e.Count() != 0 {
		t.Errorf("Count = %d, want 0", e.Count())
	}
}

func TestEncoder_NoChangeNoCount(t *testing.T) {
	drv := newRecordingDriver()
	e, _ := NewEncoder(drv, 20, 21, 4, time.Hour)

	drive(t, e, drv, 0, 0, 0)

	if e.Count() != 0 {
		t.Errorf("Count = %d, want 0", e.Count())
	}
}

func TestEncoder_Reset(t *testing.T) {
	drv := newRecordingDriver()
	e, _ := NewEncoder(drv, 20, 21, 4, time.Hour)
	drive(t, e, drv, 1, 3)

	e.Reset()

	if e.Count() != 0 {
		t.Errorf("Count after Reset = %d, want 0", e.Count())
	}
}

func TestEncoder_PinsSetupWithPullUp(t *testing.T) {
	drv := newRecordingDriver()
	if _, err := NewEncoder(drv, 20, 21, 4, time.Hour); err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if len(drv.callsFor("setup", 20)) != 1 || len(drv.callsFor("setup", 21)) != 1 {
		t.Error("both encoder pins should be set up once")
	}
}

func TestEncoder_StartAndClose(t *testing.T) {
	drv := newRecordingDriver()
	e, _ := NewEncoder(drv, 20, 21, 4, 50*time.Microsecond)
	drv.set(20, gpio.Low)
	drv.set(21, gpio.High) // state 01: one forward edge from 00

	e.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for e.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	e.Close()

	if e.Count() != 1 {
		t.Errorf("Count = %d, want 1", e.Count())
	}
}
