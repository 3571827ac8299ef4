package gpio

import (
	"sync"
	"testing"
)

func TestMockDriver_ReadReturnsLastWrite(t *testing.T) {
	m := &MockDriver{}

	if lvl, _ := m.ReadPin(4); lvl != Low {
		t.Errorf("untouched pin = %v, want Low", lvl)
	}
	if err := m.WritePin(4, High); err != nil {
		t.Fatalf("WritePin: %v", err)
	}
	if lvl, _ := m.ReadPin(4); lvl != High {
		t.Errorf("pin after write = %v, want High", lvl)
	}
}

func TestMockDriver_PWM(t *testing.T) {
	m := &MockDriver{}

	if err := m.SetupPWM(18, 20000); err != nil {
		t.Fatalf("SetupPWM: %v", err)
	}
	if err := m.WriteDuty(18, 0.42); err != nil {
		t.Fatalf("WriteDuty: %v", err)
	}
	if got := m.Duty(18); got != 0.42 {
		t.Errorf("Duty = %v, want 0.42", got)
	}
}

func TestMockDriver_PWMValidation(t *testing.T) {
	m := &MockDriver{}

	if err := m.SetupPWM(18, 0); err == nil {
		t.Error("expected error for zero frequency")
	}
	for _, d := range []float64{-0.1, 1.01} {
		if err := m.WriteDuty(18, d); err == nil {
			t.Errorf("expected error for duty %v", d)
		}
	}
}

func TestMockDriver_ConcurrentAccess(t *testing.T) {
	m := &MockDriver{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(pin int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = m.WritePin(pin, j%2 == 0)
				_, _ = m.ReadPin(pin)
			}
		}(i)
	}
	wg.Wait()
}

func TestNewDriver_Mock(t *testing.T) {
	d, err := NewDriver(true)
	if err != nil {
		t.Fatalf("NewDriver(mock): %v", err)
	}
	if _, ok := d.(*MockDriver); !ok {
		t.Errorf("NewDriver(true) returned %T, want *MockDriver", d)
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
