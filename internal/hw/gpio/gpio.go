package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/BalanGo/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
	InputPullUp
)

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	// SetupPWM configures pin as a hardware PWM output at freqHz.
	SetupPWM(pin int, freqHz int) error
	// WriteDuty sets the PWM duty cycle of pin, duty in [0, 1].
	WriteDuty(pin int, duty float64) error
	Close() error
}

// MockDriver is a development implementation that logs actions and remembers
// the last level and duty written to each pin. ReadPin returns the last
// level written (Low for untouched pins).
// It is safe for concurrent use: the encoder decoder polls pins from its own
// goroutine.
type MockDriver struct {
	mu     sync.Mutex
	levels map[int]Level
	duties map[int]float64
}

// NewDriver creates a GPIO driver based on the chosen mode.
// If mock is true, returns a MockDriver (for dev/test).
// If mock is false, returns a real RPiDriver (for Raspberry Pi).
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return &MockDriver{}, nil
	}
	return NewRPiRealDriver()
}

func (m *MockDriver) init() {
	if m.levels == nil {
		m.levels = make(map[int]Level)
		m.duties = make(map[int]float64)
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.levels[pin] = level
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return m.levels[pin], nil
}

func (m *MockDriver) SetupPWM(pin int, freqHz int) error {
	debug.GPIO("SetupPWM", pin, freqHz)
	if freqHz <= 0 {
		return fmt.Errorf("pwm frequency must be > 0, got %d", freqHz)
	}
	return nil
}

func (m *MockDriver) WriteDuty(pin int, duty float64) error {
	debug.GPIO("WriteDuty", pin, duty)
	if duty < 0 || duty > 1 {
		return fmt.Errorf("duty must be in [0, 1], got %g", duty)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.duties[pin] = duty
	return nil
}

// Duty returns the last duty cycle written to pin.
func (m *MockDriver) Duty(pin int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return m.duties[pin]
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
