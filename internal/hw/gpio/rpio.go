package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/BalanGo/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// pwmCycleLen is the PWM period in clock ticks; duty resolution is 1/pwmCycleLen.
const pwmCycleLen = 100

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
// Pin state is memory mapped; the map is guarded because the encoder decoder
// and the control loop touch different pins from different goroutines.
type RPiDriver struct {
	mu     sync.Mutex
	pins   map[int]rpio.Pin
	pwm    map[int]bool
	closed bool
}

// ErrClosed is returned by every call made after Close unmapped the GPIO
// memory.
var ErrClosed = errors.New("gpio: driver closed")

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		pins: make(map[int]rpio.Pin),
		pwm:  make(map[int]bool),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return r.setupLocked(pin, mode)
}

func (r *RPiDriver) setupLocked(pin int, mode PinMode) error {
	p := rpio.Pin(pin)
	r.pins[pin] = p

	switch mode {
	case Input:
		p.Input()
	case InputPullUp:
		p.Input()
		p.PullUp()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}

	return nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	p, ok := r.pins[pin]
	if !ok {
		// Pin not setup yet, setup as output
		if err := r.setupLocked(pin, Output); err != nil {
			return err
		}
		p = r.pins[pin]
	}

	if level == High {
		p.High()
	} else {
		p.Low()
	}

	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Low, ErrClosed
	}
	p, ok := r.pins[pin]
	if !ok {
		// Pin not setup yet, setup as input
		if err := r.setupLocked(pin, Input); err != nil {
			return Low, err
		}
		p = r.pins[pin]
	}

	if p.Read() == rpio.High {
		return High, nil
	}
	return Low, nil
}

// SetupPWM switches pin to hardware PWM (BCM 12, 13, 18 or 19) at freqHz.
func (r *RPiDriver) SetupPWM(pin int, freqHz int) error {
	debug.GPIO("SetupPWM", pin, freqHz)

	if freqHz <= 0 {
		return fmt.Errorf("pwm frequency must be > 0, got %d", freqHz)
	}
	switch pin {
	case 12, 13, 18, 19:
	default:
		return fmt.Errorf("pin %d has no hardware PWM channel", pin)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	p := rpio.Pin(pin)
	p.Pwm()
	p.Freq(freqHz * pwmCycleLen)
	p.DutyCycle(0, pwmCycleLen)
	r.pins[pin] = p
	r.pwm[pin] = true
	return nil
}

func (r *RPiDriver) WriteDuty(pin int, duty float64) error {
	debug.GPIO("WriteDuty", pin, duty)

	if duty < 0 || duty > 1 {
		return fmt.Errorf("duty must be in [0, 1], got %g", duty)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	p, ok := r.pins[pin]
	if !ok || !r.pwm[pin] {
		return fmt.Errorf("pin %d is not configured for PWM", pin)
	}

	p.DutyCycle(uint32(duty*pwmCycleLen+0.5), pwmCycleLen)
	return nil
}

func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	// Stop PWM outputs and reset all pins to input (safe state)
	for pin, p := range r.pins {
		if r.pwm[pin] {
			p.DutyCycle(0, pwmCycleLen)
		}
		debug.Verbose("Resetting pin %d to input", pin)
		p.Input()
	}

	return rpio.Close()
}
