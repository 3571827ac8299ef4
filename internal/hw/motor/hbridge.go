package motor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/BalanGo/internal/debug"
	"github.com/cjeanneret/BalanGo/internal/hw/gpio"
)

// Config holds the hardware configuration for one wheel motor.
type Config struct {
	Name         string
	PWMPin       int // hardware PWM pin (BCM 12, 13, 18 or 19)
	DirPin       int
	StandbyPin   int // TB6612 STBY pin (BCM). 0 = not used. Active HIGH.
	EncoderAPin  int
	EncoderBPin  int
	CountsPerRev int           // quadrature edges per wheel revolution
	PWMFreqHz    int           // 0 defaults to 20 kHz
	Invert       bool          // mirror mounted motor: flips both power and encoder sign
	PollInterval time.Duration // encoder polling period, 0 defaults to 100µs
}

// HBridge drives a DC gear motor through a PWM + direction H-bridge and reads
// its wheel angle from a quadrature encoder.
type HBridge struct {
	gpio  gpio.Driver
	cfg   Config
	enc   *Encoder
	power float64
}

// NewHBridge configures the pins, zeroes the output and starts the encoder
// decoder. The decoder runs until Close or ctx cancellation.
func NewHBridge(ctx context.Context, g gpio.Driver, cfg Config) (*HBridge, error) {
	if cfg.PWMFreqHz <= 0 {
		cfg.PWMFreqHz = 20000
	}
	if err := g.SetupPWM(cfg.PWMPin, cfg.PWMFreqHz); err != nil {
		return nil, fmt.Errorf("%s motor: setup pwm: %w", cfg.Name, err)
	}
	if err := g.SetupPin(cfg.DirPin, gpio.Output); err != nil {
		return nil, fmt.Errorf("%s motor: setup dir pin: %w", cfg.Name, err)
	}

	enc, err := NewEncoder(g, cfg.EncoderAPin, cfg.EncoderBPin, cfg.CountsPerRev, cfg.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("%s motor: setup encoder: %w", cfg.Name, err)
	}

	h := &HBridge{
		gpio: g,
		cfg:  cfg,
		enc:  enc,
	}

	if err := h.SetPower(0); err != nil {
		return nil, err
	}

	// TB6612 STBY: active HIGH. HIGH = enabled, LOW = standby.
	if cfg.StandbyPin > 0 {
		_ = g.SetupPin(cfg.StandbyPin, gpio.Output)
		_ = g.WritePin(cfg.StandbyPin, gpio.High) // enable by default
	}

	enc.Start(ctx)
	return h, nil
}

// SetPower applies power in [-100, 100]: the sign selects the direction pin,
// the magnitude becomes the PWM duty.
func (h *HBridge) SetPower(power float64) error {
	if math.IsNaN(power) {
		power = 0
	}
	power = Clamp(power, MaxPower)
	h.power = power
	if h.cfg.Invert {
		power = -power
	}

	dir := gpio.High
	if power < 0 {
		dir = gpio.Low
	}
	if err := h.gpio.WritePin(h.cfg.DirPin, dir); err != nil {
		return err
	}
	return h.gpio.WriteDuty(h.cfg.PWMPin, math.Abs(power)/MaxPower)
}

// Power returns the last commanded power (before inversion).
func (h *HBridge) Power() float64 {
	return h.power
}

// Position returns the wheel angle in degrees.
func (h *HBridge) Position() (float64, error) {
	deg := h.enc.Degrees()
	if h.cfg.Invert {
		deg = -deg
	}
	return deg, nil
}

// Enable takes the driver out of standby.
func (h *HBridge) Enable() error {
	if h.cfg.StandbyPin <= 0 {
		return nil
	}
	return h.gpio.WritePin(h.cfg.StandbyPin, gpio.High)
}

// Disable puts the driver in standby. Wheels freewheel.
func (h *HBridge) Disable() error {
	if h.cfg.StandbyPin <= 0 {
		return nil
	}
	return h.gpio.WritePin(h.cfg.StandbyPin, gpio.Low)
}

// Close zeroes the output, disables the driver and stops the encoder.
func (h *HBridge) Close() error {
	debug.Verbose("%s motor: closing", h.cfg.Name)
	err := h.SetPower(0)
	if derr := h.Disable(); err == nil {
		err = derr
	}
	h.enc.Close()
	return err
}
