package gyro

import (
	"fmt"
	"strings"

	"github.com/cjeanneret/BalanGo/internal/debug"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// MPU-6050 registers.
const (
	regGyroConfig = 0x1B
	regGyroXOutH  = 0x43
	regPwrMgmt1   = 0x6B
	regWhoAmI     = 0x75

	// DefaultAddress is the I2C address with AD0 tied low.
	DefaultAddress = 0x68
)

// lsbPerDps is the sensitivity for each FS_SEL full-scale range
// (±250, ±500, ±1000, ±2000 °/s).
var lsbPerDps = [4]float64{131.0, 65.5, 32.8, 16.4}

// Config selects the bus, the axis aligned with the wheel axle and the range.
type Config struct {
	Bus     string // I2C bus name for i2creg, "" = first available
	Address uint16
	Axis    string // "x", "y" or "z"
	Range   byte   // FS_SEL 0-3
	Invert  bool
}

// Registers is the register-level access MPU6050 needs. *i2c.Dev satisfies it.
type Registers interface {
	Tx(w, r []byte) error
}

// MPU6050 reads one rate axis of an InvenSense MPU-6050 over I2C.
type MPU6050 struct {
	dev    Registers
	closer func() error
	axis   int
	scale  float64
	invert bool
}

// OpenMPU6050 initializes the periph host drivers, opens the I2C bus and
// configures the sensor.
func OpenMPU6050(cfg Config) (*MPU6050, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("gyro: periph host init: %w", err)
	}

	bus, err := i2creg.Open(cfg.Bus)
	if err != nil {
		return nil, fmt.Errorf("gyro: open i2c bus %q: %w", cfg.Bus, err)
	}

	if cfg.Address == 0 {
		cfg.Address = DefaultAddress
	}
	dev := &i2c.Dev{Addr: cfg.Address, Bus: bus}

	m, err := NewMPU6050(dev, cfg)
	if err != nil {
		_ = bus.Close()
		return nil, err
	}
	m.closer = bus.Close
	debug.Info("Gyro: MPU-6050 at 0x%02x on %s, axis %s, range %d", cfg.Address, bus, cfg.Axis, cfg.Range)
	return m, nil
}

// NewMPU6050 configures a sensor reachable through dev.
func NewMPU6050(dev Registers, cfg Config) (*MPU6050, error) {
	axis := 0
	switch strings.ToLower(cfg.Axis) {
	case "x":
		axis = 0
	case "", "y":
		axis = 1
	case "z":
		axis = 2
	default:
		return nil, fmt.Errorf("gyro: unknown axis %q", cfg.Axis)
	}
	if cfg.Range > 3 {
		return nil, fmt.Errorf("gyro: range must be 0-3, got %d", cfg.Range)
	}

	id := make([]byte, 1)
	if err := dev.Tx([]byte{regWhoAmI}, id); err != nil {
		return nil, fmt.Errorf("gyro: read WHO_AM_I: %w", err)
	}
	debug.Verbose("Gyro: WHO_AM_I = 0x%02x", id[0])

	// Wake up (clear SLEEP), clock from gyro X PLL.
	if err := dev.Tx([]byte{regPwrMgmt1, 0x01}, nil); err != nil {
		return nil, fmt.Errorf("gyro: wake: %w", err)
	}
	if err := dev.Tx([]byte{regGyroConfig, cfg.Range << 3}, nil); err != nil {
		return nil, fmt.Errorf("gyro: set range: %w", err)
	}

	return &MPU6050{
		dev:    dev,
		axis:   axis,
		scale:  lsbPerDps[cfg.Range],
		invert: cfg.Invert,
	}, nil
}

// Rate returns the configured axis rate in degrees per second.
func (m *MPU6050) Rate() (float64, error) {
	buf := make([]byte, 6)
	if err := m.dev.Tx([]byte{regGyroXOutH}, buf); err != nil {
		return 0, fmt.Errorf("gyro: read rate: %w", err)
	}
	raw := int16(uint16(buf[2*m.axis])<<8 | uint16(buf[2*m.axis+1]))
	rate := float64(raw) / m.scale
	if m.invert {
		rate = -rate
	}
	return rate, nil
}

// Close releases the I2C bus.
func (m *MPU6050) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer()
}
