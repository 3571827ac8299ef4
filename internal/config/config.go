package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/BalanGo/internal/balance"
	"github.com/cjeanneret/BalanGo/internal/hw/gyro"
	"github.com/cjeanneret/BalanGo/internal/hw/motor"
	"github.com/cjeanneret/BalanGo/internal/sim"
	"github.com/cjeanneret/BalanGo/internal/supervisor"
	"github.com/cjeanneret/BalanGo/internal/telemetry"
)

// MaxConfigFileBytes bounds the size of a config file.
const MaxConfigFileBytes = 1 << 20

// ConfigDir is the only directory config files are read from.
const ConfigDir = "configs"

// MotorConfig holds the pins of one wheel motor (TB6612-style driver).
type MotorConfig struct {
	PWMPin       int  `yaml:"pwm_pin"`
	DirPin       int  `yaml:"dir_pin"`
	StandbyPin   int  `yaml:"standby_pin"` // 0 = not used
	EncoderAPin  int  `yaml:"encoder_a_pin"`
	EncoderBPin  int  `yaml:"encoder_b_pin"`
	CountsPerRev int  `yaml:"counts_per_rev"`
	PWMFreqHz    int  `yaml:"pwm_freq_hz"`
	Invert       bool `yaml:"invert"` // mirror mounted motor
}

// GyroConfig selects the MPU-6050 axis aligned with the wheel axle.
type GyroConfig struct {
	Bus     string `yaml:"bus"`     // "" = first I2C bus
	Address uint16 `yaml:"address"` // default 0x68
	Axis    string `yaml:"axis"`    // x, y or z
	Range   int    `yaml:"range"`   // FS_SEL 0-3
	Invert  bool   `yaml:"invert"`
}

// BuzzerConfig is the piezo pin. 0 = silent.
type BuzzerConfig struct {
	Pin int `yaml:"pin"`
}

// RobotConfig holds the body dimensions.
type RobotConfig struct {
	WheelDiameterCm float64 `yaml:"wheel_diameter_cm"`
}

// BalanceConfig tunes the control loop.
type BalanceConfig struct {
	PeriodMs          int           `yaml:"period_ms"`
	FallAngleDeg      float64       `yaml:"fall_angle_deg"`
	MaxPower          float64       `yaml:"max_power"`
	MaxSensorFaults   int           `yaml:"max_sensor_faults"`
	SaturationLimitMs int           `yaml:"saturation_limit_ms"` // 0 disables the saturation check
	Gains             balance.Gains `yaml:"gains"`
}

// CalibrationConfig tunes the startup gyro calibration.
type CalibrationConfig struct {
	SettleMs    int     `yaml:"settle_ms"`
	IntervalMs  int     `yaml:"interval_ms"`
	Samples     int     `yaml:"samples"`
	MaxSpread   float64 `yaml:"max_spread"` // deg/s
	MaxAttempts int     `yaml:"max_attempts"`
}

// CountdownConfig is the audible warning before the wheels move.
type CountdownConfig struct {
	Steps      int `yaml:"steps"`
	IntervalMs int `yaml:"interval_ms"`
	ToneHz     int `yaml:"tone_hz"`
	ToneMs     int `yaml:"tone_ms"`
}

// TelemetryConfig enables MQTT telemetry when MQTT.Broker is set.
type TelemetryConfig struct {
	EveryTicks int              `yaml:"every_ticks"`
	MQTT       telemetry.Config `yaml:"mqtt"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel   int  `yaml:"debug_level"`   // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockHardware bool `yaml:"mock_hardware"` // simulated robot instead of GPIO/I2C
}

// Config aggregates all application configuration.
type Config struct {
	LeftMotor   MotorConfig       `yaml:"left_motor"`
	RightMotor  MotorConfig       `yaml:"right_motor"`
	Gyro        GyroConfig        `yaml:"gyro"`
	Buzzer      BuzzerConfig      `yaml:"buzzer"`
	Robot       RobotConfig       `yaml:"robot"`
	Balance     BalanceConfig     `yaml:"balance"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Countdown   CountdownConfig   `yaml:"countdown"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Sim         sim.Config        `yaml:"sim"`
	Defaults    DefaultsConfig    `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files directly under a configs/
// directory and rejects any path containing "..".
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, elem := range strings.Split(filepath.ToSlash(path), "/") {
		if elem == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != ConfigDir {
		return fmt.Errorf("config path %q must be inside a %s/ directory", path, ConfigDir)
	}
	return nil
}

// Load reads a YAML file, fills defaults and validates the configuration.
// Unknown keys are ignored.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file is %d bytes, limit is %d", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Robot.WheelDiameterCm <= 0 {
		c.Robot.WheelDiameterCm = 5.6 // NXT wheel
	}

	b := &c.Balance
	if b.PeriodMs <= 0 {
		b.PeriodMs = 10
	}
	if b.FallAngleDeg == 0 {
		b.FallAngleDeg = 45
	}
	if b.MaxPower == 0 {
		b.MaxPower = motor.MaxPower
	}
	if b.MaxSensorFaults <= 0 {
		b.MaxSensorFaults = 5
	}
	if b.SaturationLimitMs == 0 {
		b.SaturationLimitMs = 1000
	}
	if b.Gains == (balance.Gains{}) {
		b.Gains = balance.DefaultGains()
	}

	cal := &c.Calibration
	def := balance.DefaultCalibrationConfig()
	if cal.SettleMs <= 0 {
		cal.SettleMs = int(def.SettleDelay / time.Millisecond)
	}
	if cal.IntervalMs <= 0 {
		cal.IntervalMs = int(def.SampleInterval / time.Millisecond)
	}
	if cal.Samples <= 0 {
		cal.Samples = def.Samples
	}
	if cal.MaxSpread == 0 {
		cal.MaxSpread = def.MaxSpread
	}
	if cal.MaxAttempts <= 0 {
		cal.MaxAttempts = def.MaxAttempts
	}

	cd := &c.Countdown
	dcd := supervisor.DefaultCountdown()
	if cd.Steps <= 0 {
		cd.Steps = dcd.Steps
	}
	if cd.IntervalMs <= 0 {
		cd.IntervalMs = int(dcd.Interval / time.Millisecond)
	}
	if cd.ToneHz <= 0 {
		cd.ToneHz = dcd.ToneHz
	}
	if cd.ToneMs <= 0 {
		cd.ToneMs = int(dcd.ToneDuration / time.Millisecond)
	}

	if c.Telemetry.EveryTicks <= 0 {
		c.Telemetry.EveryTicks = 10
	}

	if c.Gyro.Address == 0 {
		c.Gyro.Address = gyro.DefaultAddress
	}
	if c.Gyro.Axis == "" {
		c.Gyro.Axis = "y"
	}

	if c.Sim == (sim.Config{}) {
		c.Sim = sim.DefaultConfig()
	}
	if c.Sim.Step <= 0 {
		c.Sim.Step = time.Millisecond
	}
}

// Validate checks ranges and pin assignments. Pins are only required on real
// hardware.
func (c *Config) Validate() error {
	if !c.Defaults.MockHardware {
		for _, m := range []struct {
			name string
			cfg  MotorConfig
		}{{"left_motor", c.LeftMotor}, {"right_motor", c.RightMotor}} {
			if m.cfg.PWMPin <= 0 {
				return fmt.Errorf("%s.pwm_pin is required", m.name)
			}
			if m.cfg.DirPin <= 0 {
				return fmt.Errorf("%s.dir_pin is required", m.name)
			}
		}
		if c.LeftMotor.PWMPin == c.RightMotor.PWMPin {
			return fmt.Errorf("left_motor and right_motor share pwm_pin %d", c.LeftMotor.PWMPin)
		}
	}

	switch strings.ToLower(c.Gyro.Axis) {
	case "x", "y", "z":
	default:
		return fmt.Errorf("gyro.axis must be x, y or z, got %q", c.Gyro.Axis)
	}
	if c.Gyro.Range < 0 || c.Gyro.Range > 3 {
		return fmt.Errorf("gyro.range must be between 0 and 3, got %d", c.Gyro.Range)
	}

	b := c.Balance
	if math.IsNaN(b.FallAngleDeg) || b.FallAngleDeg <= 0 || b.FallAngleDeg > 90 {
		return fmt.Errorf("balance.fall_angle_deg must be between 0 and 90, got %.2f", b.FallAngleDeg)
	}
	if math.IsNaN(b.MaxPower) || b.MaxPower <= 0 || b.MaxPower > motor.MaxPower {
		return fmt.Errorf("balance.max_power must be between 0 and %.0f, got %.2f", motor.MaxPower, b.MaxPower)
	}
	if b.SaturationLimitMs < 0 {
		return fmt.Errorf("balance.saturation_limit_ms must be >= 0, got %d", b.SaturationLimitMs)
	}
	if c.Calibration.MaxSpread < 0 {
		return fmt.Errorf("calibration.max_spread must be >= 0, got %.2f", c.Calibration.MaxSpread)
	}
	if math.IsNaN(c.Robot.WheelDiameterCm) || c.Robot.WheelDiameterCm > 100 {
		return fmt.Errorf("robot.wheel_diameter_cm must be <= 100, got %.2f", c.Robot.WheelDiameterCm)
	}
	return nil
}

// Period returns the control loop period.
func (c *Config) Period() time.Duration {
	return time.Duration(c.Balance.PeriodMs) * time.Millisecond
}

// LoopConfig returns the balance loop parameters.
func (c *Config) LoopConfig() balance.LoopConfig {
	return balance.LoopConfig{
		Period:          c.Period(),
		FallAngle:       c.Balance.FallAngleDeg,
		MaxPower:        c.Balance.MaxPower,
		MaxSensorFaults: c.Balance.MaxSensorFaults,
		SaturationLimit: time.Duration(c.Balance.SaturationLimitMs) * time.Millisecond,
		WheelDiameter:   c.Robot.WheelDiameterCm,
		Gains:           c.Balance.Gains,
	}
}

// CalibrationConfig returns the gyro calibration parameters.
func (c *Config) CalibrationConfig() balance.CalibrationConfig {
	return balance.CalibrationConfig{
		SettleDelay:    time.Duration(c.Calibration.SettleMs) * time.Millisecond,
		SampleInterval: time.Duration(c.Calibration.IntervalMs) * time.Millisecond,
		Samples:        c.Calibration.Samples,
		MaxSpread:      c.Calibration.MaxSpread,
		MaxAttempts:    c.Calibration.MaxAttempts,
	}
}

// CountdownConfig returns the pre-start countdown.
func (c *Config) CountdownConfig() supervisor.Countdown {
	return supervisor.Countdown{
		Steps:        c.Countdown.Steps,
		Interval:     time.Duration(c.Countdown.IntervalMs) * time.Millisecond,
		ToneHz:       c.Countdown.ToneHz,
		ToneDuration: time.Duration(c.Countdown.ToneMs) * time.Millisecond,
	}
}

// Motor converts one motor section to the driver configuration.
func (m MotorConfig) Motor(name string) motor.Config {
	return motor.Config{
		Name:         name,
		PWMPin:       m.PWMPin,
		DirPin:       m.DirPin,
		StandbyPin:   m.StandbyPin,
		EncoderAPin:  m.EncoderAPin,
		EncoderBPin:  m.EncoderBPin,
		CountsPerRev: m.CountsPerRev,
		PWMFreqHz:    m.PWMFreqHz,
		Invert:       m.Invert,
	}
}

// GyroDriverConfig returns the MPU-6050 driver configuration.
func (c *Config) GyroDriverConfig() gyro.Config {
	return gyro.Config{
		Bus:     c.Gyro.Bus,
		Address: c.Gyro.Address,
		Axis:    strings.ToLower(c.Gyro.Axis),
		Range:   byte(c.Gyro.Range),
		Invert:  c.Gyro.Invert,
	}
}

// MQTTEnabled reports whether a telemetry broker is configured.
func (c *Config) MQTTEnabled() bool {
	return c.Telemetry.MQTT.Broker != ""
}
