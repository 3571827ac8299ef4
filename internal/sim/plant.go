// Package sim is a software inverted pendulum on two wheels. It stands in
// for the gyro and both motors when the robot runs with --mock, so the whole
// stack (calibration, countdown, balancing, falls) can be exercised on a
// laptop.
package sim

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/cjeanneret/BalanGo/internal/hw/motor"
	"github.com/cjeanneret/BalanGo/internal/timeutil"
)

// Config describes the simulated body.
type Config struct {
	Gravity     float64       `yaml:"gravity"`      // g/L, 1/s²
	MotorGain   float64       `yaml:"motor_gain"`   // tilt acceleration per unit of power, deg/s²
	WheelSpeed  float64       `yaml:"wheel_speed"`  // wheel deg/s per unit of power
	GyroBias    float64       `yaml:"gyro_bias"`    // constant sensor offset, deg/s
	GyroNoise   float64       `yaml:"gyro_noise"`   // standard deviation, deg/s
	InitialTilt float64       `yaml:"initial_tilt"` // degrees
	Step        time.Duration `yaml:"step"`         // integration step
	Seed        uint64        `yaml:"seed"`
}

// DefaultConfig is a 10 cm pendulum that the default gains can hold.
func DefaultConfig() Config {
	return Config{
		Gravity:     60,
		MotorGain:   20,
		WheelSpeed:  2,
		GyroBias:    0.6,
		GyroNoise:   0.05,
		InitialTilt: 0.5,
		Step:        time.Millisecond,
		Seed:        1,
	}
}

// groundAngle is where the body rests once it has fallen over.
const groundAngle = 90.0

// Plant integrates the pendulum lazily: every sensor read advances the model
// to the current clock time using the last applied powers.
type Plant struct {
	mu    sync.Mutex
	cfg   Config
	clock timeutil.Clock
	noise distuv.Normal
	last  time.Time

	tilt  float64
	rate  float64
	wheel [2]float64
	power [2]float64
	held  bool
}

// New creates a plant standing at cfg.InitialTilt.
func New(cfg Config, clock timeutil.Clock) *Plant {
	if cfg.Step <= 0 {
		cfg.Step = time.Millisecond
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Plant{
		cfg:   cfg,
		clock: clock,
		noise: distuv.Normal{Mu: 0, Sigma: cfg.GyroNoise, Src: rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)},
		last:  clock.Now(),
		tilt:  cfg.InitialTilt,
	}
}

// Rate is the gyro reading: true body rate plus bias and noise.
func (p *Plant) Rate() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	r := p.rate + p.cfg.GyroBias
	if p.cfg.GyroNoise > 0 {
		r += p.noise.Rand()
	}
	return r, nil
}

// Tilt returns the true body angle.
func (p *Plant) Tilt() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	return p.tilt
}

// Hold keeps the body still at its current tilt, as a hand would during
// calibration and the countdown. Wheels keep turning.
func (p *Plant) Hold() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	p.held = true
	p.rate = 0
}

// Release lets go of the body.
func (p *Plant) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	p.held = false
}

// Fallen reports whether the body lies on the ground.
func (p *Plant) Fallen() bool {
	return math.Abs(p.Tilt()) >= groundAngle
}

// Left and Right return the wheel motors.
func (p *Plant) Left() motor.Motor  { return &wheel{p: p, idx: 0} }
func (p *Plant) Right() motor.Motor { return &wheel{p: p, idx: 1} }

func (p *Plant) advance() {
	now := p.clock.Now()
	elapsed := now.Sub(p.last)
	p.last = now

	for elapsed > 0 {
		step := p.cfg.Step
		if step > elapsed {
			step = elapsed
		}
		elapsed -= step
		p.integrate(step.Seconds())
	}
}

func (p *Plant) integrate(dt float64) {
	for i := range p.wheel {
		p.wheel[i] += p.cfg.WheelSpeed * p.power[i] * dt
	}
	if p.held || math.Abs(p.tilt) >= groundAngle {
		p.rate = 0
		return
	}
	drive := (p.power[0] + p.power[1]) / 2
	acc := p.cfg.Gravity*math.Sin(p.tilt*math.Pi/180)*180/math.Pi - p.cfg.MotorGain*drive
	p.rate += acc * dt
	p.tilt += p.rate * dt
	if math.Abs(p.tilt) >= groundAngle {
		p.tilt = math.Copysign(groundAngle, p.tilt)
		p.rate = 0
	}
}

type wheel struct {
	p   *Plant
	idx int
}

func (w *wheel) SetPower(power float64) error {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	w.p.advance()
	if math.IsNaN(power) {
		power = 0
	}
	w.p.power[w.idx] = motor.Clamp(power, motor.MaxPower)
	return nil
}

func (w *wheel) Position() (float64, error) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	w.p.advance()
	return w.p.wheel[w.idx], nil
}
