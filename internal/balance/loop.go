package balance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/BalanGo/internal/debug"
	"github.com/cjeanneret/BalanGo/internal/hw/gyro"
	"github.com/cjeanneret/BalanGo/internal/hw/motor"
	"github.com/cjeanneret/BalanGo/internal/timeutil"
)

// ErrAlreadyStarted is returned by Start on a loop that already left Idle.
var ErrAlreadyStarted = errors.New("balance loop already started")

// ErrNonFinite marks a NaN or infinite sensor reading. It counts as a
// sensor fault.
var ErrNonFinite = errors.New("non-finite reading")

// State is the lifecycle state of a Loop.
type State int32

const (
	Idle State = iota
	Running
	Stopped
	Fallen
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Fallen:
		return "fallen"
	}
	return "unknown"
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for _, c := range []State{Idle, Running, Stopped, Fallen} {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown loop state %q", text)
}

// Terminal reports whether no further ticks will run.
func (s State) Terminal() bool {
	return s == Stopped || s == Fallen
}

// LoopConfig holds the timing, safety and control parameters.
type LoopConfig struct {
	Period          time.Duration // tick period
	FallAngle       float64       // |tilt| strictly above this is a fall, degrees
	MaxPower        float64       // command clamp
	MaxSensorFaults int           // consecutive failed cycles tolerated
	SaturationLimit time.Duration // full power held longer than this is a fall, 0 disables
	WheelDiameter   float64       // cm
	Gains           Gains
}

// DefaultLoopConfig runs at 100 Hz with HTWay gains for NXT 1.0 wheels.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Period:          10 * time.Millisecond,
		FallAngle:       45,
		MaxPower:        motor.MaxPower,
		MaxSensorFaults: 5,
		SaturationLimit: time.Second,
		WheelDiameter:   referenceWheelCm,
		Gains:           DefaultGains(),
	}
}

// Hardware is the set of devices the loop owns exclusively while running.
type Hardware struct {
	Left  motor.Motor
	Right motor.Motor
	Gyro  gyro.Gyro
}

// Snapshot is a point-in-time view of the loop for status surfaces.
type Snapshot struct {
	State    State         `json:"state"`
	Tick     int64         `json:"tick"`
	Elapsed  time.Duration `json:"elapsed_ns"`
	Tilt     float64       `json:"tilt"`
	Rate     float64       `json:"rate"`
	Position float64       `json:"position"`
	Velocity float64       `json:"velocity"`
	Command  MotorCommand  `json:"command"`
	Steering SteeringInput `json:"steering"`
	Faults   int64         `json:"faults"`
	Late     int64         `json:"late"`
	Fall     *FallEvent    `json:"fall,omitempty"`
}

// TelemetrySink receives periodic snapshots from the loop goroutine.
// Publish must not block.
type TelemetrySink interface {
	Publish(s Snapshot)
}

// Sinks fans snapshots out to several sinks, in order.
type Sinks []TelemetrySink

func (ss Sinks) Publish(s Snapshot) {
	for _, sink := range ss {
		sink.Publish(s)
	}
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock replaces the wall clock, for tests.
func WithClock(c timeutil.Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// WithNotifier registers a fall notifier. Notifiers run in registration order.
func WithNotifier(n FallNotifier) Option {
	return func(l *Loop) { l.notifiers = append(l.notifiers, n) }
}

// WithTelemetry publishes a snapshot every n ticks, and on termination.
func WithTelemetry(s TelemetrySink, every int) Option {
	return func(l *Loop) {
		if every <= 0 {
			every = 1
		}
		l.sink = s
		l.every = int64(every)
	}
}

// Loop is the periodic balance controller. Only its goroutine touches the
// motors, the gyro and the BalanceState; steering is the one value shared
// with callers.
type Loop struct {
	cfg       LoopConfig
	hw        Hardware
	baseline  float64
	clock     timeutil.Clock
	notifiers []FallNotifier
	sink      TelemetrySink
	every     int64

	ctrl     *Controller
	steering Steering

	state   atomic.Int32
	started atomic.Bool
	stopReq atomic.Bool
	done    chan struct{}
	start   time.Time

	// loop goroutine only
	faults    int
	saturated time.Duration
	last      MotorCommand

	mu   sync.Mutex
	snap Snapshot
}

// NewLoop creates an Idle loop. baseline is subtracted from every gyro sample.
func NewLoop(cfg LoopConfig, hw Hardware, baseline float64, opts ...Option) *Loop {
	def := DefaultLoopConfig()
	if cfg.Period <= 0 {
		cfg.Period = def.Period
	}
	if cfg.FallAngle <= 0 {
		cfg.FallAngle = def.FallAngle
	}
	if cfg.MaxPower <= 0 {
		cfg.MaxPower = def.MaxPower
	}
	if cfg.MaxSensorFaults < 0 {
		cfg.MaxSensorFaults = 0
	}

	l := &Loop{
		cfg:      cfg,
		hw:       hw,
		baseline: baseline,
		clock:    timeutil.RealClock{},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.ctrl = NewController(cfg.Gains, cfg.WheelDiameter, cfg.MaxPower)
	return l
}

// Config returns the effective configuration.
func (l *Loop) Config() LoopConfig {
	return l.cfg
}

// Start moves the loop from Idle to Running and spawns its goroutine.
func (l *Loop) Start() error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	l.ctrl.Reset()
	l.start = l.clock.Now()
	l.state.Store(int32(Running))
	l.setSnapshot(func(s *Snapshot) { s.State = Running })
	debug.Info("Balance loop running: period=%v fall=%.1f°", l.cfg.Period, l.cfg.FallAngle)
	go l.run()
	return nil
}

// Stop requests the Stopped state. The loop notices it at the top of its next
// cycle, zeroes the motors and exits. Calling Stop more than once, or after
// a fall, has no further effect. Stopping an Idle loop makes it terminal.
func (l *Loop) Stop() {
	if l.started.CompareAndSwap(false, true) {
		l.state.Store(int32(Stopped))
		l.setSnapshot(func(s *Snapshot) { s.State = Stopped })
		close(l.done)
		return
	}
	l.stopReq.Store(true)
}

// Steer stores the latest steering bias for the next cycle.
func (l *Loop) Steer(left, right float64) {
	l.steering.Set(left, right)
	debug.Steer(left, right)
}

// Done is closed when the loop reaches a terminal state.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Wait blocks until the loop is terminal or ctx is done.
func (l *Loop) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Snapshot returns the last published view of the loop.
func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.snap
	if s.Fall != nil {
		ev := *s.Fall
		s.Fall = &ev
	}
	return s
}

func (l *Loop) setSnapshot(fn func(s *Snapshot)) {
	l.mu.Lock()
	fn(&l.snap)
	l.mu.Unlock()
}

// run schedules tick k at start + k*period. A tick that wakes more than one
// period late skips the missed slots instead of bunching them up.
func (l *Loop) run() {
	defer close(l.done)

	var tick, lastUpdate, late int64
	for {
		tick++
		deadline := l.start.Add(time.Duration(tick) * l.cfg.Period)
		if wait := l.clock.Until(deadline); wait > 0 {
			l.clock.Sleep(wait)
		} else if behind := -wait; behind >= l.cfg.Period {
			skipped := int64(behind / l.cfg.Period)
			tick += skipped
			late += skipped
			debug.Live("Balance loop %v late, skipping %d ticks", behind, skipped)
		}

		if l.stopReq.Load() {
			l.halt(tick)
			return
		}

		dt := time.Duration(tick-lastUpdate) * l.cfg.Period
		updated, ev := l.cycle(tick, dt, late)
		if updated {
			lastUpdate = tick
		}
		if ev != nil {
			l.fall(*ev)
			return
		}
	}
}

// cycle runs one sense/compute/actuate step. It reports whether the estimate
// was advanced and returns a fall event when balancing must end.
func (l *Loop) cycle(tick int64, dt time.Duration, late int64) (bool, *FallEvent) {
	sample, err := l.sense()
	if err != nil {
		return false, l.fault(tick, err)
	}

	steer := l.steering.Load()
	cmd := l.ctrl.Update(sample, steer, dt)
	st := l.ctrl.State()

	if math.Abs(st.Tilt) > l.cfg.FallAngle {
		return true, l.event(tick, FallTilt, st.Tilt)
	}
	if l.cfg.SaturationLimit > 0 && math.Abs(st.Power) >= l.cfg.MaxPower {
		l.saturated += dt
		if l.saturated > l.cfg.SaturationLimit {
			return true, l.event(tick, FallSaturation, st.Tilt)
		}
	} else {
		l.saturated = 0
	}

	if err := l.actuate(cmd); err != nil {
		return true, l.fault(tick, err)
	}
	l.faults = 0
	l.last = cmd

	debug.Tick(tick, st.Tilt, st.Rate, cmd.Left, cmd.Right)
	l.setSnapshot(func(s *Snapshot) {
		s.Tick = tick
		s.Elapsed = time.Duration(tick) * l.cfg.Period
		s.Tilt = st.Tilt
		s.Rate = st.Rate
		s.Position = st.Position
		s.Velocity = st.Velocity
		s.Command = cmd
		s.Steering = steer
		s.Late = late
	})
	if l.sink != nil && tick%l.every == 0 {
		l.sink.Publish(l.Snapshot())
	}
	return true, nil
}

func (l *Loop) sense() (Sample, error) {
	rate, err := l.hw.Gyro.Rate()
	if err != nil {
		return Sample{}, fmt.Errorf("read gyro: %w", err)
	}
	left, err := l.hw.Left.Position()
	if err != nil {
		return Sample{}, fmt.Errorf("read left encoder: %w", err)
	}
	right, err := l.hw.Right.Position()
	if err != nil {
		return Sample{}, fmt.Errorf("read right encoder: %w", err)
	}
	for _, v := range [...]struct {
		name string
		val  float64
	}{{"gyro", rate}, {"left encoder", left}, {"right encoder", right}} {
		if math.IsNaN(v.val) || math.IsInf(v.val, 0) {
			return Sample{}, fmt.Errorf("read %s: %w: %v", v.name, ErrNonFinite, v.val)
		}
	}
	return Sample{GyroRate: rate - l.baseline, LeftPos: left, RightPos: right}, nil
}

func (l *Loop) actuate(cmd MotorCommand) error {
	if err := l.hw.Left.SetPower(cmd.Left); err != nil {
		return fmt.Errorf("drive left motor: %w", err)
	}
	if err := l.hw.Right.SetPower(cmd.Right); err != nil {
		return fmt.Errorf("drive right motor: %w", err)
	}
	return nil
}

// fault records a failed cycle. The previous command stays applied. Too many
// in a row are handled like a fall.
func (l *Loop) fault(tick int64, err error) *FallEvent {
	l.faults++
	debug.Fault(l.faults, err)
	l.setSnapshot(func(s *Snapshot) { s.Faults++ })
	if l.faults > l.cfg.MaxSensorFaults {
		return l.event(tick, FallSensorFault, l.ctrl.State().Tilt)
	}
	return nil
}

func (l *Loop) event(tick int64, reason FallReason, tilt float64) *FallEvent {
	return &FallEvent{
		Elapsed: l.clock.Since(l.start),
		Reason:  reason,
		Tilt:    tilt,
		Ticks:   tick,
	}
}

func (l *Loop) zeroMotors() {
	if err := l.hw.Left.SetPower(0); err != nil {
		debug.Error(fmt.Errorf("zero left motor: %w", err))
	}
	if err := l.hw.Right.SetPower(0); err != nil {
		debug.Error(fmt.Errorf("zero right motor: %w", err))
	}
	l.last = MotorCommand{}
}

func (l *Loop) halt(tick int64) {
	l.zeroMotors()
	l.state.Store(int32(Stopped))
	l.setSnapshot(func(s *Snapshot) {
		s.State = Stopped
		s.Command = MotorCommand{}
	})
	debug.Info("Balance loop stopped after %d ticks", tick-1)
	l.publishFinal()
}

func (l *Loop) fall(ev FallEvent) {
	l.zeroMotors()
	l.state.Store(int32(Fallen))
	l.setSnapshot(func(s *Snapshot) {
		s.State = Fallen
		s.Command = MotorCommand{}
		s.Fall = &ev
	})
	l.publishFinal()
	for _, n := range l.notifiers {
		n.OnFallen(ev)
	}
}

func (l *Loop) publishFinal() {
	if l.sink != nil {
		l.sink.Publish(l.Snapshot())
	}
}
