// Package supervisor sequences a balancing run: gyro calibration, the audible
// countdown, then the balance loop. It is the entry point navigation layers
// (web, MQTT, CLI) use to steer and stop the robot.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/BalanGo/internal/balance"
	"github.com/cjeanneret/BalanGo/internal/debug"
	"github.com/cjeanneret/BalanGo/internal/hw/buzzer"
	"github.com/cjeanneret/BalanGo/internal/hw/gyro"
	"github.com/cjeanneret/BalanGo/internal/hw/motor"
	"github.com/cjeanneret/BalanGo/internal/status"
	"github.com/cjeanneret/BalanGo/internal/timeutil"
)

// Countdown is the warning given before the wheels start moving.
type Countdown struct {
	Steps        int
	Interval     time.Duration
	ToneHz       int
	ToneDuration time.Duration
}

// DefaultCountdown beeps five times, one second apart.
func DefaultCountdown() Countdown {
	return Countdown{
		Steps:        5,
		Interval:     time.Second,
		ToneHz:       440,
		ToneDuration: 100 * time.Millisecond,
	}
}

// Options configures a Supervisor. Zero values take defaults.
type Options struct {
	Beeper      buzzer.Beeper
	Printer     status.Printer
	Clock       timeutil.Clock
	Calibration balance.CalibrationConfig
	Loop        balance.LoopConfig
	Countdown   Countdown

	// BeforeStart runs after "GO!", right before the first loop tick.
	BeforeStart func()

	// RunID identifies the run in logs and telemetry; zero picks a new one.
	RunID uuid.UUID

	// Notifiers run after the supervisor's own fall handling.
	Notifiers []balance.FallNotifier

	Telemetry      balance.TelemetrySink
	TelemetryEvery int
}

func (o *Options) withDefaults() {
	if o.Beeper == nil {
		o.Beeper = buzzer.Silent{}
	}
	if o.Printer == nil {
		o.Printer = status.Discard{}
	}
	if o.RunID == uuid.Nil {
		o.RunID = uuid.New()
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	if o.Countdown == (Countdown{}) {
		o.Countdown = DefaultCountdown()
	}
	switch {
	case o.Loop == (balance.LoopConfig{}):
		o.Loop = balance.DefaultLoopConfig()
	case o.Loop.Period <= 0:
		o.Loop.Period = balance.DefaultLoopConfig().Period
	}
	if o.Loop.Gains == (balance.Gains{}) {
		o.Loop.Gains = balance.DefaultGains()
	}
}

// Supervisor owns one balancing run.
type Supervisor struct {
	id    uuid.UUID
	opts  Options
	cal   balance.Calibration
	loop  *balance.Loop
	start time.Time

	mu   sync.Mutex
	fall *balance.FallEvent
}

// New calibrates the gyro, runs the countdown and starts the balance loop. It
// blocks until the loop is running. An unstable calibration is only a warning;
// any other calibration error, or ctx being cancelled, aborts before the
// motors are touched.
func New(ctx context.Context, left, right motor.Motor, g gyro.Gyro, wheelDiameter float64, opts Options) (*Supervisor, error) {
	opts.withDefaults()
	s := &Supervisor{id: opts.RunID, opts: opts}
	debug.Section("Run " + s.id.String())

	cal, err := balance.NewCalibrator(opts.Calibration, opts.Clock, opts.Printer).Calibrate(ctx, g)
	if err != nil && !errors.Is(err, balance.ErrCalibrationUnstable) {
		return nil, fmt.Errorf("calibrate gyro: %w", err)
	}
	s.cal = cal
	debug.PrintStruct("Calibration", cal)

	if err := s.countdown(ctx); err != nil {
		return nil, err
	}

	cfg := opts.Loop
	if wheelDiameter > 0 {
		cfg.WheelDiameter = wheelDiameter
	}
	loopOpts := []balance.Option{
		balance.WithClock(opts.Clock),
		balance.WithNotifier(balance.LogNotifier{}),
		balance.WithNotifier(s),
	}
	for _, n := range opts.Notifiers {
		loopOpts = append(loopOpts, balance.WithNotifier(n))
	}
	if opts.Telemetry != nil {
		loopOpts = append(loopOpts, balance.WithTelemetry(opts.Telemetry, opts.TelemetryEvery))
	}

	s.loop = balance.NewLoop(cfg, balance.Hardware{Left: left, Right: right, Gyro: g}, cal.Baseline, loopOpts...)
	if opts.BeforeStart != nil {
		opts.BeforeStart()
	}
	s.start = opts.Clock.Now()
	if err := s.loop.Start(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Supervisor) countdown(ctx context.Context) error {
	cd := s.opts.Countdown
	s.opts.Printer.Println("Balance in")
	for i := cd.Steps; i > 0; i-- {
		s.opts.Printer.Println(strconv.Itoa(i))
		s.opts.Beeper.PlayTone(cd.ToneHz, cd.ToneDuration)
		debug.Live("Countdown %d", i)
		if err := timeutil.SleepContext(ctx, s.opts.Clock, cd.Interval); err != nil {
			return err
		}
	}
	s.opts.Printer.Println("GO!")
	return nil
}

// Steer sets the additive wheel bias used from the next cycle on.
func (s *Supervisor) Steer(left, right float64) {
	s.loop.Steer(left, right)
}

// Stop asks the loop to halt. Safe to call any number of times.
func (s *Supervisor) Stop() {
	s.loop.Stop()
}

// OnFallen plays the alert, prints the report and stops the loop.
func (s *Supervisor) OnFallen(ev balance.FallEvent) {
	s.mu.Lock()
	s.fall = &ev
	s.mu.Unlock()

	s.opts.Beeper.BeepSequenceUp()
	s.opts.Printer.Println("Oops... I fell")
	s.opts.Printer.Println(fmt.Sprintf("Elapsed time: %d ms", ev.ElapsedMs()))
	s.Stop()
}

// Fall returns the fall event, if any.
func (s *Supervisor) Fall() (balance.FallEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fall == nil {
		return balance.FallEvent{}, false
	}
	return *s.fall, true
}

// Done is closed once the loop has stopped or fallen.
func (s *Supervisor) Done() <-chan struct{} {
	return s.loop.Done()
}

func (s *Supervisor) State() balance.State {
	return s.loop.State()
}

func (s *Supervisor) Snapshot() balance.Snapshot {
	return s.loop.Snapshot()
}

func (s *Supervisor) Calibration() balance.Calibration {
	return s.cal
}

func (s *Supervisor) RunID() string {
	return s.id.String()
}

// Started is the clock time at which the loop began running.
func (s *Supervisor) Started() time.Time {
	return s.start
}
