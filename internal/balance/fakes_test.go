package balance

import (
	"errors"
	"sync"
	"time"

	"github.com/cjeanneret/BalanGo/internal/timeutil"
)

var errSensor = errors.New("sensor read failed")

// fakeMotor records every power command and reports a fixed position.
type fakeMotor struct {
	mu       sync.Mutex
	powers   []float64
	position float64
	setErr   error
}

func (m *fakeMotor) SetPower(p float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil && p != 0 {
		return m.setErr
	}
	m.powers = append(m.powers, p)
	return nil
}

func (m *fakeMotor) Position() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position, nil
}

func (m *fakeMotor) Powers() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.powers...)
}

// scriptedGyro returns rate(n) for the n-th call, starting at 1.
type scriptedGyro struct {
	mu    sync.Mutex
	calls int
	rate  func(n int) (float64, error)
}

func (g *scriptedGyro) Rate() (float64, error) {
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.mu.Unlock()
	return g.rate(n)
}

func constantGyro(v float64) *scriptedGyro {
	return &scriptedGyro{rate: func(int) (float64, error) { return v, nil }}
}

// exactPeriod is representable in binary so tilt integrates without rounding:
// 64 deg/s for one tick is exactly 1 degree.
const exactPeriod = 15625 * time.Microsecond

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// testLoopConfig disables drift tracking and saturation so tilt is exactly
// the integrated rate.
func testLoopConfig() LoopConfig {
	cfg := DefaultLoopConfig()
	cfg.Period = exactPeriod
	cfg.Gains.DriftRate = 0
	cfg.SaturationLimit = 0
	return cfg
}

type rig struct {
	left, right *fakeMotor
	gyro        *scriptedGyro
	clock       *timeutil.MockClock
	loop        *Loop
}

func newRig(cfg LoopConfig, g *scriptedGyro, opts ...Option) *rig {
	r := &rig{
		left:  &fakeMotor{},
		right: &fakeMotor{},
		gyro:  g,
		clock: timeutil.NewMockClock(epoch),
	}
	opts = append([]Option{WithClock(r.clock)}, opts...)
	r.loop = NewLoop(cfg, Hardware{Left: r.left, Right: r.right, Gyro: g}, 0, opts...)
	return r
}

// stopAfter requests a stop once n cycles have completed.
func (r *rig) stopAfter(n int) {
	limit := epoch.Add(time.Duration(n+1) * r.loop.Config().Period)
	r.clock.OnSleep(func(now time.Time) {
		if !now.Before(limit) {
			r.loop.Stop()
		}
	})
}

type recordingPublisher struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (p *recordingPublisher) Publish(s Snapshot) {
	p.mu.Lock()
	p.snaps = append(p.snaps, s)
	p.mu.Unlock()
}

func (p *recordingPublisher) Snapshots() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Snapshot(nil), p.snaps...)
}
