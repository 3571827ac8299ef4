package balance

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/BalanGo/internal/timeutil"
)

func waitDone(t *testing.T, l *Loop) {
	t.Helper()
	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not terminate")
	}
}

func TestLoop_FallsWhenTiltExceedsLimit(t *testing.T) {
	var (
		mu     sync.Mutex
		events []FallEvent
	)
	notify := FallNotifierFunc(func(ev FallEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	r := newRig(testLoopConfig(), constantGyro(64), WithNotifier(notify))
	require.NoError(t, r.loop.Start())
	waitDone(t, r.loop)

	assert.Equal(t, Fallen, r.loop.State())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1, "notifier must run exactly once")
	ev := events[0]
	assert.Equal(t, FallTilt, ev.Reason)
	assert.Equal(t, int64(46), ev.Ticks)
	assert.Equal(t, 46.0, ev.Tilt)
	assert.Equal(t, 46*exactPeriod, ev.Elapsed)
	assert.Equal(t, (46 * exactPeriod).Milliseconds(), ev.ElapsedMs())
}

func TestLoop_TiltExactlyAtLimitKeepsBalancing(t *testing.T) {
	g := &scriptedGyro{rate: func(n int) (float64, error) {
		if n <= 45 {
			return 64, nil
		}
		return 0, nil
	}}
	fell := false
	r := newRig(testLoopConfig(), g, WithNotifier(FallNotifierFunc(func(FallEvent) { fell = true })))
	r.stopAfter(100)

	require.NoError(t, r.loop.Start())
	waitDone(t, r.loop)

	assert.Equal(t, Stopped, r.loop.State())
	assert.False(t, fell)
	snap := r.loop.Snapshot()
	assert.Equal(t, 45.0, snap.Tilt)
	assert.Equal(t, int64(100), snap.Tick)
}

func TestLoop_MotorsZeroAfterFall(t *testing.T) {
	r := newRig(testLoopConfig(), constantGyro(-64))
	require.NoError(t, r.loop.Start())
	waitDone(t, r.loop)

	for _, m := range []*fakeMotor{r.left, r.right} {
		powers := m.Powers()
		require.NotEmpty(t, powers)
		assert.Equal(t, 0.0, powers[len(powers)-1])
		// 45 actuated cycles plus the final zero
		assert.Len(t, powers, 46)
	}
	snap := r.loop.Snapshot()
	assert.Equal(t, Fallen, snap.State)
	assert.Equal(t, MotorCommand{}, snap.Command)
	require.NotNil(t, snap.Fall)
	assert.Equal(t, -46.0, snap.Fall.Tilt)
}

func TestLoop_NotifiersRunInOrder(t *testing.T) {
	var order []string
	first := FallNotifierFunc(func(FallEvent) { order = append(order, "first") })
	second := FallNotifierFunc(func(FallEvent) { order = append(order, "second") })

	r := newRig(testLoopConfig(), constantGyro(64), WithNotifier(first), WithNotifier(second))
	require.NoError(t, r.loop.Start())
	waitDone(t, r.loop)

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestLoop_SteeringIsAddedToCommand(t *testing.T) {
	r := newRig(testLoopConfig(), constantGyro(0))
	r.loop.Steer(10, -10)
	r.stopAfter(3)

	require.NoError(t, r.loop.Start())
	waitDone(t, r.loop)

	assert.Equal(t, []float64{10, 10, 10, 0}, r.left.Powers())
	assert.Equal(t, []float64{-10, -10, -10, 0}, r.right.Powers())
	assert.Equal(t, SteeringInput{Left: 10, Right: -10}, r.loop.Snapshot().Steering)
}

func TestLoop_CommandsAreClamped(t *testing.T) {
	r := newRig(testLoopConfig(), constantGyro(0))
	r.loop.Steer(250, -250)
	r.stopAfter(1)

	require.NoError(t, r.loop.Start())
	waitDone(t, r.loop)

	assert.Equal(t, []float64{100, 0}, r.left.Powers())
	assert.Equal(t, []float64{-100, 0}, r.right.Powers())
}

func TestLoop_BaselineIsSubtracted(t *testing.T) {
	left, right := &fakeMotor{}, &fakeMotor{}
	clock := timeutil.NewMockClock(epoch)
	l := NewLoop(testLoopConfig(), Hardware{Left: left, Right: right, Gyro: constantGyro(3.25)}, 3.25, WithClock(clock))
	limit := epoch.Add(201 * exactPeriod)
	clock.OnSleep(func(now time.Time) {
		if !now.Before(limit) {
			l.Stop()
		}
	})

	require.NoError(t, l.Start())
	waitDone(t, l)

	assert.Equal(t, Stopped, l.State())
	assert.Equal(t, 0.0, l.Snapshot().Tilt)
	for _, p := range left.Powers() {
		assert.Equal(t, 0.0, p)
	}
}

func TestLoop_TransientFaultHoldsCommand(t *testing.T) {
	g := &scriptedGyro{rate: func(n int) (float64, error) {
		if n == 2 || n == 3 {
			return 0, errSensor
		}
		return 0, nil
	}}
	r := newRig(testLoopConfig(), g)
	r.loop.Steer(5, 5)
	r.stopAfter(10)

	require.NoError(t, r.loop.Start())
	waitDone(t, r.loop)

	assert.Equal(t, Stopped, r.loop.State())
	snap := r.loop.Snapshot()
	assert.Equal(t, int64(2), snap.Faults)
	// cycles 2 and 3 skip actuation
	assert.Len(t, r.left.Powers(), 9)
}

func TestLoop_SustainedSensorFaultIsAFall(t *testing.T) {
	g := &scriptedGyro{rate: func(int) (float64, error) { return 0, errSensor }}
	var got *FallEvent
	r := newRig(testLoopConfig(), g, WithNotifier(FallNotifierFunc(func(ev FallEvent) { got = &ev })))

	require.NoError(t, r.loop.Start())
	waitDone(t, r.loop)

	assert.Equal(t, Fallen, r.loop.State())
	require.NotNil(t, got)
	assert.Equal(t, FallSensorFault, got.Reason)
	assert.Equal(t, int64(6), got.Ticks)
	assert.Equal(t, []float64{0}, r.left.Powers())
}

func TestLoop_NonFiniteGyroIsASensorFault(t *testing.T) {
	var got *FallEvent
	r := newRig(testLoopConfig(), constantGyro(math.NaN()), WithNotifier(FallNotifierFunc(func(ev FallEvent) { got = &ev })))

	require.NoError(t, r.loop.Start())
	waitDone(t, r.loop)

	assert.Equal(t, Fallen, r.loop.State())
	require.NotNil(t, got)
	assert.Equal(t, FallSensorFault, got.Reason)
	assert.Equal(t, int64(6), got.Ticks)
	assert.False(t, math.IsNaN(got.Tilt))
	assert.Equal(t, []float64{0}, r.left.Powers())
}

func TestLoop_NonFiniteEncoderIsASensorFault(t *testing.T) {
	r := newRig(testLoopConfig(), constantGyro(0))
	r.left.position = math.Inf(1)

	require.NoError(t, r.loop.Start())
	waitDone(t, r.loop)

	require.NotNil(t, r.loop.Snapshot().Fall)
	assert.Equal(t, FallSensorFault, r.loop.Snapshot().Fall.Reason)
}

func TestLoop_NonFiniteSteeringIsIgnored(t *testing.T) {
	r := newRig(testLoopConfig(), constantGyro(0))
	r.loop.Steer(math.NaN(), math.Inf(1))
	r.stopAfter(2)

	require.NoError(t, r.loop.Start())
	waitDone(t, r.loop)

	assert.Equal(t, []float64{0, 0, 0}, r.left.Powers())
	assert.Equal(t, []float64{0, 0, 0}, r.right.Powers())
}

func TestLoop_ActuationFaultCounts(t *testing.T) {
	r := newRig(testLoopConfig(), constantGyro(0))
	r.right.setErr = errSensor
	r.loop.Steer(5, 5)

	require.NoError(t, r.loop.Start())
	waitDone(t, r.loop)

	require.NotNil(t, r.loop.Snapshot().Fall)
	assert.Equal(t, FallSensorFault, r.loop.Snapshot().Fall.Reason)
}

func TestLoop_SaturationIsAFall(t *testing.T) {
	cfg := testLoopConfig()
	cfg.FallAngle = 1000
	cfg.SaturationLimit = 10 * exactPeriod
	cfg.Gains = Gains{Angle: 100}

	g := &scriptedGyro{rate: func(n int) (float64, error) {
		if n <= 2 {
			return 64, nil
		}
		return 0, nil
	}}
	var got *FallEvent
	r := newRig(cfg, g, WithNotifier(FallNotifierFunc(func(ev FallEvent) { got = &ev })))

	require.NoError(t, r.loop.Start())
	waitDone(t, r.loop)

	require.NotNil(t, got)
	assert.Equal(t, FallSaturation, got.Reason)
	assert.Equal(t, int64(11), got.Ticks)
}

func TestLoop_LateTicksAreSkipped(t *testing.T) {
	r := newRig(testLoopConfig(), constantGyro(0))
	stall := true
	limit := epoch.Add(12 * exactPeriod)
	r.clock.OnSleep(func(now time.Time) {
		if stall && now.Equal(epoch.Add(3*exactPeriod)) {
			stall = false
			r.clock.Advance(5 * exactPeriod)
		}
		if !now.Before(limit) {
			r.loop.Stop()
		}
	})

	require.NoError(t, r.loop.Start())
	waitDone(t, r.loop)

	snap := r.loop.Snapshot()
	assert.Equal(t, int64(4), snap.Late)
	assert.Equal(t, int64(11), snap.Tick)
	// cycles 1-3 and 8-11, plus the final zero
	assert.Len(t, r.left.Powers(), 8)
}

func TestLoop_StopIsIdempotent(t *testing.T) {
	r := newRig(testLoopConfig(), constantGyro(0))
	require.NoError(t, r.loop.Start())

	r.loop.Stop()
	r.loop.Stop()
	waitDone(t, r.loop)
	r.loop.Stop()

	assert.Equal(t, Stopped, r.loop.State())
	powers := r.left.Powers()
	require.NotEmpty(t, powers)
	assert.Equal(t, 0.0, powers[len(powers)-1])
}

func TestLoop_StopBeforeStart(t *testing.T) {
	r := newRig(testLoopConfig(), constantGyro(0))
	r.loop.Stop()

	waitDone(t, r.loop)
	assert.Equal(t, Stopped, r.loop.State())
	assert.ErrorIs(t, r.loop.Start(), ErrAlreadyStarted)
	assert.Empty(t, r.left.Powers())
}

func TestLoop_StartTwice(t *testing.T) {
	r := newRig(testLoopConfig(), constantGyro(64))
	require.NoError(t, r.loop.Start())
	assert.ErrorIs(t, r.loop.Start(), ErrAlreadyStarted)
	waitDone(t, r.loop)
}

func TestLoop_StopAfterFallKeepsFallen(t *testing.T) {
	r := newRig(testLoopConfig(), constantGyro(64))
	require.NoError(t, r.loop.Start())
	waitDone(t, r.loop)

	r.loop.Stop()
	assert.Equal(t, Fallen, r.loop.State())
}

func TestLoop_WaitHonoursContext(t *testing.T) {
	r := newRig(testLoopConfig(), constantGyro(0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.loop.Wait(ctx), context.Canceled)

	r.loop.Stop()
	assert.NoError(t, r.loop.Wait(context.Background()))
}

func TestLoop_TelemetryEveryNTicks(t *testing.T) {
	pub := &recordingPublisher{}
	r := newRig(testLoopConfig(), constantGyro(0), WithTelemetry(pub, 5))
	r.stopAfter(20)

	require.NoError(t, r.loop.Start())
	waitDone(t, r.loop)

	snaps := pub.Snapshots()
	require.Len(t, snaps, 5)
	for i, s := range snaps[:4] {
		assert.Equal(t, int64(5*(i+1)), s.Tick)
		assert.Equal(t, Running, s.State)
	}
	assert.Equal(t, Stopped, snaps[4].State)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Idle, "idle"},
		{Running, "running"},
		{Stopped, "stopped"},
		{Fallen, "fallen"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
			text, err := tt.state.MarshalText()
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(text))
		})
	}
	var s State
	require.NoError(t, s.UnmarshalText([]byte("fallen")))
	assert.Equal(t, Fallen, s)
	assert.Error(t, s.UnmarshalText([]byte("upright")))

	assert.True(t, Fallen.Terminal())
	assert.False(t, Running.Terminal())
}

func TestSinks_FanOutInOrder(t *testing.T) {
	a, b := &recordingPublisher{}, &recordingPublisher{}
	r := newRig(testLoopConfig(), constantGyro(0), WithTelemetry(Sinks{a, b}, 2))
	r.stopAfter(4)

	require.NoError(t, r.loop.Start())
	waitDone(t, r.loop)

	assert.Equal(t, a.Snapshots(), b.Snapshots())
	assert.Len(t, a.Snapshots(), 3)
}
