package timeutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClock_SleepAdvancesTime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	c.Sleep(10 * time.Millisecond)
	c.Sleep(5 * time.Millisecond)

	assert.Equal(t, 15*time.Millisecond, c.Since(start))
	assert.Equal(t, 15*time.Millisecond, c.Slept())
}

func TestMockClock_NegativeSleepIgnored(t *testing.T) {
	start := time.Unix(0, 0)
	c := NewMockClock(start)

	c.Sleep(-time.Second)
	c.Sleep(0)

	assert.Equal(t, start, c.Now())
}

func TestMockClock_AdvanceIsNotSleep(t *testing.T) {
	start := time.Unix(100, 0)
	c := NewMockClock(start)

	c.Advance(time.Second)

	assert.Equal(t, time.Second, c.Since(start))
	assert.Zero(t, c.Slept())
	assert.Equal(t, -time.Second, c.Until(start))
}

func TestMockClock_OnSleepHook(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	var seen []time.Time
	c.OnSleep(func(now time.Time) { seen = append(seen, now) })

	c.Sleep(time.Millisecond)
	c.Sleep(time.Millisecond)

	require.Len(t, seen, 2)
	assert.Equal(t, time.Unix(0, int64(2*time.Millisecond)), seen[1])
}

func TestSleepContext_Completes(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))

	err := SleepContext(context.Background(), c, 175*time.Millisecond)

	require.NoError(t, err)
	assert.Equal(t, 175*time.Millisecond, c.Slept())
}

func TestSleepContext_Cancelled(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	c.OnSleep(func(now time.Time) {
		if c.Slept() >= 100*time.Millisecond {
			cancel()
		}
	})

	err := SleepContext(ctx, c, time.Hour)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 100*time.Millisecond, c.Slept())
}

func TestRealClock_Until(t *testing.T) {
	var c RealClock
	d := c.Until(c.Now().Add(time.Hour))
	assert.Greater(t, d, 59*time.Minute)
}
