// Package timeutil provides a testable abstraction over the time operations
// used by calibration, the countdown and the control loop scheduler.
package timeutil

import (
	"context"
	"sync"
	"time"
)

// Clock provides an abstraction over time operations for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration since t.
	Since(t time.Time) time.Duration

	// Until returns the duration until t.
	Until(t time.Time) time.Duration

	// Sleep pauses for the specified duration.
	Sleep(d time.Duration)
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func (RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Until returns the duration until t.
func (RealClock) Until(t time.Time) time.Duration {
	return time.Until(t)
}

// Sleep pauses the current goroutine for at least the duration d.
func (RealClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

// SleepContext sleeps for d on clock c, returning early with ctx.Err() if ctx
// is cancelled first. Long sleeps are sliced so a mock clock still observes
// cancellation between slices.
func SleepContext(ctx context.Context, c Clock, d time.Duration) error {
	const slice = 50 * time.Millisecond
	for d > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		step := d
		if step > slice {
			step = slice
		}
		c.Sleep(step)
		d -= step
	}
	return ctx.Err()
}

// MockClock is a manually controlled clock for testing.
// Sleep advances the virtual time instead of blocking, so a control loop
// driven by a MockClock runs as fast as the CPU allows while still seeing
// exact tick timestamps.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	slept   time.Duration
	onSleep func(now time.Time)
}

// NewMockClock creates a MockClock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mock's current time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Since returns the duration since t according to the mock clock.
func (m *MockClock) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// Until returns the duration until t according to the mock clock.
func (m *MockClock) Until(t time.Time) time.Duration {
	return t.Sub(m.Now())
}

// Sleep advances the mock clock by d.
func (m *MockClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.slept += d
	hook := m.onSleep
	now := m.now
	m.mu.Unlock()
	if hook != nil {
		hook(now)
	}
}

// Advance moves the mock clock forward by d without counting it as sleep.
// Useful to simulate a stalled tick.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Slept returns the total virtual time spent in Sleep.
func (m *MockClock) Slept() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slept
}

// OnSleep registers a hook invoked after every Sleep with the new time.
func (m *MockClock) OnSleep(fn func(now time.Time)) {
	m.mu.Lock()
	m.onSleep = fn
	m.mu.Unlock()
}
