package balance

import (
	"time"

	"github.com/cjeanneret/BalanGo/internal/debug"
)

// FallReason tells why the loop gave up balancing.
type FallReason string

const (
	FallTilt        FallReason = "tilt"         // tilt estimate beyond FallAngle
	FallSaturation  FallReason = "saturation"   // motors pinned at full power too long
	FallSensorFault FallReason = "sensor_fault" // too many consecutive failed cycles
)

// FallEvent is produced at most once per loop lifetime.
type FallEvent struct {
	Elapsed time.Duration `json:"elapsed_ns"`
	Reason  FallReason    `json:"reason"`
	Tilt    float64       `json:"tilt"`
	Ticks   int64         `json:"ticks"`
}

// ElapsedMs is Elapsed in milliseconds, for reports and JSON.
func (e FallEvent) ElapsedMs() int64 {
	return e.Elapsed.Milliseconds()
}

// FallNotifier is told when the robot has fallen. It is called synchronously
// from the loop goroutine after the motors are zeroed; it should return
// promptly.
type FallNotifier interface {
	OnFallen(ev FallEvent)
}

// FallNotifierFunc adapts a function to FallNotifier.
type FallNotifierFunc func(ev FallEvent)

// OnFallen calls f.
func (f FallNotifierFunc) OnFallen(ev FallEvent) {
	f(ev)
}

// LogNotifier writes fall events to the debug log.
type LogNotifier struct{}

// OnFallen logs ev.
func (LogNotifier) OnFallen(ev FallEvent) {
	debug.Fall(string(ev.Reason), ev.ElapsedMs(), ev.Tilt)
}
