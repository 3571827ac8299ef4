package balance

import (
	"time"

	"github.com/cjeanneret/BalanGo/internal/hw/motor"
)

// referenceWheelCm is the wheel diameter the default gains were tuned for.
const referenceWheelCm = 5.6

// Gains weight each term of the state feedback law.
type Gains struct {
	Angle     float64 `yaml:"angle" json:"angle"`           // per degree of tilt
	Rate      float64 `yaml:"rate" json:"rate"`             // per deg/s of tilt rate
	Position  float64 `yaml:"position" json:"position"`     // per degree of wheel travel
	Speed     float64 `yaml:"speed" json:"speed"`           // per deg/s of wheel speed
	DriftRate float64 `yaml:"drift_rate" json:"drift_rate"` // EMA weight of the residual gyro offset
}

// DefaultGains are the HiTechnic HTWay weights.
func DefaultGains() Gains {
	return Gains{
		Angle:     7.5,
		Rate:      1.15,
		Position:  0.07,
		Speed:     0.1,
		DriftRate: 0.0005,
	}
}

// Sample is one tick of sensor input. GyroRate is already baseline-corrected.
type Sample struct {
	GyroRate float64 // deg/s
	LeftPos  float64 // wheel degrees
	RightPos float64 // wheel degrees
}

// MotorCommand is the power applied to each wheel for one tick.
type MotorCommand struct {
	Left  float64 `json:"left"`
	Right float64 `json:"right"`
}

// SteeringInput is an additive per-wheel bias supplied by the navigation layer.
type SteeringInput struct {
	Left  float64 `json:"left"`
	Right float64 `json:"right"`
}

// speedWindow is the number of wheel deltas averaged into the speed estimate.
const speedWindow = 4

// BalanceState is the running estimate owned by the control loop.
type BalanceState struct {
	Tilt     float64 `json:"tilt"`     // degrees, integrated rate
	Rate     float64 `json:"rate"`     // deg/s after drift correction
	Position float64 `json:"position"` // mean wheel degrees since start
	Velocity float64 `json:"velocity"` // mean wheel deg/s
	Offset   float64 `json:"offset"`   // residual gyro drift estimate
	Power    float64 `json:"power"`    // balance term before steering and clamping

	origin  float64
	lastPos float64
	deltas  [speedWindow]float64
	next    int
	primed  bool
}

// Controller turns sensor samples into motor commands. It is not safe for
// concurrent use; the loop goroutine owns it.
type Controller struct {
	gains      Gains
	wheelRatio float64
	maxPower   float64
	state      BalanceState
}

// NewController creates a controller for wheels of the given diameter (cm).
func NewController(g Gains, wheelDiameterCm, maxPower float64) *Controller {
	ratio := 1.0
	if wheelDiameterCm > 0 {
		ratio = wheelDiameterCm / referenceWheelCm
	}
	if maxPower <= 0 {
		maxPower = motor.MaxPower
	}
	return &Controller{gains: g, wheelRatio: ratio, maxPower: maxPower}
}

// Reset clears the estimate. Called when the loop starts.
func (c *Controller) Reset() {
	c.state = BalanceState{}
}

// State returns a copy of the current estimate.
func (c *Controller) State() BalanceState {
	return c.state
}

// Update advances the estimate by dt and returns the clamped command with the
// steering bias added on top of the balance term.
func (c *Controller) Update(s Sample, steer SteeringInput, dt time.Duration) MotorCommand {
	secs := dt.Seconds()
	st := &c.state

	st.Offset = st.Offset*(1-c.gains.DriftRate) + s.GyroRate*c.gains.DriftRate
	st.Rate = s.GyroRate - st.Offset
	st.Tilt += st.Rate * secs

	pos := (s.LeftPos + s.RightPos) / 2
	if !st.primed {
		st.origin = pos
		st.lastPos = pos
		st.primed = true
	}
	st.deltas[st.next] = pos - st.lastPos
	st.next = (st.next + 1) % speedWindow
	st.lastPos = pos
	st.Position = pos - st.origin

	var sum float64
	for _, d := range st.deltas {
		sum += d
	}
	if secs > 0 {
		st.Velocity = sum / (speedWindow * secs)
	}

	st.Power = (c.gains.Angle*st.Tilt+c.gains.Rate*st.Rate)/c.wheelRatio +
		c.gains.Position*st.Position +
		c.gains.Speed*st.Velocity

	return MotorCommand{
		Left:  motor.Clamp(st.Power+steer.Left, c.maxPower),
		Right: motor.Clamp(st.Power+steer.Right, c.maxPower),
	}
}
