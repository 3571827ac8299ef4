// Package motor drives the two wheel motors of the robot.
package motor

import "math"

// MaxPower is the magnitude of a full-scale power command.
const MaxPower = 100.0

// Motor is the wheel motor capability the balance loop needs: apply an
// unregulated power command and read back the wheel angle from the encoder.
type Motor interface {
	// SetPower applies a signed power in [-MaxPower, MaxPower].
	// Values outside the range are clamped.
	SetPower(power float64) error
	// Position returns the wheel rotation in degrees since the encoder was reset.
	Position() (float64, error)
}

// Clamp limits power to [-limit, limit]. NaN maps to 0.
func Clamp(power, limit float64) float64 {
	if math.IsNaN(power) {
		return 0
	}
	if power > limit {
		return limit
	}
	if power < -limit {
		return -limit
	}
	return power
}
