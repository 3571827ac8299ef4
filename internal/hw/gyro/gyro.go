// Package gyro reads the angular rate sensor used to estimate tilt.
package gyro

// Gyro is the capability the balance loop and the calibrator need: fetch one
// angular rate sample, in degrees per second. Sampling cadence is controlled
// by the caller.
type Gyro interface {
	Rate() (float64, error)
}

// Func adapts a plain function to the Gyro interface.
type Func func() (float64, error)

// Rate calls f.
func (f Func) Rate() (float64, error) {
	return f()
}
