package balance

import (
	"math"
	"sync/atomic"
)

// Steering is a single-slot mailbox for the latest SteeringInput. Writers
// replace the whole value; the loop reads it once per tick.
type Steering struct {
	v atomic.Pointer[SteeringInput]
}

// Set replaces the current input. A non-finite bias is stored as 0.
func (s *Steering) Set(left, right float64) {
	s.v.Store(&SteeringInput{Left: finiteOrZero(left), Right: finiteOrZero(right)})
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// Load returns the latest input, zero if never set.
func (s *Steering) Load() SteeringInput {
	if p := s.v.Load(); p != nil {
		return *p
	}
	return SteeringInput{}
}
