package motor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/BalanGo/internal/debug"
	"github.com/cjeanneret/BalanGo/internal/hw/gpio"
)

// quadDelta maps (previous<<2 | current) AB states to a count increment.
// Forward rotation walks 00 -> 01 -> 11 -> 10. Invalid double transitions
// count as zero.
var quadDelta = [16]int64{
	0, +1, -1, 0,
	-1, 0, 0, +1,
	+1, 0, 0, -1,
	0, -1, +1, 0,
}

// Encoder is a software quadrature decoder. It polls the A and B channels
// from its own goroutine and keeps a signed count readable at any time.
type Encoder struct {
	gpio         gpio.Driver
	pinA, pinB   int
	countsPerRev int
	interval     time.Duration

	count  atomic.Int64
	errs   atomic.Int64
	state  uint8
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEncoder configures the channel pins with pull-ups. Call Start to begin
// decoding. countsPerRev is the number of quadrature edges per wheel turn.
func NewEncoder(g gpio.Driver, pinA, pinB, countsPerRev int, interval time.Duration) (*Encoder, error) {
	if err := g.SetupPin(pinA, gpio.InputPullUp); err != nil {
		return nil, err
	}
	if err := g.SetupPin(pinB, gpio.InputPullUp); err != nil {
		return nil, err
	}
	if countsPerRev <= 0 {
		countsPerRev = 360
	}
	if interval <= 0 {
		interval = 100 * time.Microsecond
	}
	e := &Encoder{
		gpio:         g,
		pinA:         pinA,
		pinB:         pinB,
		countsPerRev: countsPerRev,
		interval:     interval,
	}
	e.state, _ = e.read()
	return e, nil
}

func (e *Encoder) read() (uint8, error) {
	a, err := e.gpio.ReadPin(e.pinA)
	if err != nil {
		return 0, err
	}
	b, err := e.gpio.ReadPin(e.pinB)
	if err != nil {
		return 0, err
	}
	var s uint8
	if a == gpio.High {
		s |= 2
	}
	if b == gpio.High {
		s |= 1
	}
	return s, nil
}

// Poll samples both channels once and updates the count.
func (e *Encoder) Poll() error {
	cur, err := e.read()
	if err != nil {
		e.errs.Add(1)
		return err
	}
	e.count.Add(quadDelta[e.state<<2|cur])
	e.state = cur
	return nil
}

// Start launches the polling goroutine. It stops when ctx is cancelled or
// Close is called.
func (e *Encoder) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.Poll(); err != nil {
					debug.Trace("encoder %d/%d read failed: %v", e.pinA, e.pinB, err)
				}
			}
		}
	}()
}

// Count returns the raw signed edge count.
func (e *Encoder) Count() int64 {
	return e.count.Load()
}

// Degrees returns the count converted to wheel degrees.
func (e *Encoder) Degrees() float64 {
	return float64(e.Count()) * 360 / float64(e.countsPerRev)
}

// Errors returns the number of failed polls.
func (e *Encoder) Errors() int64 {
	return e.errs.Load()
}

// Reset zeroes the count.
func (e *Encoder) Reset() {
	e.count.Store(0)
}

// Close stops the polling goroutine and waits for it to exit.
func (e *Encoder) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}
