// Package buzzer emits the audible cues: countdown beeps and the fall alert.
package buzzer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/BalanGo/internal/debug"
	"github.com/cjeanneret/BalanGo/internal/hw/gpio"
)

// Beeper is the audio collaborator. Calls are fire-and-forget: they return
// immediately and nothing is reported back.
type Beeper interface {
	PlayTone(freqHz int, d time.Duration)
	BeepSequenceUp()
}

// Note is one tone of a sequence.
type Note struct {
	FreqHz   int
	Duration time.Duration
}

// SequenceUp is the ascending alert played on a fall.
var SequenceUp = []Note{
	{440, 100 * time.Millisecond},
	{554, 100 * time.Millisecond},
	{659, 100 * time.Millisecond},
	{880, 200 * time.Millisecond},
}

// Silent discards every cue.
type Silent struct{}

func (Silent) PlayTone(int, time.Duration) {}
func (Silent) BeepSequenceUp()             {}

// DefaultDrain is how long Close lets queued notes finish before it cuts
// the worker off. The fall alert fits well inside it.
const DefaultDrain = time.Second

// Piezo drives a passive piezo buzzer with a software square wave on a GPIO
// pin. Notes are queued and played one after another by a worker goroutine,
// so callers never block; when the queue is full new notes are dropped.
type Piezo struct {
	gpio    gpio.Driver
	pin     int
	notes   chan Note
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	pending atomic.Int32

	// drain bounds how long Close waits for queued notes.
	drain time.Duration
}

// NewPiezo sets the pin as output and starts the player goroutine.
func NewPiezo(g gpio.Driver, pin int) *Piezo {
	_ = g.SetupPin(pin, gpio.Output)
	_ = g.WritePin(pin, gpio.Low)

	p := &Piezo{
		gpio:  g,
		pin:   pin,
		notes: make(chan Note, 16),
		done:  make(chan struct{}),
		drain: DefaultDrain,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// PlayTone queues a single tone.
func (p *Piezo) PlayTone(freqHz int, d time.Duration) {
	p.enqueue(Note{FreqHz: freqHz, Duration: d})
}

// BeepSequenceUp queues the ascending alert.
func (p *Piezo) BeepSequenceUp() {
	for _, n := range SequenceUp {
		p.enqueue(n)
	}
}

func (p *Piezo) enqueue(n Note) {
	select {
	case <-p.done:
		return
	default:
	}
	p.pending.Add(1)
	select {
	case p.notes <- n:
	default:
		p.pending.Add(-1)
		debug.Trace("buzzer: queue full, dropping %d Hz", n.FreqHz)
	}
}

func (p *Piezo) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case n := <-p.notes:
			p.play(n)
			p.pending.Add(-1)
		}
	}
}

// play returns early once Close has been called.
func (p *Piezo) play(n Note) {
	if n.FreqHz <= 0 || n.Duration <= 0 {
		p.rest(n.Duration)
		return
	}
	half := time.Second / time.Duration(2*n.FreqHz)
	end := time.Now().Add(n.Duration)
	for time.Now().Before(end) {
		select {
		case <-p.done:
			return
		default:
		}
		_ = p.gpio.WritePin(p.pin, gpio.High)
		time.Sleep(half)
		_ = p.gpio.WritePin(p.pin, gpio.Low)
		time.Sleep(half)
	}
}

func (p *Piezo) rest(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
	case <-t.C:
	}
}

// Close lets the queued notes play for at most the drain time, then stops
// the worker and waits for it. The pin is left low and never written again,
// so the GPIO driver can be closed right after.
func (p *Piezo) Close() error {
	var err error
	p.once.Do(func() {
		deadline := time.Now().Add(p.drain)
		for p.pending.Load() > 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		close(p.done)
		p.wg.Wait()
		err = p.gpio.WritePin(p.pin, gpio.Low)
	})
	return err
}
