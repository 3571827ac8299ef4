// Package balance keeps a two-wheeled robot upright: it calibrates the gyro
// baseline, runs the fixed-period sense/compute/actuate loop and reports
// falls to registered notifiers.
package balance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/cjeanneret/BalanGo/internal/debug"
	"github.com/cjeanneret/BalanGo/internal/hw/gyro"
	"github.com/cjeanneret/BalanGo/internal/status"
	"github.com/cjeanneret/BalanGo/internal/timeutil"
)

var (
	// ErrCalibrationUnstable is returned, wrapped, together with a usable
	// best-effort Calibration when every window was too noisy.
	ErrCalibrationUnstable = errors.New("gyro calibration unstable")
	// ErrNoSamples is returned when no calibration window could be read at all.
	ErrNoSamples = errors.New("no gyro samples")
)

// CalibrationConfig controls the sampling windows.
type CalibrationConfig struct {
	SettleDelay    time.Duration // wait once before the first window
	SampleInterval time.Duration // delay between two samples
	Samples        int           // samples per window
	MaxSpread      float64       // max-min allowed within a window, deg/s
	MaxAttempts    int           // windows tried before falling back to best effort
}

// DefaultCalibrationConfig samples 100 readings 10ms apart after a 500ms
// settle and rejects windows spreading more than 1 deg/s.
func DefaultCalibrationConfig() CalibrationConfig {
	return CalibrationConfig{
		SettleDelay:    500 * time.Millisecond,
		SampleInterval: 10 * time.Millisecond,
		Samples:        100,
		MaxSpread:      1.0,
		MaxAttempts:    10,
	}
}

// Calibration is the gyro zero-rate baseline measured at startup. It is only
// valid for the sensor and orientation it was measured with.
type Calibration struct {
	Baseline float64 `json:"baseline"`
	Spread   float64 `json:"spread"`
	Samples  int     `json:"samples"`
	Attempts int     `json:"attempts"`
	Stable   bool    `json:"stable"`
}

// Calibrator measures the gyro baseline while the robot lies still.
type Calibrator struct {
	cfg   CalibrationConfig
	clock timeutil.Clock
	out   status.Printer
}

// NewCalibrator creates a calibrator. Zero fields of cfg take defaults.
func NewCalibrator(cfg CalibrationConfig, clock timeutil.Clock, out status.Printer) *Calibrator {
	def := DefaultCalibrationConfig()
	if cfg.Samples <= 0 {
		cfg.Samples = def.Samples
	}
	if cfg.SampleInterval < 0 {
		cfg.SampleInterval = 0
	}
	if cfg.MaxSpread <= 0 {
		cfg.MaxSpread = def.MaxSpread
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if out == nil {
		out = status.Discard{}
	}
	return &Calibrator{cfg: cfg, clock: clock, out: out}
}

// Calibrate returns the mean of the first window whose spread is within
// MaxSpread. Noisy windows are discarded and resampled. When MaxAttempts
// windows were all noisy, the least noisy one is returned together with an
// error wrapping ErrCalibrationUnstable.
func (c *Calibrator) Calibrate(ctx context.Context, g gyro.Gyro) (Calibration, error) {
	c.out.Println("Lay robot down to calibrate the gyro")

	if err := timeutil.SleepContext(ctx, c.clock, c.cfg.SettleDelay); err != nil {
		return Calibration{}, err
	}

	var (
		best    Calibration
		haveAny bool
		lastErr error
	)
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		window, err := c.sample(ctx, g)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Calibration{}, ctxErr
			}
			lastErr = err
			debug.Live("Calibration window %d aborted: %v", attempt, err)
			continue
		}

		spread := floats.Max(window) - floats.Min(window)
		cal := Calibration{
			Baseline: stat.Mean(window, nil),
			Spread:   spread,
			Samples:  len(window),
			Attempts: attempt,
			Stable:   spread <= c.cfg.MaxSpread,
		}
		if cal.Stable {
			debug.Info("Calibration window %d stable: baseline=%.4f spread=%.4f", attempt, cal.Baseline, spread)
			c.out.Println(fmt.Sprintf("Gyro baseline: %.4f", cal.Baseline))
			return cal, nil
		}

		debug.Info("Calibration window %d unstable: spread %.4f > %.4f, resampling", attempt, spread, c.cfg.MaxSpread)
		if !haveAny || spread < best.Spread {
			best = cal
			haveAny = true
		}
	}

	if !haveAny {
		return Calibration{}, fmt.Errorf("%w after %d attempts: %v", ErrNoSamples, c.cfg.MaxAttempts, lastErr)
	}

	best.Attempts = c.cfg.MaxAttempts
	status.Warn(c.out, fmt.Sprintf("robot moved during calibration, using baseline %.4f (spread %.4f)", best.Baseline, best.Spread))
	return best, fmt.Errorf("%w: best spread %.4f > %.4f", ErrCalibrationUnstable, best.Spread, c.cfg.MaxSpread)
}

// sample reads one window. Any read error aborts the window.
func (c *Calibrator) sample(ctx context.Context, g gyro.Gyro) ([]float64, error) {
	window := make([]float64, 0, c.cfg.Samples)
	for i := 0; i < c.cfg.Samples; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := g.Rate()
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("sample %d: %w: %v", i, ErrNonFinite, v)
		}
		window = append(window, v)
		if i < c.cfg.Samples-1 {
			c.clock.Sleep(c.cfg.SampleInterval)
		}
	}
	return window, nil
}
