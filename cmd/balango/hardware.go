package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/cjeanneret/BalanGo/internal/config"
	"github.com/cjeanneret/BalanGo/internal/debug"
	"github.com/cjeanneret/BalanGo/internal/hw/buzzer"
	"github.com/cjeanneret/BalanGo/internal/hw/gpio"
	"github.com/cjeanneret/BalanGo/internal/hw/gyro"
	"github.com/cjeanneret/BalanGo/internal/hw/motor"
	"github.com/cjeanneret/BalanGo/internal/sim"
	"github.com/cjeanneret/BalanGo/internal/timeutil"
)

// robotHardware is the set of devices a run needs, real or simulated.
type robotHardware struct {
	left, right motor.Motor
	gyro        gyro.Gyro
	beeper      buzzer.Beeper

	// release lets go of the simulated body at "GO!"; nil on real hardware.
	release func()

	closers []func() error
}

// Close releases the devices in reverse order of opening.
func (h *robotHardware) Close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openHardware(ctx context.Context, cfg *config.Config) (*robotHardware, error) {
	if cfg.Defaults.MockHardware {
		return openSimulated(cfg), nil
	}
	return openReal(ctx, cfg)
}

func openSimulated(cfg *config.Config) *robotHardware {
	debug.Step(1, "Starting simulated robot")
	debug.PrintStruct("Sim config", cfg.Sim)
	plant := sim.New(cfg.Sim, timeutil.RealClock{})
	plant.Hold()
	return &robotHardware{
		left:    plant.Left(),
		right:   plant.Right(),
		gyro:    plant,
		beeper:  buzzer.Silent{},
		release: plant.Release,
	}
}

func openReal(ctx context.Context, cfg *config.Config) (_ *robotHardware, err error) {
	hw := &robotHardware{}
	defer func() {
		if err != nil {
			hw.Close()
		}
	}()

	debug.Step(1, "Initializing GPIO driver")
	drv, err := gpio.NewDriver(false)
	if err != nil {
		return nil, fmt.Errorf("init GPIO: %w", err)
	}
	hw.closers = append(hw.closers, drv.Close)

	debug.Step(2, "Initializing wheel motors")
	left, err := motor.NewHBridge(ctx, drv, cfg.LeftMotor.Motor("left"))
	if err != nil {
		return nil, fmt.Errorf("init left motor: %w", err)
	}
	hw.closers = append(hw.closers, left.Close)
	debug.PrintStruct("Left motor config", cfg.LeftMotor)

	right, err := motor.NewHBridge(ctx, drv, cfg.RightMotor.Motor("right"))
	if err != nil {
		return nil, fmt.Errorf("init right motor: %w", err)
	}
	hw.closers = append(hw.closers, right.Close)
	debug.PrintStruct("Right motor config", cfg.RightMotor)
	hw.left, hw.right = left, right

	debug.Step(3, "Initializing gyro")
	g, err := gyro.OpenMPU6050(cfg.GyroDriverConfig())
	if err != nil {
		return nil, fmt.Errorf("init gyro: %w", err)
	}
	hw.closers = append(hw.closers, g.Close)
	hw.gyro = g
	debug.PrintStruct("Gyro config", cfg.Gyro)

	debug.Step(4, "Initializing buzzer")
	if cfg.Buzzer.Pin > 0 {
		p := buzzer.NewPiezo(drv, cfg.Buzzer.Pin)
		hw.closers = append(hw.closers, p.Close)
		hw.beeper = p
	} else {
		hw.beeper = buzzer.Silent{}
	}
	debug.Value("Buzzer pin", cfg.Buzzer.Pin)
	return hw, nil
}
