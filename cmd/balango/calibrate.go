package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/BalanGo/internal/balance"
	"github.com/cjeanneret/BalanGo/internal/config"
	"github.com/cjeanneret/BalanGo/internal/debug"
	"github.com/cjeanneret/BalanGo/internal/status"
	"github.com/cjeanneret/BalanGo/internal/timeutil"
)

func newCalibrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "calibrate",
		Short: "Measure the gyro baseline without starting the motors",
		Long: `Sample the gyro with the robot lying still and print the baseline and
spread. Useful to check the mounting and pick calibration.max_spread.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runCalibrate(ctx, opts.cfg, cmd.OutOrStdout())
		},
	}
}

func runCalibrate(ctx context.Context, cfg *config.Config, out io.Writer) error {
	hw, err := openHardware(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := hw.Close(); err != nil {
			debug.Error(fmt.Errorf("closing hardware: %w", err))
		}
	}()

	console := status.NewConsole(out)
	cal, err := balance.NewCalibrator(cfg.CalibrationConfig(), timeutil.RealClock{}, console).Calibrate(ctx, hw.gyro)
	if err != nil && !errors.Is(err, balance.ErrCalibrationUnstable) {
		return fmt.Errorf("calibrate gyro: %w", err)
	}
	console.Println(fmt.Sprintf("Spread: %.4f deg/s over %d samples, %d window(s)", cal.Spread, cal.Samples, cal.Attempts))
	return nil
}
