package main

import (
	"fmt"
	"log"
	"math"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cjeanneret/BalanGo/internal/config"
	"github.com/cjeanneret/BalanGo/internal/debug"
)

func main() {
	if err := newRootCommand(newRootOptions()).Execute(); err != nil {
		log.Fatalf("balango: %v", err)
	}
}

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	configPath string
	mock       bool
	web        webPortFlag
	debugLevel int
	wheelCm    float64

	cfg *config.Config
}

func newRootOptions() *rootOptions {
	return &rootOptions{web: webPortFlag{defaultPort: 8080}}
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balango",
		Short: "BalanGo - self-balancing two-wheeled robot",
		Long: `BalanGo calibrates the gyro, counts down and keeps a two-wheeled robot
upright until it falls or is stopped. Steering comes from the web UI or MQTT.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if err := applyFlags(cfg, opts, cmd.Flags()); err != nil {
				return err
			}
			opts.cfg = cfg

			debug.Init(cfg.Defaults.DebugLevel)
			debug.Section("Initialization")
			debug.Value("Config path", opts.configPath)
			debug.Value("Debug level", cfg.Defaults.DebugLevel)
			debug.Value("Mock hardware", cfg.Defaults.MockHardware)
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", filepath.Join(config.ConfigDir, "default.yaml"), "path to config file")
	flags.BoolVar(&opts.mock, "mock", false, "run against the simulated robot instead of GPIO/I2C")
	flags.IntVar(&opts.debugLevel, "debug", 0, "override debug level (0-4)")
	flags.Float64Var(&opts.wheelCm, "wheel", 0, "override wheel diameter in cm")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newCalibrateCommand(opts))
	return cmd
}

// applyFlags overrides cfg with the flags the user actually set.
func applyFlags(cfg *config.Config, opts *rootOptions, flags *pflag.FlagSet) error {
	if flags.Changed("mock") {
		cfg.Defaults.MockHardware = opts.mock
	}
	if flags.Changed("debug") {
		if opts.debugLevel < debug.LevelOff || opts.debugLevel > debug.LevelTrace {
			return fmt.Errorf("--debug must be between %d and %d, got %d", debug.LevelOff, debug.LevelTrace, opts.debugLevel)
		}
		cfg.Defaults.DebugLevel = opts.debugLevel
	}
	if flags.Changed("wheel") {
		if math.IsNaN(opts.wheelCm) || math.IsInf(opts.wheelCm, 0) || opts.wheelCm <= 0 || opts.wheelCm > 100 {
			return fmt.Errorf("--wheel must be between 0 and 100 cm, got %g", opts.wheelCm)
		}
		cfg.Robot.WheelDiameterCm = opts.wheelCm
	}
	return cfg.Validate()
}
