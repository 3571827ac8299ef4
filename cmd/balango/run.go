package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cjeanneret/BalanGo/internal/balance"
	"github.com/cjeanneret/BalanGo/internal/config"
	"github.com/cjeanneret/BalanGo/internal/debug"
	"github.com/cjeanneret/BalanGo/internal/status"
	"github.com/cjeanneret/BalanGo/internal/supervisor"
	"github.com/cjeanneret/BalanGo/internal/telemetry"
	"github.com/cjeanneret/BalanGo/internal/web"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Calibrate, count down and balance until the robot falls or is stopped",
		Long: `Run a balancing session.

The gyro is calibrated with the robot lying still, a countdown gives time to
stand it up, then the balance loop runs until a fall, Ctrl-C or POST /stop.

Example:
  balango run
  balango run --mock --web
  balango run --config configs/robot.yaml --web=8980 --debug 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runBalance(ctx, opts.cfg, opts.web.port(), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags().VarPF(&opts.web, "web", "", "start web server; --web for port 8080, --web=8980 for a custom port")
	f.NoOptDefVal = fmt.Sprint(opts.web.defaultPort)
	return cmd
}

// runBalance runs one session and blocks until it is over.
func runBalance(ctx context.Context, cfg *config.Config, webPort int, out io.Writer) error {
	hw, err := openHardware(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := hw.Close(); err != nil {
			debug.Error(fmt.Errorf("closing hardware: %w", err))
		}
	}()

	runID := uuid.New()
	printer := status.Multi{status.NewConsole(out)}
	var sinks balance.Sinks
	var notifiers []balance.FallNotifier

	var handlers *web.Handlers
	if webPort > 0 {
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		srv := web.NewServer(fmt.Sprintf(":%d", webPort), broadcaster)
		handlers = srv.Handlers()
		printer = append(printer, broadcaster)
		sinks = append(sinks, broadcaster)

		webCtx, stopWeb := context.WithCancel(ctx)
		webDone := make(chan struct{})
		defer func() {
			stopWeb()
			<-webDone
		}()
		go func() {
			defer close(webDone)
			if err := srv.Run(webCtx); err != nil {
				debug.Error(fmt.Errorf("web server: %w", err))
			}
		}()
	}

	var pub *telemetry.Publisher
	if cfg.MQTTEnabled() {
		mqttCfg := cfg.Telemetry.MQTT
		if mqttCfg.ClientID == "" {
			mqttCfg.ClientID = "balango-" + runID.String()[:8]
		}
		pub, err = telemetry.Connect(mqttCfg, runID.String())
		if err != nil {
			return err
		}
		defer pub.Close()
		sinks = append(sinks, pub)
		notifiers = append(notifiers, pub)
	}

	sopts := supervisor.Options{
		Beeper:      hw.beeper,
		Printer:     printer,
		Calibration: cfg.CalibrationConfig(),
		Loop:        cfg.LoopConfig(),
		Countdown:   cfg.CountdownConfig(),
		RunID:       runID,
		BeforeStart: hw.release,
		Notifiers:   notifiers,
	}
	if len(sinks) > 0 {
		sopts.Telemetry = sinks
		sopts.TelemetryEvery = cfg.Telemetry.EveryTicks
	}

	sup, err := supervisor.New(ctx, hw.left, hw.right, hw.gyro, cfg.Robot.WheelDiameterCm, sopts)
	if err != nil {
		return err
	}
	if handlers != nil {
		handlers.SetRobot(sup)
		defer handlers.SetRobot(nil)
	}
	if pub != nil {
		if err := pub.SubscribeSteer(sup); err != nil {
			debug.Error(err)
		}
	}

	select {
	case <-sup.Done():
	case <-ctx.Done():
		debug.Info("Interrupted, stopping")
		sup.Stop()
		<-sup.Done()
	}

	snap := sup.Snapshot()
	debug.Summary("Run Summary")
	debug.Value("Run ID", sup.RunID())
	debug.Value("Final state", snap.State)
	debug.Value("Ticks", snap.Tick)
	debug.Value("Late ticks", snap.Late)
	debug.Value("Sensor faults", snap.Faults)
	if _, fell := sup.Fall(); !fell {
		printer.Println(fmt.Sprintf("Stopped after %d ms", snap.Elapsed.Milliseconds()))
	}
	return nil
}
