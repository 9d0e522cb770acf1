// SPDX-License-Identifier: BSD-3-Clause

// Command powerseqd is the control-plane daemon for server voltage
// regulation: it loads a power-sequencer configuration and an optional
// regulators configuration, then runs a single-threaded monitor/configure
// event loop (spec.md §5) alongside the D-Bus-like NATS control surface
// (spec.md §6).
//
// Grounded on targets/mainboards/mock/main.go's flat, single-binary
// wiring style (logger → telemetry → services → state → transport →
// run), simplified to this daemon's single System instead of the
// teacher's multi-service operator.Run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/arunsworld/nursery"
	"github.com/nats-io/nats.go"
	"github.com/u-bmc/powerseqd/internal/action"
	"github.com/u-bmc/powerseqd/internal/config"
	"github.com/u-bmc/powerseqd/internal/control"
	"github.com/u-bmc/powerseqd/internal/logging"
	"github.com/u-bmc/powerseqd/internal/sensor"
	"github.com/u-bmc/powerseqd/internal/services"
	"github.com/u-bmc/powerseqd/internal/system"
	"github.com/u-bmc/powerseqd/internal/telemetry"
)

// variablesFlag accumulates repeated -var key=value flags into a map,
// the variables map spec.md §4.4.2 pushes into every parse function.
type variablesFlag map[string]string

func (v variablesFlag) String() string {
	pairs := make([]string, 0, len(v))
	for k, val := range v {
		pairs = append(pairs, k+"="+val)
	}
	return strings.Join(pairs, ",")
}

func (v variablesFlag) Set(s string) error {
	key, val, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("invalid -var %q: expected key=value", s)
	}
	v[key] = val
	return nil
}

func main() {
	powerSequencerConfigPath := flag.String("power-sequencer-config", "", "path to the power-sequencer configuration file (required)")
	regulatorsConfigPath := flag.String("regulators-config", "", "path to the regulators configuration file (optional)")
	natsURL := flag.String("nats-url", nats.DefaultURL, "NATS server URL for the control surface")
	tickInterval := flag.Duration("tick-interval", time.Second, "monitor-tick period")
	pgoodTimeout := flag.Duration("pgood-timeout", 10*time.Second, "power-good transition timeout")
	variables := make(variablesFlag)
	flag.Var(variables, "var", "substitution variable as key=value, may be repeated")
	flag.Parse()

	if *powerSequencerConfigPath == "" {
		fmt.Fprintln(os.Stderr, "-power-sequencer-config is required")
		os.Exit(2)
	}

	logger := logging.NewDefault()
	if err := run(*powerSequencerConfigPath, *regulatorsConfigPath, *natsURL, *tickInterval, *pgoodTimeout, variables, logger); err != nil {
		logger.Error("powerseqd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(powerSequencerConfigPath, regulatorsConfigPath, natsURL string, tickInterval, pgoodTimeout time.Duration, variables map[string]string, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	provider, err := telemetry.NewProvider(telemetry.WithServiceName("powerseqd"))
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer shutdownCancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down telemetry provider", "error", err)
		}
	}()

	sensors := sensor.New(sensor.WithMeter(provider.Meter("powerseqd")))
	sensors.Enable()

	// No inventory/presence backend is wired: spec.md §1 treats the
	// D-Bus object server and Inventory service as external
	// collaborators this core does not implement.
	svc := services.New(logger, nil, nil, sensors)

	sys, err := config.LoadSystem(powerSequencerConfigPath, variables, svc)
	if err != nil {
		return fmt.Errorf("failed to load power-sequencer configuration: %w", err)
	}
	sys.InitializeMonitoring(svc)
	sys.SetPowerGoodTimeOut(pgoodTimeout)

	var regulators *config.RegulatorsConfig
	if regulatorsConfigPath != "" {
		regulators, err = config.LoadRegulators(regulatorsConfigPath, variables, svc)
		if err != nil {
			return fmt.Errorf("failed to load regulators configuration: %w", err)
		}
		if err := configureRegulators(regulators, svc); err != nil {
			logger.Error("regulator configuration pass failed", "error", err)
		}
	}

	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", natsURL, err)
	}
	defer nc.Close()

	ctl := control.New(nc, sys, svc, pgoodTimeout)
	if err := ctl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control surface: %w", err)
	}
	defer ctl.Close()

	logger.Info("powerseqd started",
		"power_sequencer_config", powerSequencerConfigPath,
		"regulators_config", regulatorsConfigPath,
		"tick_interval", tickInterval,
		"pgood_timeout", pgoodTimeout)

	return nursery.RunConcurrentlyWithContext(ctx,
		func(ctx context.Context, errChan chan error) {
			runMonitorLoop(ctx, sys, ctl, svc, tickInterval)
		},
		func(ctx context.Context, errChan chan error) {
			// The NATS micro service dispatches its own handlers on
			// nc's internal goroutines; this job's only role is to
			// keep the control surface alive until shutdown is
			// requested, mirroring service/ipc.Run's "wait for
			// shutdown signal, then shut down" structure.
			<-ctx.Done()
		},
	)
}

// runMonitorLoop drives the periodic monitor tick of spec.md §5: timers
// drive monitor ticks on a single logical task, with D-Bus callbacks
// (here, NATS control requests) serviced independently. Each tick is
// not cancellable and runs to completion before the next fires.
func runMonitorLoop(ctx context.Context, sys *system.System, ctl *control.Control, svc services.Services, tickInterval time.Duration) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sys.Monitor(svc); err != nil {
				svc.LogError(fmt.Sprintf("monitor tick failed: %v", err))
				continue
			}
			ctl.PublishTransition()
		}
	}
}

// configureRegulators runs the one-shot bring-up configuration pass
// over every declared regulator device: presence gates configuration,
// so Configure and ConfigureRails run only for a device whose IsPresent
// reports true.
// Configuration is not re-run on a timer; spec.md §1 names "hot-reload
// of configuration while a power-on is in flight" as a non-goal, and a
// fresh load is the only supported way to pick up a changed
// configuration.
func configureRegulators(regulators *config.RegulatorsConfig, svc services.Services) error {
	env := action.NewEnvironment(regulators.IDMap, svc, svc.Sensors())
	for _, dev := range regulators.Devices {
		present, err := dev.IsPresent(env)
		if err != nil {
			return fmt.Errorf("device %s: %w", dev.ID(), err)
		}
		if !present {
			svc.LogInfo(fmt.Sprintf("device %s not present, skipping configuration", dev.ID()))
			continue
		}
		if err := dev.Configure(env); err != nil {
			return fmt.Errorf("device %s: configure: %w", dev.ID(), err)
		}
		if err := dev.ConfigureRails(env); err != nil {
			return fmt.Errorf("device %s: configure rails: %w", dev.ID(), err)
		}
	}
	return nil
}
