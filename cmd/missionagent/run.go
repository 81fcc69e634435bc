package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/skyfleet/missionagent/internal/bundle"
	"github.com/skyfleet/missionagent/internal/jobs"
	"github.com/skyfleet/missionagent/internal/log"
	"github.com/skyfleet/missionagent/internal/model"
	"github.com/skyfleet/missionagent/internal/orchestrator"
	"github.com/skyfleet/missionagent/internal/service"
	"github.com/skyfleet/missionagent/internal/telemetry"
	"github.com/skyfleet/missionagent/internal/vehicle"
	"github.com/skyfleet/missionagent/internal/vehicle/mavlink"
)

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	attrs := slog.Group("missionagent",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
		slog.String("thing", config.ThingName),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	sandbox, err := bundle.NewSandbox(config.SandboxRoot)
	if err != nil {
		return err
	}

	client, err := jobs.Connect(config)
	if err != nil {
		return err
	}

	sys := mavlink.New(mavlink.Conf{})
	defer func() {
		_ = sys.Close()
	}()
	ctrl := vehicle.NewController(sys, vehicleAddress(config))

	orch, err := orchestrator.New(ctx, orchestrator.Config{
		Sandbox:        sandbox,
		Member:         config.ThingName,
		MissionTimeout: config.MissionTimeout,
	}, orchestrator.Deps{
		Queue:     client,
		Fetcher:   bundle.NewFetcher(sandbox),
		Extractor: bundle.NewExtractor(sandbox),
		Vehicle:   ctrl,
	})
	if err != nil {
		_ = client.Close()
		return err
	}

	var tel service.Telemetry
	if config.TelemetryInterval > 0 {
		publisher := telemetry.NewPublisher(telemetry.NewCollector(sys), config.TelemetryFormat, client.TelemetryUploader())
		tel = connectedOnly{publisher: publisher, vehicle: ctrl}
	}

	supervisor, err := service.NewSupervisor(ctx, service.Config{
		PollSchedule:      config.PollSchedule,
		TelemetryInterval: config.TelemetryInterval,
	}, client, orch, tel)
	if err != nil {
		orch.Close()
		_ = client.Close()
		return err
	}

	// the link comes up in the background; a mission arriving earlier
	// waits for it in the pipeline
	var wg sync.WaitGroup
	defer wg.Wait()
	defer stop()
	wg.Go(func() {
		slog.InfoContext(ctx, "connecting to vehicle", "address", ctrl.Address().String())
		if err := ctrl.Connect(ctx); err != nil {
			slog.WarnContext(ctx, "vehicle not connected", "error", err)
			return
		}
		slog.InfoContext(ctx, "vehicle connected")
	})

	return supervisor.Do(ctx)
}

func vehicleAddress(cfg model.Config) vehicle.Address {
	return vehicle.Address{
		Type: cfg.DroneConnectionType,
		Host: cfg.DroneAddress,
		Port: cfg.DronePort,
	}
}

// connectedOnly skips the publication until the vehicle link is up.
type connectedOnly struct {
	publisher *telemetry.Publisher
	vehicle   *vehicle.Controller
}

func (c connectedOnly) Publish(ctx context.Context) error {
	if !c.vehicle.Connected() {
		slog.DebugContext(ctx, "telemetry skipped: vehicle not connected")
		return nil
	}
	return c.publisher.Publish(ctx)
}

func doTelemetry(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	format := config.TelemetryFormat
	if flagFormat != "" {
		format = flagFormat
	}
	if format != model.TelemetryJSON && format != model.TelemetryCBOR {
		return fmt.Errorf("unsupported format %q", format)
	}

	var uploader model.Uploader = service.NewWriteUploader(os.Stdout)
	if flagDir != "" {
		u, err := service.NewOSRootUploader(flagDir, format)
		if err != nil {
			return err
		}
		defer func() {
			_ = u.Close()
		}()
		uploader = u
	}

	ctx, cancel := context.WithTimeout(ctx, flagTimeout)
	defer cancel()

	sys := mavlink.New(mavlink.Conf{})
	defer func() {
		_ = sys.Close()
	}()
	ctrl := vehicle.NewController(sys, vehicleAddress(config))
	if err := ctrl.Connect(ctx); err != nil {
		return err
	}
	return telemetry.NewPublisher(telemetry.NewCollector(sys), format, uploader).Publish(ctx)
}
