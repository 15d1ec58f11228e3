package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robertof/go-scale-monitor/api"
	"github.com/robertof/go-scale-monitor/ble"
	"github.com/robertof/go-scale-monitor/collector"
	"github.com/robertof/go-scale-monitor/collector/model"
	"github.com/robertof/go-scale-monitor/metrics"
	"github.com/robertof/go-scale-monitor/utils"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	zerolog.DurationFieldUnit = time.Second
	zerolog.TimeFieldFormat = time.RFC3339Nano

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05.000",
	})

	cfg := ParseArgs()

	if cfg.Trace || os.Getenv("TRACE") != "" {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	} else if cfg.Debug || os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Array("Families", utils.ToZeroLogArray(cfg.Families)).
		Int("BluetoothDeviceID", cfg.BluetoothDeviceId).
		Stringer("ConnParams", &cfg.BluetoothConnParams).
		Msg("Starting with the specified configuration")

	bleHandle := ble.New(cfg.BluetoothDeviceId, cfg.BluetoothConnParams, cfg.bleFlags())
	manager := collector.NewManager(bleHandle, collector.WithFamilies(cfg.Families...))

	ctx, cancel := context.WithCancel(context.Background())
	ctx = ble.WrapContextWithSigHandler(ctx, cancel)

	var err error

	switch {
	case cfg.DiscoverAll:
		err = doRawDiscovery(ctx, cfg, bleHandle)
	case cfg.DiscoverDevices:
		err = doDeviceDiscovery(ctx, cfg, manager)
	case cfg.MonitorOnce:
		err = doMonitor(ctx, cfg, manager)
	case cfg.ReadAddress != "":
		err = doRead(ctx, cfg, manager)
	default:
		err = serve(ctx, cfg, bleHandle, manager)
	}

	cancel()

	if stopErr := bleHandle.Stop(); stopErr != nil {
		log.Warn().Err(stopErr).Msg("Failed to stop Bluetooth device")
	}

	if err != nil {
		log.Fatal().Err(err).Msg("Exiting due to error")
	}
}

func doMonitor(ctx context.Context, cfg config, manager *collector.Manager) error {
	log.Info().Dur("Duration", cfg.Duration).Msg("Waiting for a weight broadcast")

	res := manager.Monitor(ctx, cfg.Duration)

	if !res.Ok() {
		return res.Error
	}

	log.Info().
		Str("Addr", res.Source.Addr).
		Str("Name", res.Source.DisplayName()).
		Str("Family", res.Family).
		Stringer("Reading", res.Reading).
		Msg("Captured weight")

	fmt.Printf("%.1f\n", res.Reading.ValueKg)

	return nil
}

func doRead(ctx context.Context, cfg config, manager *collector.Manager) error {
	log.Info().
		Str("Addr", cfg.ReadAddress).
		Dur("Timeout", cfg.ReadTimeout).
		Msg("Reading weight over a connection")

	reading, ok, err := manager.ReadFromConnectedScale(ctx, cfg.ReadAddress, cfg.ReadTimeout)
	if err != nil {
		return err
	}

	if !ok {
		log.Warn().Str("Addr", cfg.ReadAddress).Msg("Scale sent a notification without a weight, try again")
		return nil
	}

	fmt.Printf("%.1f\n", reading.ValueKg)

	return nil
}

func serve(ctx context.Context, cfg config, bleHandle *ble.Handle, manager *collector.Manager) error {
	log.Info().
		Str("BindAddr", cfg.BindAddress).
		Dur("Interval", cfg.CollectionInterval).
		Dur("Window", cfg.Duration).
		Msg("Starting recurring collection")

	registry := prometheus.NewRegistry()

	if cfg.EnableMetamonitoring {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		ble.RegisterMetrics(registry)
		collector.RegisterMetrics(registry)
	}

	coll := collector.NewRecurring(manager, cfg.Duration)
	coll.IdleTimeout = cfg.CollectionIdleTimeout
	// drop any link left open while nobody is reading.
	coll.OnSuspend = bleHandle.DisconnectAll

	metrics.RegisterCollector(
		func() (model.Result, time.Time, bool) {
			// no way to get the HTTP request context from the collector unfortunately :(
			waitCtx, cancel := context.WithTimeout(context.Background(), cfg.Duration+5*time.Second)
			defer cancel()

			return coll.WaitLatest(waitCtx)
		},
		registry,
	)

	server := api.New(manager, coll, registry)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		coll.Start(gctx, cfg.CollectionInterval)
		return nil
	})

	g.Go(func() error {
		return server.Listen(cfg.BindAddress)
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
