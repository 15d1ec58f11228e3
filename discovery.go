package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"

	"github.com/robertof/go-scale-monitor/ble"
	"github.com/robertof/go-scale-monitor/collector"
	"github.com/robertof/go-scale-monitor/device"
	"github.com/robertof/go-scale-monitor/device/broadcast"
)

// doDeviceDiscovery lists the nearby devices accepted by the configured scale families.
func doDeviceDiscovery(ctx context.Context, cfg config, manager *collector.Manager) error {
	log.Info().
		Dur("Duration", cfg.Duration).
		Msg("Starting in device discovery mode - looking for scales...")

	found := make(map[string]device.Discovered)

	for d, err := range manager.Devices(ctx, cfg.Duration) {
		if err != nil {
			return err
		}

		found[d.Addr] = d

		log.Info().
			Str("Addr", d.Addr).
			Str("Name", d.DisplayName()).
			Int("RSSI", d.RSSI).
			Hex("ManufacturerData", d.ManufacturerData).
			Msg("Found scale")
	}

	addrs := maps.Keys(found)
	slices.Sort(addrs)

	log.Info().
		Int("Found", len(found)).
		Strs("Addrs", addrs).
		Msg("Finished device discovery")

	return nil
}

// doRawDiscovery dumps every advertising device along with what the scale families make of it.
// Useful to find the vendor prefix and payload layout of a new scale.
func doRawDiscovery(ctx context.Context, cfg config, handle *ble.Handle) error {
	log.Info().
		Dur("Duration", cfg.Duration).
		Msg("Starting in raw discovery mode - collecting every device...")

	if err := handle.RequestPermissions(ctx); err != nil {
		return fmt.Errorf("%w: %w", collector.ErrPermissionDenied, err)
	}

	state, err := handle.AdapterState(ctx)

	if err != nil {
		return fmt.Errorf("%w: %w", collector.ErrAdapterUnavailable, err)
	}

	if state != device.AdapterStatePoweredOn {
		return fmt.Errorf("%w: adapter is %v", collector.ErrAdapterUnavailable, state)
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	devices := newRawDevices(device.Families(cfg.Families))

	if err := handle.Scan(scanCtx, true, devices.add); err != nil {
		return err
	}

	found := devices.summary()

	log.Info().Int("Found", len(found)).Msg("Finished raw device discovery")

	for _, info := range found {
		log.Info().
			Str("Addr", info.addr).
			Str("Name", info.name).
			Bool("Connectable", info.connectable).
			Bool("StrictMatch", info.strict).
			Bool("LooseMatch", info.loose).
			Strs("ManufacturerData", info.payloads).
			Strs("CandidateWeights", info.weights).
			Msg("Found device")
	}

	return nil
}

type rawDevice struct {
	name        string
	connectable bool
	strict      bool
	loose       bool
	payloads    map[string]bool
	weights     map[string]bool
}

// rawDevices aggregates advertisements per address. go-ble may still run the callback after
// Scan has returned, so every access goes through mu.
type rawDevices struct {
	families device.Families

	mu      sync.Mutex
	devices map[string]*rawDevice
}

func newRawDevices(families device.Families) *rawDevices {
	return &rawDevices{
		families: families,
		devices:  make(map[string]*rawDevice),
	}
}

func (r *rawDevices) add(d device.Discovered) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.devices[d.Addr]

	if !ok {
		info = &rawDevice{
			payloads: make(map[string]bool),
			weights:  make(map[string]bool),
		}
		r.devices[d.Addr] = info
	}

	if info.name == "" {
		info.name = d.Name
	}

	info.connectable = info.connectable || d.Connectable
	info.strict = info.strict || r.families.Classify(d, device.MatchStrict)
	info.loose = info.loose || r.families.Classify(d, device.MatchLoose)

	if d.HasManufacturerData() {
		info.payloads[hex.EncodeToString(d.ManufacturerData)] = true
	}

	if reading, ok := broadcast.Decode(d.ManufacturerData); ok {
		info.weights[fmt.Sprintf("%.1fkg/%v", reading.ValueKg, reading.Method)] = true
	}
}

type rawDeviceSummary struct {
	addr                       string
	name                       string
	connectable, strict, loose bool
	payloads, weights          []string
}

// summary returns a sorted snapshot of the devices seen so far.
func (r *rawDevices) summary() []rawDeviceSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	addrs := maps.Keys(r.devices)
	slices.Sort(addrs)

	out := make([]rawDeviceSummary, 0, len(addrs))

	for _, addr := range addrs {
		info := r.devices[addr]

		payloads := maps.Keys(info.payloads)
		slices.Sort(payloads)

		weights := maps.Keys(info.weights)
		slices.Sort(weights)

		out = append(out, rawDeviceSummary{
			addr:        addr,
			name:        info.name,
			connectable: info.connectable,
			strict:      info.strict,
			loose:       info.loose,
			payloads:    payloads,
			weights:     weights,
		})
	}

	return out
}
