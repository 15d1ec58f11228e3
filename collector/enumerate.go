package collector

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/robertof/go-scale-monitor/device"
	"github.com/rs/zerolog/log"
)

// EnumerateDevices scans for d and passes every distinct device accepted by a family, in
// discovery order, to onDevice as soon as it is found. Only the address prefix is trusted here.
//
// onDevice runs on the session's event loop and must not start another session.
func (m *Manager) EnumerateDevices(ctx context.Context, d time.Duration, onDevice func(device.Discovered)) error {
	return m.enumerate(ctx, d, func(dev device.Discovered) bool {
		onDevice(dev)
		return true
	})
}

// Devices is a lazy, finite sequence of accepted devices. Every range over it starts a new
// enumeration; breaking out of the loop stops the scan.
func (m *Manager) Devices(ctx context.Context, d time.Duration) iter.Seq2[device.Discovered, error] {
	return func(yield func(device.Discovered, error) bool) {
		stopped := false

		err := m.enumerate(ctx, d, func(dev device.Discovered) bool {
			if !yield(dev, nil) {
				stopped = true
				return false
			}

			return true
		})

		if err != nil && !(stopped && errors.Is(err, ErrCancelled)) {
			yield(device.Discovered{}, err)
		}
	}
}

func (m *Manager) enumerate(ctx context.Context, d time.Duration, onDevice func(device.Discovered) bool) error {
	_, err := m.run(ctx, ModeEnumerate, d, func(s *session, dev device.Discovered) bool {
		if _, ok := s.seen[dev.Addr]; ok {
			return true
		}

		s.seen[dev.Addr] = struct{}{}

		if !m.families.Classify(dev, device.MatchStrict) {
			log.Trace().Stringer("Device", dev).Msg("collector: rejected device")
			return true
		}

		log.Debug().
			Str("Addr", dev.Addr).
			Str("Name", dev.DisplayName()).
			Int("RSSI", dev.RSSI).
			Hex("ManufacturerData", dev.ManufacturerData).
			Msg("collector: found scale")

		return onDevice(dev)
	})

	return err
}
