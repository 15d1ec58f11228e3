package collector

import (
	"context"
	"time"

	"github.com/robertof/go-scale-monitor/collector/model"
	"github.com/robertof/go-scale-monitor/device"
	"github.com/rs/zerolog/log"
)

// MonitorForWeight listens to scale broadcasts for d and returns the most recent valid reading
// captured before the deadline. Early broadcasts are often transient while the scale settles,
// so later readings replace earlier ones. Without any reading it fails with ErrTimeout.
func (m *Manager) MonitorForWeight(ctx context.Context, d time.Duration) (device.Reading, error) {
	res := m.Monitor(ctx, d)
	return res.Reading, res.Error
}

// Monitor is MonitorForWeight, also reporting which device and family produced the reading.
func (m *Manager) Monitor(ctx context.Context, d time.Duration) model.Result {
	s, err := m.run(ctx, ModeMonitor, d, m.processAdvertisement)

	if err != nil {
		return model.Result{Error: err}
	}

	log.Info().
		Str("Addr", s.bestSource.Addr).
		Str("Family", s.bestFamily).
		Stringer("Reading", s.best).
		Int("Readings", s.readingsCount).
		Msg("collector: captured weight")

	return model.Result{
		Reading: *s.best,
		Source:  s.bestSource,
		Family:  s.bestFamily,
	}
}

// processAdvertisement handles one advertisement of a monitor session: classify, decode, validate
// and keep the reading. Every repeated advertisement is processed.
func (m *Manager) processAdvertisement(s *session, d device.Discovered) bool {
	s.seen[d.Addr] = struct{}{}

	fam, ok := m.families.Match(d, device.MatchLoose)
	if !ok {
		return true
	}

	reading, ok := fam.Decode(d.ManufacturerData)

	if !ok {
		log.Trace().
			Str("Addr", d.Addr).
			Hex("ManufacturerData", d.ManufacturerData).
			Msg("collector: no weight in advertisement")
		return true
	}

	if !device.IsPlausibleWeight(reading.ValueKg) {
		log.Warn().Stringer("Reading", reading).Msg("collector: decoder returned implausible weight, dropping")
		return true
	}

	log.Trace().
		Str("Addr", d.Addr).
		Stringer("Family", fam).
		Stringer("Reading", reading).
		Msg("collector: decoded weight")

	s.best = &reading
	s.bestSource = d
	s.bestFamily = fam.Name()
	s.readingsCount += 1
	readingsCounter.Inc()

	return true
}
