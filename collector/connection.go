package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/robertof/go-scale-monitor/device"
	"github.com/rs/zerolog/log"
)

func (m *Manager) reserveLink(addr string) bool {
	m.linksMu.Lock()
	defer m.linksMu.Unlock()

	if _, busy := m.links[addr]; busy {
		return false
	}

	m.links[addr] = struct{}{}

	return true
}

func (m *Manager) releaseLink(addr string) {
	m.linksMu.Lock()
	defer m.linksMu.Unlock()

	delete(m.links, addr)
}

// decoderFor picks the family claiming addr, falling back to the first configured family.
func (m *Manager) decoderFor(addr string) device.Family {
	if fam, ok := m.families.Match(device.Discovered{Addr: addr}, device.MatchStrict); ok {
		return fam
	}

	return m.families[0]
}

// ReadFromConnectedScale connects to addr, subscribes to its first notifying endpoint and decodes
// the first payload it pushes. A payload that does not decode is a final empty result: ok is
// false and err is nil. The link is always released before returning.
func (m *Manager) ReadFromConnectedScale(
	parentCtx context.Context,
	addr string,
	timeout time.Duration,
) (reading device.Reading, ok bool, err error) {
	s := newSession(ModeConnectedRead, timeout)
	s.seen[addr] = struct{}{}

	defer func() {
		m.record(s, err)
	}()

	if m.linker == nil {
		return device.Reading{}, false, s.resolveWith(fmt.Errorf("%w: no link transport available", ErrConnection))
	}

	if !m.reserveLink(addr) {
		return device.Reading{}, false, s.resolveWith(fmt.Errorf("%w: %v: %w", ErrConnection, addr, ErrLinkBusy))
	}

	defer m.releaseLink(addr)

	ctx, cancel := context.WithDeadline(parentCtx, s.deadline)
	defer cancel()

	// fail maps a failure of step onto the session outcome. The deadline wins over link errors
	// since go-ble reports an expired dial as a plain error.
	fail := func(step string, cause error) error {
		switch {
		case parentCtx.Err() != nil:
			return s.resolveWith(fmt.Errorf("%w: %s: %w", ErrCancelled, step, parentCtx.Err()))
		case ctx.Err() != nil:
			return s.resolveWith(fmt.Errorf("%w: %s", ErrTimeout, step))
		default:
			return s.resolveWith(fmt.Errorf("%w: %s: %w", ErrConnection, step, cause))
		}
	}

	s.transition(StateScanning)

	log.Debug().Str("Addr", addr).Dur("Timeout", timeout).Msg("collector: connecting to scale")

	link, err := m.linker.Connect(ctx, addr)
	if err != nil {
		return device.Reading{}, false, fail("connect", err)
	}

	defer func() {
		if derr := link.Disconnect(); derr != nil {
			log.Warn().Str("Addr", addr).Err(derr).Msg("collector: disconnect failed")
		}
	}()

	endpoints, err := link.Endpoints()
	if err != nil {
		return device.Reading{}, false, fail("discover endpoints", err)
	}

	var notifier device.Endpoint

	for _, ep := range endpoints {
		if ep.CanNotify() {
			notifier = ep
			break
		}
	}

	if notifier == nil {
		return device.Reading{}, false, fail("discover endpoints", fmt.Errorf("none of %d endpoints can notify", len(endpoints)))
	}

	// only the first payload matters, later ones are dropped.
	payloads := make(chan []byte, 1)

	err = notifier.Subscribe(func(payload []byte) {
		cp := make([]byte, len(payload))
		copy(cp, payload)

		select {
		case payloads <- cp:
		default:
		}
	})

	if err != nil {
		return device.Reading{}, false, fail("subscribe to "+notifier.ID(), err)
	}

	log.Debug().Str("Addr", addr).Str("Endpoint", notifier.ID()).Msg("collector: waiting for notification")

	select {
	case <-ctx.Done():
		return device.Reading{}, false, fail("wait for notification", ctx.Err())

	case payload := <-payloads:
		fam := m.decoderFor(addr)
		reading, ok = fam.Decode(payload)

		if !ok || !device.IsPlausibleWeight(reading.ValueKg) {
			log.Info().
				Str("Addr", addr).
				Hex("Payload", payload).
				Msg("collector: notification holds no weight")

			return device.Reading{}, false, s.resolveWith(nil)
		}

		s.best = &reading
		s.bestFamily = fam.Name()
		s.readingsCount += 1
		readingsCounter.Inc()

		log.Info().Str("Addr", addr).Stringer("Reading", reading).Msg("collector: read weight over link")

		return reading, true, s.resolveWith(nil)
	}
}
