package ble

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/robertof/go-scale-monitor/device"
	"github.com/rs/zerolog/log"
)

func WrapContextWithSigHandler(ctx context.Context, cancel func()) context.Context {
	return ble.WithSigHandler(ctx, cancel)
}

// Scan runs a scan until ctx is done, passing every advertisement to onDevice. With
// allowDuplicates the controller reports every advertisement of a peripheral instead of only the
// first one. Cancellation of ctx is the regular way to stop a scan and is not reported as an error.
func (h *Handle) Scan(ctx context.Context, allowDuplicates bool, onDevice func(device.Discovered)) error {
	dev, err := h.device()

	if err != nil {
		return err
	}

	callback := func(a Advertisement) {
		// the BLE lib could send an advertisement even after `Scan()` returns. do not waste
		// time converting data if we're done.
		if ctx.Err() != nil {
			return
		}

		advertisementsCounter.Inc()

		log.Trace().
			Str("Addr", a.Addr().String()).
			Str("LocalName", a.LocalName()).
			Int("RSSI", a.RSSI()).
			Hex("ManufacturerData", a.ManufacturerData()).
			Msg("ble: received advertisement")

		onDevice(toDiscovered(a))
	}

	err = dev.Scan(ctx, allowDuplicates, callback)

	// swallow context errors which are caused by the caller stopping the scan.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to scan: %w", err)
	}

	return nil
}

func toDiscovered(a Advertisement) device.Discovered {
	var mfr []byte

	if data := a.ManufacturerData(); len(data) > 0 {
		mfr = make([]byte, len(data))
		copy(mfr, data)
	}

	return device.Discovered{
		Addr:             a.Addr().String(),
		Name:             a.LocalName(),
		ManufacturerData: mfr,
		RSSI:             a.RSSI(),
		HasRSSI:          true,
		Connectable:      a.Connectable(),
	}
}
