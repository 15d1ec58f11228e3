package ble

import (
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

type Advertisement = ble.Advertisement

// Handle owns the local HCI device. It is the only radio resource of the process and is passed
// explicitly to whoever needs to scan or connect.
type Handle struct {
	deviceID   int
	connParams ConnParams
	flags      Flags

	mu  sync.Mutex
	dev *linux.Device

	links *linkRegistry
}

func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		successfulConnectionsCounter,
		failedConnectionsCounter,
		rejectedConnectionsCounter,
		disconnectsCounter,
		advertisementsCounter,
	)
}

// New creates a handle for the given HCI device. The device itself is opened lazily, once the
// process has been granted the required capabilities.
func New(deviceID int, connParams ConnParams, flags Flags) *Handle {
	return &Handle{
		deviceID:   deviceID,
		connParams: connParams,
		flags:      flags,
		links:      newLinkRegistry(),
	}
}

func (h *Handle) device() (*linux.Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dev != nil {
		return h.dev, nil
	}

	scanType := h.flags.scanType()

	log.Debug().
		Stringer("ScanType", scanType).
		Stringer("ConnParams", &h.connParams).
		Stringer("Flags", h.flags).
		Int("DeviceID", h.deviceID).
		Msg("Initializing Bluetooth device")

	dev, err := linux.NewDevice(
		ble.OptDeviceID(h.deviceID),
		ble.OptScanParams(cmd.LESetScanParameters{
			LEScanType:           uint8(scanType), // 0x00: passive, 0x01: active
			LEScanInterval:       0x0010,          // 0x0004 - 0x4000; N * 0.625msec
			LEScanWindow:         0x0010,          // 0x0004 - 0x4000; N * 0.625msec
			OwnAddressType:       0x00,            // 0x00: public, 0x01: random
			ScanningFilterPolicy: 0x00,            // 0x00: accept all
		}),
		ble.OptConnParams(h.connParams.AdapterOptions()),
	)

	if err != nil {
		return nil, fmt.Errorf("failed to init bluetooth device: %w", err)
	}

	h.dev = dev

	return dev, nil
}

// Stop disconnects every link and releases the HCI device.
func (h *Handle) Stop() error {
	h.DisconnectAll()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dev == nil {
		return nil
	}

	dev := h.dev
	h.dev = nil

	return dev.Stop()
}
