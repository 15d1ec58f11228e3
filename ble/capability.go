package ble

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robertof/go-scale-monitor/device"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

var ErrMissingCapabilities = errors.New("missing CAP_NET_ADMIN/CAP_NET_RAW capabilities")

// sysfs class holding the rfkill switches
var rfkillRoot = "/sys/class/rfkill"

// RequestPermissions checks that the process may open raw HCI sockets. Capabilities cannot be
// requested at runtime on Linux, so this only reports whether they have been granted
// (e.g. via `setcap cap_net_raw,cap_net_admin+eip`).
func (h *Handle) RequestPermissions(ctx context.Context) error {
	if os.Geteuid() == 0 {
		return nil
	}

	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData

	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return fmt.Errorf("failed to query process capabilities: %w", err)
	}

	for _, c := range []int{unix.CAP_NET_ADMIN, unix.CAP_NET_RAW} {
		if data[c/32].Effective&(1<<(uint(c)%32)) == 0 {
			return ErrMissingCapabilities
		}
	}

	return nil
}

// AdapterState reports PoweredOff when the Bluetooth radio is blocked through rfkill, and
// PoweredOn once the HCI device could be brought up.
func (h *Handle) AdapterState(ctx context.Context) (device.AdapterState, error) {
	blocked, err := rfkillBlocked(rfkillRoot)

	if err != nil {
		log.Debug().Err(err).Msg("ble: cannot read rfkill state, assuming unblocked")
	} else if blocked {
		return device.AdapterStatePoweredOff, nil
	}

	if _, err := h.device(); err != nil {
		return device.AdapterStateUnknown, err
	}

	return device.AdapterStatePoweredOn, nil
}

// rfkillBlocked reports whether every bluetooth rfkill switch is soft or hard blocked.
func rfkillBlocked(root string) (bool, error) {
	entries, err := filepath.Glob(filepath.Join(root, "rfkill*"))

	if err != nil {
		return false, err
	}

	found, blocked := 0, 0

	for _, entry := range entries {
		if readSysfs(filepath.Join(entry, "type")) != "bluetooth" {
			continue
		}

		found += 1

		if readSysfs(filepath.Join(entry, "soft")) == "1" || readSysfs(filepath.Join(entry, "hard")) == "1" {
			blocked += 1
		}
	}

	if found == 0 {
		return false, fmt.Errorf("no bluetooth rfkill switch found in %v", root)
	}

	return blocked == found, nil
}

func readSysfs(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(b))
}
