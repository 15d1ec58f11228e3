package device

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var ErrInvalidAddress = errors.New("invalid address")

// PlaceholderName is reported by scanners for devices that do not advertise a local name.
const PlaceholderName = "n/a"

// Discovered is a single discovery event: one advertisement received from a peripheral while
// a scan is active. It is never mutated after being handed to a consumer.
type Discovered struct {
	Addr             string
	Name             string
	ManufacturerData []byte
	RSSI             int
	HasRSSI          bool
	Connectable      bool
}

func (d Discovered) HasName() bool {
	return d.Name != ""
}

func (d Discovered) HasManufacturerData() bool {
	return len(d.ManufacturerData) > 0
}

// DisplayName returns the advertised name, or PlaceholderName when none was advertised.
func (d Discovered) DisplayName() string {
	if !d.HasName() {
		return PlaceholderName
	}

	return d.Name
}

// VendorPrefix returns the first three octets of the hardware address, upper-cased and colon
// separated (e.g. "C8:47:8C").
func (d Discovered) VendorPrefix() (string, error) {
	return VendorPrefix(d.Addr)
}

func (d Discovered) String() string {
	return fmt.Sprintf("device[addr=%v, name=%q, mfr=%x]", d.Addr, d.DisplayName(), d.ManufacturerData)
}

// VendorPrefix extracts the vendor portion (OUI) of a MAC address.
func VendorPrefix(addr string) (string, error) {
	hwAddr, err := net.ParseMAC(addr)

	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidAddress, addr, err)
	}

	if len(hwAddr) < 3 {
		return "", fmt.Errorf("%w: %q is too short", ErrInvalidAddress, addr)
	}

	return strings.ToUpper(hwAddr[:3].String()), nil
}

// AdapterState is the power state of the local Bluetooth adapter.
type AdapterState uint8

const (
	AdapterStateUnknown AdapterState = iota
	AdapterStatePoweredOn
	AdapterStatePoweredOff
)

func (s AdapterState) String() string {
	switch s {
	case AdapterStateUnknown:
		return "Unknown"
	case AdapterStatePoweredOn:
		return "PoweredOn"
	case AdapterStatePoweredOff:
		return "PoweredOff"
	default:
		return fmt.Sprintf("AdapterState(%d)", uint8(s))
	}
}
