package device_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/robertof/go-scale-monitor/device"
)

func TestVendorPrefix(t *testing.T) {
	got, err := device.VendorPrefix("c8:47:8c:01:02:03")

	if err != nil {
		t.Fatalf("VendorPrefix() got error: %v", err)
	}

	if got != "C8:47:8C" {
		t.Fatalf("VendorPrefix(): got %q, wanted %q", got, "C8:47:8C")
	}

	if _, err := device.VendorPrefix("garbage"); !errors.Is(err, device.ErrInvalidAddress) {
		t.Fatalf("VendorPrefix(garbage): got error %v, wanted %v", err, device.ErrInvalidAddress)
	}
}

func TestDiscovered_DisplayName(t *testing.T) {
	if got := (device.Discovered{}).DisplayName(); got != device.PlaceholderName {
		t.Fatalf("DisplayName(): got %q, wanted %q", got, device.PlaceholderName)
	}

	if got := (device.Discovered{Name: "Scale"}).DisplayName(); got != "Scale" {
		t.Fatalf("DisplayName(): got %q, wanted %q", got, "Scale")
	}
}

func TestDeviceSpec(t *testing.T) {
	spec := device.NewDeviceSpec("name=home, prefix = C8:47:8C ,names=a| b ||c,broken")

	want := device.DeviceSpec{
		"name":   "home",
		"prefix": "C8:47:8C",
		"names":  "a| b ||c",
	}

	if !reflect.DeepEqual(spec, want) {
		t.Fatalf("NewDeviceSpec(): got %v, wanted %v", spec, want)
	}

	if got := spec.Names(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("Names(): got %q", got)
	}

	if got := spec.List("missing"); got != nil {
		t.Fatalf("List(missing): got %q, wanted nil", got)
	}
}

func TestIsPlausibleWeight(t *testing.T) {
	for kg, want := range map[float64]bool{29.99: false, 30: true, 68.9: true, 200: true, 200.01: false} {
		if got := device.IsPlausibleWeight(kg); got != want {
			t.Fatalf("IsPlausibleWeight(%v): got %v, wanted %v", kg, got, want)
		}
	}
}
