package device

import (
	"strings"

	"github.com/rs/zerolog/log"
)

// DeviceSpec is a family definition in the form of `key=value,key=value`.
type DeviceSpec map[string]string

const (
	DeviceSpecFieldName   = "name"
	DeviceSpecFieldPrefix = "prefix"
	DeviceSpecFieldNames  = "names"

	deviceSpecListSeparator = "|"
)

func NewDeviceSpec(s string) DeviceSpec {
	spec := DeviceSpec{}
	entries := strings.Split(s, ",")

	for _, entry := range entries {
		parts := strings.SplitN(entry, "=", 2)

		if len(parts) != 2 {
			log.Warn().Str("Entry", entry).Msg("Skipping invalid device spec entry")
			continue
		}

		spec[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}

	return spec
}

func (ds DeviceSpec) Name() string {
	return ds[DeviceSpecFieldName]
}

func (ds DeviceSpec) Prefix() string {
	return ds[DeviceSpecFieldPrefix]
}

// Names returns the `|` separated name hints, skipping empty entries.
func (ds DeviceSpec) Names() []string {
	return ds.List(DeviceSpecFieldNames)
}

func (ds DeviceSpec) List(key string) (out []string) {
	v, ok := ds[key]
	if !ok || v == "" {
		return nil
	}

	for _, item := range strings.Split(v, deviceSpecListSeparator) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}

	return out
}
