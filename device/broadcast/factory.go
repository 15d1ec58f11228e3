package broadcast

import (
	"github.com/pkg/errors"
	"github.com/robertof/go-scale-monitor/device"
	"github.com/rs/zerolog/log"
)

var ErrMissingPrefix = errors.New("missing vendor prefix")

type Factory struct{}

func (f *Factory) FromSpec(spec device.DeviceSpec) (device.Family, error) {
	prefix := spec.Prefix()

	if prefix == "" {
		return nil, errors.Wrapf(ErrMissingPrefix, "broadcast: spec %v", map[string]string(spec))
	}

	hints := spec.Names()

	if _, ok := spec[device.DeviceSpecFieldNames]; !ok {
		hints = DefaultNameHints
	}

	fam, err := New(spec.Name(), prefix, hints)
	if err != nil {
		return nil, errors.Wrap(err, "broadcast")
	}

	log.Debug().Stringer("Family", fam).Msg("broadcast: registered scale family")

	return fam, nil
}

func (f *Factory) Help() string {
	return `Supported parameters:
prefix (string, required): vendor prefix (first three address octets) of the scale, e.g. C8:47:8C
name (string): name of this scale family
names (string): '|' separated substrings of advertised names accepted while monitoring (defaults to ` +
		`scale|weight|qn-scale|chipsea, empty disables name matching)`
}
