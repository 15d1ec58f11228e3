package broadcast

import (
	"fmt"
	"strings"

	"github.com/robertof/go-scale-monitor/device"
	"github.com/rs/zerolog/log"
)

const (
	DefaultName   = "broadcast"
	DefaultPrefix = "C8:47:8C"
)

// DefaultNameHints are substrings of advertised names used by the supported scales.
var DefaultNameHints = []string{"scale", "weight", "qn-scale", "chipsea"}

// Family is a broadcast weight scale family, identified by the vendor prefix of its address.
//
// The company identifier inside the manufacturer data is ignored on purpose: it changes between
// advertisements of the same physical scale.
type Family struct {
	name      string
	prefix    string
	nameHints []string
}

func New(name, prefix string, nameHints []string) (*Family, error) {
	normalized, err := normalizePrefix(prefix)
	if err != nil {
		return nil, err
	}

	hints := make([]string, 0, len(nameHints))
	for _, h := range nameHints {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hints = append(hints, h)
		}
	}

	if name == "" {
		name = DefaultName + "-" + strings.ToLower(strings.ReplaceAll(normalized, ":", ""))
	}

	return &Family{
		name:      name,
		prefix:    normalized,
		nameHints: hints,
	}, nil
}

// Default returns the built-in scale family.
func Default() *Family {
	f, err := New(DefaultName, DefaultPrefix, DefaultNameHints)
	if err != nil {
		panic("invalid default broadcast family: " + err.Error())
	}

	return f
}

func (f *Family) Name() string {
	return f.name
}

func (f *Family) Prefix() string {
	return f.prefix
}

func (f *Family) NameHints() []string {
	return f.nameHints
}

// Classify accepts a device whose address carries the family vendor prefix. In loose mode a
// device is also accepted when its name contains one of the name hints, or when it advertises
// no name but does carry manufacturer data.
func (f *Family) Classify(d device.Discovered, mode device.MatchMode) bool {
	if f.matchesPrefix(d) {
		return true
	}

	if mode != device.MatchLoose {
		return false
	}

	name := strings.ToLower(d.DisplayName())

	for _, hint := range f.nameHints {
		if strings.Contains(name, hint) {
			return true
		}
	}

	return name == device.PlaceholderName && d.HasManufacturerData()
}

func (f *Family) Decode(payload []byte) (device.Reading, bool) {
	return Decode(payload)
}

func (f *Family) String() string {
	return fmt.Sprintf("broadcast[name=%q, prefix=%v, names=%v]", f.name, f.prefix, f.nameHints)
}

func (f *Family) matchesPrefix(d device.Discovered) bool {
	prefix, err := d.VendorPrefix()

	if err != nil {
		log.Trace().Err(err).Str("Addr", d.Addr).Msg("broadcast: cannot extract vendor prefix")
		return false
	}

	return prefix == f.prefix
}

func normalizePrefix(prefix string) (string, error) {
	// pad to a full address so net.ParseMAC can validate it.
	p, err := device.VendorPrefix(strings.ReplaceAll(strings.TrimSpace(prefix), "-", ":") + ":00:00:00")
	if err != nil {
		return "", fmt.Errorf("invalid vendor prefix %q: %w", prefix, err)
	}

	return p, nil
}
