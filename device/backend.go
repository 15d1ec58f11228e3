package device

import "strconv"

// MatchMode selects how strictly a Classifier matches devices.
type MatchMode uint8

const (
	// MatchStrict only trusts the vendor prefix of the hardware address.
	MatchStrict MatchMode = iota
	// MatchLoose additionally accepts devices based on their advertised name.
	MatchLoose
)

func (m MatchMode) String() string {
	switch m {
	case MatchStrict:
		return "Strict"
	case MatchLoose:
		return "Loose"
	default:
		panic("unknown MatchMode value: " + strconv.Itoa(int(m)))
	}
}

// Classifier decides whether a discovered device belongs to a supported scale family.
// Rejection is not an error.
type Classifier interface {
	Classify(d Discovered, mode MatchMode) bool
}

// Decoder extracts a weight reading out of a raw payload. A false return means the payload
// holds no recognizable reading, which is expected while a scale is stabilizing.
type Decoder interface {
	Decode(payload []byte) (Reading, bool)
}

// Family is a scale family: the devices it claims and how their payloads are decoded.
type Family interface {
	Classifier
	Decoder

	Name() string
	String() string
}

// Families combines several families. A device is accepted if any of them accepts it.
type Families []Family

func (fs Families) Classify(d Discovered, mode MatchMode) bool {
	_, ok := fs.Match(d, mode)
	return ok
}

// Match returns the first family accepting d.
func (fs Families) Match(d Discovered, mode MatchMode) (Family, bool) {
	for _, f := range fs {
		if f.Classify(d, mode) {
			return f, true
		}
	}

	return nil, false
}
