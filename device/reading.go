package device

import (
	"fmt"
	"strconv"
	"time"
)

const (
	MinWeightKg = 30.0
	MaxWeightKg = 200.0
)

// Method records which byte order produced a reading.
type Method uint8

const (
	MethodBigEndian Method = iota
	MethodLittleEndian
)

func (m Method) String() string {
	switch m {
	case MethodBigEndian:
		return "BigEndian"
	case MethodLittleEndian:
		return "LittleEndian"
	default:
		panic("unknown Method value: " + strconv.Itoa(int(m)))
	}
}

// Reading is a decoded weight measurement. ValueKg always lies within
// [MinWeightKg, MaxWeightKg]; decoders never build a Reading outside of it.
type Reading struct {
	ValueKg    float64
	Method     Method
	Position   int
	Raw        []byte
	CapturedAt time.Time
}

func (r Reading) String() string {
	return fmt.Sprintf("Reading[Weight=%.1fkg,Method=%v,Position=%d,Raw=%x]",
		r.ValueKg, r.Method, r.Position, r.Raw)
}

// IsPlausibleWeight reports whether kg is a plausible adult body weight.
func IsPlausibleWeight(kg float64) bool {
	return kg >= MinWeightKg && kg <= MaxWeightKg
}
