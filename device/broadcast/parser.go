package broadcast

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/robertof/go-scale-monitor/device"
)

const weightDivisor = 100.0

// now is swapped in tests.
var now = time.Now

// Decode scans the payload for a plausible 16 bit weight value. Offsets are tried in ascending
// order; at each offset big-endian is tried before little-endian. The first match wins.
func Decode(payload []byte) (reading device.Reading, ok bool) {
	if len(payload) < 2 {
		return reading, false
	}

	for i := 0; i+1 < len(payload); i += 1 {
		pair := payload[i : i+2]

		if kg, ok := weightFromRaw(binary.BigEndian.Uint16(pair)); ok {
			return newReading(payload, i, kg, device.MethodBigEndian), true
		}

		if kg, ok := weightFromRaw(binary.LittleEndian.Uint16(pair)); ok {
			return newReading(payload, i, kg, device.MethodLittleEndian), true
		}
	}

	return reading, false
}

func weightFromRaw(raw uint16) (float64, bool) {
	kg := float64(raw) / weightDivisor

	if !device.IsPlausibleWeight(kg) {
		return 0, false
	}

	return roundToTenth(kg), true
}

func roundToTenth(v float64) float64 {
	return math.Round(v*10) / 10
}

func newReading(payload []byte, pos int, kg float64, method device.Method) device.Reading {
	raw := make([]byte, len(payload))
	copy(raw, payload)

	return device.Reading{
		ValueKg:    kg,
		Method:     method,
		Position:   pos,
		Raw:        raw,
		CapturedAt: now(),
	}
}
