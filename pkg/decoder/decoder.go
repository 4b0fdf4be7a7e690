// Package decoder turns raw scale notification frames into weight readings. Packet
// layouts of the supported firmware families are described by DeviceProfiles, so a
// new family is a new table entry rather than new code.
package decoder

import (
	"encoding/binary"
	"fmt"

	"github.com/fako1024/blescale/pkg/scale"
)

// RejectReason denotes why a frame did not yield a reading
type RejectReason int

const (

	// TooShort denotes a frame shorter than the profile's minimum length
	TooShort RejectReason = iota + 1

	// WrongPacketType denotes a frame whose marker byte is not a measurement marker
	WrongPacketType

	// WrongLength denotes a frame not matching the profile's exact length
	WrongLength

	// UnknownUnit denotes an unrecognized unit code
	UnknownUnit

	// Unstable denotes a well-formed reading that has not settled yet
	Unstable
)

// Error fulfils the error interface
func (r RejectReason) Error() string {
	switch r {
	case TooShort:
		return "frame too short"
	case WrongPacketType:
		return "wrong packet type"
	case WrongLength:
		return "wrong frame length"
	case UnknownUnit:
		return "unknown unit"
	case Unstable:
		return "measurement unstable"
	}
	return fmt.Sprintf("reject reason %d", int(r))
}

// Malformed returns if the reason denotes a malformed frame (as opposed to a valid but
// unsettled measurement)
func (r RejectReason) Malformed() bool {
	return r != Unstable
}

// Decode decodes a raw notification frame using the given profile. It either returns a
// complete reading or an error wrapping a RejectReason. Frames too short for any offset
// of the profile are rejected even if the profile itself does not validate
func Decode(raw []byte, p DeviceProfile) (scale.WeightReading, error) {

	minLength := p.MinLength
	if last := p.lastOffset(); minLength <= last {
		minLength = last + 1
	}
	if len(raw) < minLength {
		return scale.WeightReading{}, fmt.Errorf("%w: got %d bytes, need at least %d", TooShort, len(raw), minLength)
	}

	if p.Marker != nil && raw[p.Marker.Offset] != p.Marker.Value {
		return scale.WeightReading{}, fmt.Errorf("%w: marker 0x%02x, want 0x%02x", WrongPacketType, raw[p.Marker.Offset], p.Marker.Value)
	}

	if p.ExactLength && len(raw) != p.MinLength {
		return scale.WeightReading{}, fmt.Errorf("%w: got %d bytes, want %d", WrongLength, len(raw), p.MinLength)
	}

	var (
		negative  = p.Negative.Matches(raw[p.SignOffset])
		rawWeight = binary.BigEndian.Uint16(raw[p.WeightOffset : p.WeightOffset+2])
		unitCode  = raw[p.UnitOffset]
		stable    = p.Stable.Matches(raw[p.StableOffset])
	)

	unit, ok := p.Units[unitCode]
	if !ok {
		return scale.WeightReading{}, fmt.Errorf("%w: code 0x%02x", UnknownUnit, unitCode)
	}

	weight := float64(rawWeight) / p.Divisor(unit)
	if negative {
		weight = -weight
	}

	reading := scale.WeightReading{
		Weight: weight,
		Unit:   unit,
		Stable: stable,
	}
	if unit == scale.UnitPoundsOunces {
		reading.PoundsOunces = &scale.PoundsOunces{
			Negative: negative,
			Pounds:   int(rawWeight / 16),
			Ounces:   float64(rawWeight%16) / 10.,
		}
	}

	if !stable {
		return scale.WeightReading{}, fmt.Errorf("%w: stability byte 0x%02x", Unstable, raw[p.StableOffset])
	}

	return reading, nil
}
