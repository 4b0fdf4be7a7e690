package decoder

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fako1024/blescale/pkg/scale"
	"github.com/google/uuid"
)

const (

	// DefaultProfile denotes the profile used if none is selected
	DefaultProfile = "classic"

	coarseDivisor = 100.
	fineDivisor   = 10.
)

var (

	// ServiceUUID denotes the vendor service hosting the scale characteristics
	ServiceUUID = uuid.MustParse("00001910-0000-1000-8000-00805f9b34fb")

	// NotifyCharacteristic denotes the characteristic the scale sends weight packets on
	NotifyCharacteristic = uuid.MustParse("00002c12-0000-1000-8000-00805f9b34fb")
)

// BytePattern matches a single byte: b&Mask == Value
type BytePattern struct {
	Mask  byte
	Value byte
}

// Equals returns a pattern matching exactly the given byte
func Equals(b byte) BytePattern {
	return BytePattern{Mask: 0xFF, Value: b}
}

// BitsSet returns a pattern matching any byte that has all bits of mask set
func BitsSet(mask byte) BytePattern {
	return BytePattern{Mask: mask, Value: mask}
}

// Matches returns if b matches the pattern
func (p BytePattern) Matches(b byte) bool {
	return b&p.Mask == p.Value
}

// Marker denotes a fixed packet-type byte
type Marker struct {
	Offset int
	Value  byte
}

// DeviceProfile describes the packet layout of one scale family
type DeviceProfile struct {
	Name           string
	Characteristic uuid.UUID

	MinLength   int
	ExactLength bool
	Marker      *Marker

	SignOffset   int
	Negative     BytePattern
	WeightOffset int
	UnitOffset   int
	StableOffset int
	Stable       BytePattern

	Units map[byte]scale.Unit

	// CoarseUnits are divided by 100, all others by 10. A non-zero FixedDivisor
	// overrides both
	CoarseUnits  map[scale.Unit]struct{}
	FixedDivisor float64
}

// Divisor returns the divisor applied to the raw weight for the given unit
func (p DeviceProfile) Divisor(unit scale.Unit) float64 {
	if p.FixedDivisor != 0 {
		return p.FixedDivisor
	}
	if _, ok := p.CoarseUnits[unit]; ok {
		return coarseDivisor
	}
	return fineDivisor
}

// Validate checks the profile for internal consistency
func (p DeviceProfile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile has no name")
	}
	if p.Characteristic == uuid.Nil {
		return fmt.Errorf("profile `%s` has no notification characteristic", p.Name)
	}
	if len(p.Units) == 0 {
		return fmt.Errorf("profile `%s` has an empty unit table", p.Name)
	}

	if last := p.lastOffset(); p.MinLength <= last {
		return fmt.Errorf("profile `%s`: minimum length %d does not cover offset %d", p.Name, p.MinLength, last)
	}

	return nil
}

// lastOffset returns the highest byte offset read when decoding a frame
func (p DeviceProfile) lastOffset() int {
	last := p.WeightOffset + 1
	for _, off := range []int{p.SignOffset, p.UnitOffset, p.StableOffset} {
		if off > last {
			last = off
		}
	}
	if p.Marker != nil && p.Marker.Offset > last {
		last = p.Marker.Offset
	}
	return last
}

func (p DeviceProfile) clone() DeviceProfile {
	if p.Marker != nil {
		marker := *p.Marker
		p.Marker = &marker
	}
	if p.Units != nil {
		units := make(map[byte]scale.Unit, len(p.Units))
		for code, unit := range p.Units {
			units[code] = unit
		}
		p.Units = units
	}
	if p.CoarseUnits != nil {
		coarse := make(map[scale.Unit]struct{}, len(p.CoarseUnits))
		for unit := range p.CoarseUnits {
			coarse[unit] = struct{}{}
		}
		p.CoarseUnits = coarse
	}
	return p
}

var defaultUnits = map[byte]scale.Unit{
	0x00: scale.UnitGrams,
	0x01: scale.UnitPoundsOunces,
	0x02: scale.UnitMilliliters,
	0x03: scale.UnitFluidOunces,
	0x04: scale.UnitMilkMilliliters,
	0x05: scale.UnitMilkFluidOunces,
	0x06: scale.UnitOunces,
}

var defaultCoarseUnits = map[scale.Unit]struct{}{
	scale.UnitFluidOunces:     {},
	scale.UnitMilkFluidOunces: {},
	scale.UnitOunces:          {},
	scale.UnitPoundsOunces:    {},
}

var profiles = map[string]DeviceProfile{

	// ESN00 firmware, no packet type marker
	"classic": {
		Name:           "classic",
		Characteristic: NotifyCharacteristic,
		MinLength:      14,
		SignOffset:     9,
		Negative:       Equals(0x01),
		WeightOffset:   10,
		UnitOffset:     12,
		StableOffset:   13,
		Stable:         Equals(0x01),
		Units:          defaultUnits,
		CoarseUnits:    defaultCoarseUnits,
	},

	"framed": {
		Name:           "framed",
		Characteristic: NotifyCharacteristic,
		MinLength:      12,
		ExactLength:    true,
		Marker:         &Marker{Offset: 4, Value: 0xd0},
		SignOffset:     6,
		Negative:       Equals(0x01),
		WeightOffset:   7,
		UnitOffset:     9,
		StableOffset:   10,
		Stable:         Equals(0x01),
		Units:          defaultUnits,
		CoarseUnits:    defaultCoarseUnits,
	},

	"flagged": {
		Name:           "flagged",
		Characteristic: NotifyCharacteristic,
		MinLength:      11,
		Marker:         &Marker{Offset: 3, Value: 0x02},
		SignOffset:     5,
		Negative:       BitsSet(0x01),
		WeightOffset:   6,
		UnitOffset:     8,
		StableOffset:   9,
		Stable:         BitsSet(0xA0),
		Units:          defaultUnits,
		FixedDivisor:   fineDivisor,
	},

	"compact": {
		Name:           "compact",
		Characteristic: NotifyCharacteristic,
		MinLength:      8,
		SignOffset:     3,
		Negative:       Equals(0x01),
		WeightOffset:   4,
		UnitOffset:     6,
		StableOffset:   7,
		Stable:         Equals(0x01),
		Units:          defaultUnits,
		FixedDivisor:   fineDivisor,
	},
}

// Lookup returns a copy of the profile registered under the given name (case-insensitive).
// Modifying the copy does not affect the registered profile
func Lookup(name string) (DeviceProfile, error) {
	if name == "" {
		name = DefaultProfile
	}
	p, ok := profiles[strings.ToLower(name)]
	if !ok {
		return DeviceProfile{}, fmt.Errorf("unknown device profile `%s` (available: %s)", name, strings.Join(Profiles(), ", "))
	}

	return p.clone(), nil
}

// Profiles returns the names of all known profiles
func Profiles() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
