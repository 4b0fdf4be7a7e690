package decoder

import (
	"errors"
	"testing"

	"github.com/fako1024/blescale/pkg/scale"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustProfile(t *testing.T, name string) DeviceProfile {
	t.Helper()
	p, err := Lookup(name)
	require.NoError(t, err)
	return p
}

func TestDecodeFramedGrams(t *testing.T) {
	p := mustProfile(t, "framed")

	// marker 0xd0 @4, sign @6, weight @7-8, unit @9, stable @10, 12 bytes total
	raw := []byte{0xa5, 0x02, 0x00, 0x0c, 0xd0, 0x00, 0x00, 0x00, 0x64, 0x00, 0x01, 0x00}

	reading, err := Decode(raw, p)
	require.NoError(t, err)
	assert.Equal(t, 10.0, reading.Weight)
	assert.Equal(t, scale.UnitGrams, reading.Unit)
	assert.True(t, reading.Stable)
	assert.Nil(t, reading.PoundsOunces)
	assert.Equal(t, "10.0 g", reading.String())
}

func TestDecodeClassic(t *testing.T) {
	p := mustProfile(t, "classic")

	tests := []struct {
		name    string
		sign    byte
		weight  [2]byte
		unit    byte
		want    float64
		wantU   scale.Unit
		display string
	}{
		{"grams", 0x00, [2]byte{0x04, 0xd2}, 0x00, 123.4, scale.UnitGrams, "123.4"},
		{"negative grams", 0x01, [2]byte{0x00, 0x64}, 0x00, -10.0, scale.UnitGrams, "-10.0"},
		{"milliliters", 0x00, [2]byte{0x01, 0xf4}, 0x02, 50.0, scale.UnitMilliliters, "50.0"},
		{"milk milliliters", 0x00, [2]byte{0x01, 0xf4}, 0x04, 50.0, scale.UnitMilkMilliliters, "50.0"},
		{"fluid ounces", 0x00, [2]byte{0x01, 0xf4}, 0x03, 5.0, scale.UnitFluidOunces, "5.0"},
		{"milk fluid ounces", 0x00, [2]byte{0x00, 0xfa}, 0x05, 2.5, scale.UnitMilkFluidOunces, "2.5"},
		{"ounces", 0x01, [2]byte{0x00, 0x96}, 0x06, -1.5, scale.UnitOunces, "-1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := make([]byte, 14)
			raw[9] = tt.sign
			raw[10], raw[11] = tt.weight[0], tt.weight[1]
			raw[12] = tt.unit
			raw[13] = 0x01

			reading, err := Decode(raw, p)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, reading.Weight, 1e-9)
			assert.Equal(t, tt.wantU, reading.Unit)
			assert.Equal(t, tt.display, reading.Display())
		})
	}
}

func TestDecodePoundsOunces(t *testing.T) {
	p := mustProfile(t, "classic")

	raw := make([]byte, 14)
	raw[11] = 20 // 20 div 16 = 1, 20 mod 16 / 10 = 0.4
	raw[12] = 0x01
	raw[13] = 0x01

	reading, err := Decode(raw, p)
	require.NoError(t, err)
	require.NotNil(t, reading.PoundsOunces)
	assert.Equal(t, scale.UnitPoundsOunces, reading.Unit)
	assert.False(t, reading.PoundsOunces.Negative)
	assert.Equal(t, 1, reading.PoundsOunces.Pounds)
	assert.InDelta(t, 0.4, reading.PoundsOunces.Ounces, 1e-9)
	assert.Equal(t, "1:0.4", reading.Display())
	assert.Equal(t, "1:0.4 lb:oz", reading.String())

	// Sign applies to the whole value, not only the pounds
	raw[9] = 0x01
	raw[11] = 5
	reading, err = Decode(raw, p)
	require.NoError(t, err)
	assert.True(t, reading.PoundsOunces.Negative)
	assert.Equal(t, 0, reading.PoundsOunces.Pounds)
	assert.Equal(t, "-0:0.5", reading.Display())
	assert.Less(t, reading.Weight, 0.)
}

func TestDecodeUnstable(t *testing.T) {
	for _, name := range Profiles() {
		t.Run(name, func(t *testing.T) {
			p := mustProfile(t, name)
			raw, err := p.Encode(false, 100, scale.UnitGrams, false)
			require.NoError(t, err)

			_, err = Decode(raw, p)
			require.Error(t, err)
			assert.True(t, errors.Is(err, Unstable))

			var reason RejectReason
			require.True(t, errors.As(err, &reason))
			assert.False(t, reason.Malformed())
		})
	}
}

func TestDecodeFlaggedStabilityBits(t *testing.T) {
	p := mustProfile(t, "flagged")

	raw := []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x01, 0x00, 0x64, 0x00, 0xa3, 0x00}
	reading, err := Decode(raw, p)
	require.NoError(t, err)
	assert.Equal(t, -10.0, reading.Weight)

	// Only one of the two stability bits set
	raw[9] = 0x80
	_, err = Decode(raw, p)
	assert.ErrorIs(t, err, Unstable)

	// Fixed divisor regardless of unit
	raw[9] = 0xa0
	raw[8] = 0x06
	reading, err = Decode(raw, p)
	require.NoError(t, err)
	assert.Equal(t, scale.UnitOunces, reading.Unit)
	assert.Equal(t, -10.0, reading.Weight)
}

func TestDecodeRejections(t *testing.T) {
	framed := mustProfile(t, "framed")
	classic := mustProfile(t, "classic")

	valid, err := framed.Encode(false, 100, scale.UnitGrams, true)
	require.NoError(t, err)

	wrongType := append([]byte{}, valid...)
	wrongType[4] = 0xd1

	tooLong := append(append([]byte{}, valid...), 0x00)

	unknownUnit := append([]byte{}, valid...)
	unknownUnit[9] = 0x42

	tests := []struct {
		name    string
		raw     []byte
		profile DeviceProfile
		want    RejectReason
	}{
		{"empty", nil, framed, TooShort},
		{"one byte short", valid[:11], framed, TooShort},
		{"wrong packet type", wrongType, framed, WrongPacketType},
		{"wrong length", tooLong, framed, WrongLength},
		{"unknown unit", unknownUnit, framed, UnknownUnit},
		{"classic too short", make([]byte, 13), classic, TooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw, tt.profile)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, tt.want.Malformed())
		})
	}

	// Longer frames are fine for profiles that only define a minimum length
	classicLong, err := classic.Encode(false, 100, scale.UnitGrams, true)
	require.NoError(t, err)
	_, err = Decode(append(classicLong, 0xff, 0xff), classic)
	assert.NoError(t, err)
}

func TestDecodeShortFramesNeverPanic(t *testing.T) {
	for _, name := range Profiles() {
		p := mustProfile(t, name)
		for n := 0; n < p.MinLength; n++ {
			for _, fill := range []byte{0x00, 0x01, 0xa0, 0xd0, 0xff} {
				raw := make([]byte, n)
				for i := range raw {
					raw[i] = fill
				}
				assert.NotPanics(t, func() {
					_, err := Decode(raw, p)
					assert.ErrorIs(t, err, TooShort)
				})
			}
		}
	}
}

func TestProfilesRoundTrip(t *testing.T) {
	units := []scale.Unit{
		scale.UnitGrams, scale.UnitPoundsOunces, scale.UnitMilliliters, scale.UnitFluidOunces,
		scale.UnitMilkMilliliters, scale.UnitMilkFluidOunces, scale.UnitOunces,
	}

	for _, name := range Profiles() {
		p := mustProfile(t, name)
		require.NoError(t, p.Validate(), name)

		for _, unit := range units {
			for _, negative := range []bool{false, true} {
				raw, err := p.Encode(negative, 1234, unit, true)
				require.NoError(t, err)

				reading, err := Decode(raw, p)
				require.NoError(t, err, "%s/%s", name, unit)
				assert.Equal(t, unit, reading.Unit)
				assert.Equal(t, negative, reading.Weight < 0, "%s/%s", name, unit)
				assert.InDelta(t, 1234/p.Divisor(unit), abs(reading.Weight), 1e-9)
			}
		}
	}
}

func TestLookup(t *testing.T) {
	p, err := Lookup("")
	require.NoError(t, err)
	assert.Equal(t, DefaultProfile, p.Name)

	p, err = Lookup("FRAMED")
	require.NoError(t, err)
	assert.Equal(t, "framed", p.Name)
	assert.Equal(t, "00002c12-0000-1000-8000-00805f9b34fb", p.Characteristic.String())

	_, err = Lookup("does-not-exist")
	assert.Error(t, err)

	assert.Equal(t, []string{"classic", "compact", "flagged", "framed"}, Profiles())
}

func TestLookupReturnsCopy(t *testing.T) {
	p := mustProfile(t, "framed")
	p.Units[0x42] = scale.UnitGrams
	p.Marker.Value = 0xee
	delete(p.CoarseUnits, scale.UnitOunces)

	framed := mustProfile(t, "framed")
	_, ok := framed.Units[0x42]
	assert.False(t, ok)
	assert.Equal(t, byte(0xd0), framed.Marker.Value)

	classic := mustProfile(t, "classic")
	_, ok = classic.Units[0x42]
	assert.False(t, ok)
	assert.Equal(t, 100., classic.Divisor(scale.UnitOunces))
}

func TestDecodeUnvalidatedProfile(t *testing.T) {
	p := DeviceProfile{
		Name:         "handmade",
		Marker:       &Marker{Offset: 5, Value: 0xd0},
		SignOffset:   1,
		WeightOffset: 2,
		UnitOffset:   4,
		StableOffset: 6,
		Units:        map[byte]scale.Unit{0x00: scale.UnitGrams},
	}
	require.Error(t, p.Validate())

	for n := 0; n < 7; n++ {
		assert.NotPanics(t, func() {
			_, err := Decode(make([]byte, n), p)
			assert.ErrorIs(t, err, TooShort)
		})
	}
	assert.NotPanics(t, func() {
		_, err := Decode(make([]byte, 7), DeviceProfile{})
		assert.ErrorIs(t, err, UnknownUnit)
	})
}

func TestDivisor(t *testing.T) {
	classic := mustProfile(t, "classic")
	assert.Equal(t, 10., classic.Divisor(scale.UnitGrams))
	assert.Equal(t, 10., classic.Divisor(scale.UnitMilliliters))
	assert.Equal(t, 100., classic.Divisor(scale.UnitOunces))
	assert.Equal(t, 100., classic.Divisor(scale.UnitPoundsOunces))

	compact := mustProfile(t, "compact")
	assert.Equal(t, 10., compact.Divisor(scale.UnitOunces))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
