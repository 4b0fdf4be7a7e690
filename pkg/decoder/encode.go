package decoder

import (
	"encoding/binary"
	"fmt"

	"github.com/fako1024/blescale/pkg/scale"
)

// Encode builds a frame in the profile's layout, e.g. to feed a simulated scale. Bytes
// not covered by the layout are left zero
func (p DeviceProfile) Encode(negative bool, rawWeight uint16, unit scale.Unit, stable bool) ([]byte, error) {

	unitCode, ok := p.unitCode(unit)
	if !ok {
		return nil, fmt.Errorf("profile `%s` does not support unit %s", p.Name, unit)
	}

	frame := make([]byte, p.MinLength)
	if p.Marker != nil {
		frame[p.Marker.Offset] = p.Marker.Value
	}
	if negative {
		frame[p.SignOffset] = p.Negative.Value
	}
	binary.BigEndian.PutUint16(frame[p.WeightOffset:], rawWeight)
	frame[p.UnitOffset] = unitCode
	if stable {
		frame[p.StableOffset] = p.Stable.Value
	}

	return frame, nil
}

func (p DeviceProfile) unitCode(unit scale.Unit) (byte, bool) {
	for code, u := range p.Units {
		if u == unit {
			return code, true
		}
	}
	return 0, false
}
