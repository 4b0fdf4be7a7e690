package scale

import (
	"fmt"
	"time"
)

// Unit denotes the unit of the weight measurement as reported by the scale
type Unit byte

const (

	// UnitGrams denotes metric mass
	UnitGrams Unit = 0x00

	// UnitPoundsOunces denotes the combined pounds:ounces display
	UnitPoundsOunces Unit = 0x01

	// UnitMilliliters denotes water volume
	UnitMilliliters Unit = 0x02

	// UnitFluidOunces denotes water volume (imperial)
	UnitFluidOunces Unit = 0x03

	// UnitMilkMilliliters denotes milk volume
	UnitMilkMilliliters Unit = 0x04

	// UnitMilkFluidOunces denotes milk volume (imperial)
	UnitMilkFluidOunces Unit = 0x05

	// UnitOunces denotes imperial mass
	UnitOunces Unit = 0x06
)

var unitNames = map[Unit]string{
	UnitGrams:           "Grams",
	UnitPoundsOunces:    "PoundsOunces",
	UnitMilliliters:     "Milliliters",
	UnitFluidOunces:     "FluidOunces",
	UnitMilkMilliliters: "MilkMilliliters",
	UnitMilkFluidOunces: "MilkFluidOunces",
	UnitOunces:          "Ounces",
}

var unitSymbols = map[Unit]string{
	UnitGrams:           "g",
	UnitPoundsOunces:    "lb:oz",
	UnitMilliliters:     "mL",
	UnitFluidOunces:     "fl. oz.",
	UnitMilkMilliliters: "mL",
	UnitMilkFluidOunces: "fl. oz.",
	UnitOunces:          "oz",
}

// String fulfils the Stringer interface
func (u Unit) String() string {
	if name, ok := unitNames[u]; ok {
		return name
	}
	return fmt.Sprintf("Unit(0x%02x)", byte(u))
}

// Symbol returns the display unit used by hosts (milk variants share the symbol of
// their water counterpart)
func (u Unit) Symbol() string {
	return unitSymbols[u]
}

// Valid returns if the unit is one of the known protocol units
func (u Unit) Valid() bool {
	_, ok := unitNames[u]
	return ok
}

// PoundsOunces denotes the compound representation of a pounds:ounces reading. The sign
// applies to the whole value
type PoundsOunces struct {
	Negative bool
	Pounds   int
	Ounces   float64
}

// String fulfils the Stringer interface
func (p PoundsOunces) String() string {
	s := fmt.Sprintf("%d:%.1f", p.Pounds, p.Ounces)
	if p.Negative {
		return "-" + s
	}
	return s
}

// WeightReading denotes a single decoded measurement
type WeightReading struct {
	Weight float64
	Unit   Unit
	Stable bool

	// PoundsOunces is only set for UnitPoundsOunces
	PoundsOunces *PoundsOunces
}

// Display returns the reading's value as shown on the scale
func (w WeightReading) Display() string {
	if w.PoundsOunces != nil {
		return w.PoundsOunces.String()
	}
	return fmt.Sprintf("%.1f", w.Weight)
}

// String fulfils the Stringer interface
func (w WeightReading) String() string {
	return w.Display() + " " + w.Unit.Symbol()
}

// Phase denotes the connection phase of a scale
type Phase int

const (

	// PhaseDisconnected is active while no connection to the scale exists
	PhaseDisconnected Phase = iota

	// PhaseConnecting is active while a connection attempt is in flight
	PhaseConnecting

	// PhaseConnected is active while being connected to the scale
	PhaseConnected
)

// String fulfils the Stringer interface
func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// ConnectionStatus denotes the current host-visible status of the scale
type ConnectionStatus struct {
	Phase
	Available     bool
	LastReading   *WeightReading
	RetryDeadline time.Time
	Error         error
}
