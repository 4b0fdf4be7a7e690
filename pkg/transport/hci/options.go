package hci

import (
	"github.com/fako1024/blescale/pkg/scale"
	"github.com/fako1024/gatt"
)

// WithDevice sets the Bluetooth device
func WithDevice(btDevice gatt.Device) func(*Transport) {
	return func(t *Transport) {
		t.btDevice = btDevice
	}
}

// WithDeviceID selects the HCI device by its numeric ID (e.g. 0 for hci0). It has no
// effect if a device is provided via WithDevice
func WithDeviceID(id int) func(*Transport) {
	return func(t *Transport) {
		t.deviceOptions = deviceIDOptions(id)
	}
}

// WithLogger sets the logger
func WithLogger(logger scale.Logger) func(*Transport) {
	return func(t *Transport) {
		t.logger = logger
	}
}
