package bluez

import (
	"github.com/fako1024/blescale/pkg/scale"
	"tinygo.org/x/bluetooth"
)

// WithAdapter sets the Bluetooth adapter (default: bluetooth.DefaultAdapter)
func WithAdapter(adapter *bluetooth.Adapter) func(*Transport) {
	return func(t *Transport) {
		t.adapter = adapter
	}
}

// WithLogger sets the logger
func WithLogger(logger scale.Logger) func(*Transport) {
	return func(t *Transport) {
		t.logger = logger
	}
}
