package hci

import "github.com/fako1024/gatt"

var (
	defaultDeviceOptions = []gatt.Option{
		gatt.LnxMaxConnections(1),
		gatt.LnxDeviceID(-1, true),
	}
)

func deviceIDOptions(id int) []gatt.Option {
	return []gatt.Option{
		gatt.LnxMaxConnections(1),
		gatt.LnxDeviceID(id, true),
	}
}
