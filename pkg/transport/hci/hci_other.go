//go:build !linux

package hci

import "github.com/fako1024/gatt"

var defaultDeviceOptions []gatt.Option

func deviceIDOptions(int) []gatt.Option {
	return nil
}
