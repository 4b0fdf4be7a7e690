package config

import (
	"fmt"
	"time"

	"github.com/fako1024/blescale/pkg/decoder"
	"github.com/fako1024/blescale/pkg/mock"
	"github.com/fako1024/blescale/pkg/scale"
	"github.com/fako1024/blescale/pkg/transport"
	"github.com/fako1024/blescale/pkg/transport/bluez"
	"github.com/fako1024/blescale/pkg/transport/hci"
)

const mockFeedInterval = time.Second

// Raw weights (tenths of a gram) cycled through by the mock transport
var mockFeedWeights = []uint16{0, 1234, 2500, 4999}

// NewTransport instantiates the configured transport. The returned function releases
// it and must be called once the transport is no longer used
func (c *ScaleConfig) NewTransport(logger scale.Logger) (transport.Transport, func(), error) {
	switch c.Transport {
	case TransportHCI:
		opts := []func(*hci.Transport){hci.WithLogger(logger)}
		if c.HCIDevice >= 0 {
			opts = append(opts, hci.WithDeviceID(c.HCIDevice))
		}
		t, err := hci.New(opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize HCI device: %w", err)
		}
		return t, func() {
			if err := t.Close(); err != nil {
				logger.Warnf("failed to close HCI device: %s", err)
			}
		}, nil

	case TransportBlueZ:
		t, err := bluez.New(bluez.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return t, func() {}, nil

	case TransportMock:
		p, err := decoder.Lookup(c.Profile)
		if err != nil {
			return nil, nil, err
		}
		t := mock.New()
		if err := t.StartFeed(p, scale.UnitGrams, mockFeedInterval, mockFeedWeights...); err != nil {
			return nil, nil, fmt.Errorf("failed to start mock feed: %w", err)
		}
		return t, t.StopFeed, nil
	}

	return nil, nil, fmt.Errorf("unsupported transport `%s`", c.Transport)
}
