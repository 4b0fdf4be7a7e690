package bluez

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fako1024/blescale/pkg/scale"
	"github.com/fako1024/blescale/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"
)

var (
	_ transport.Transport    = &Transport{}
	_ transport.DropNotifier = &Transport{}
)

type fakeDevice struct {
	mu          sync.Mutex
	disconnects int
	err         error
}

func (d *fakeDevice) DiscoverServices([]bluetooth.UUID) ([]bluetooth.DeviceService, error) {
	return nil, nil
}

func (d *fakeDevice) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects++
	return d.err
}

func (d *fakeDevice) Disconnects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disconnects
}

func newTestTransport(fn connectFunc) *Transport {
	return &Transport{
		connect: fn,
		conns:   make(map[string]*Conn),
		logger:  &scale.NullLogger{},
	}
}

func TestConnectDisconnect(t *testing.T) {
	dev := &fakeDevice{}
	var params bluetooth.ConnectionParams
	tr := newTestTransport(func(_ bluetooth.Address, p bluetooth.ConnectionParams) (device, error) {
		params = p
		return dev, nil
	})

	h, err := tr.Connect(context.Background(), "aa:bb:cc:dd:ee:ff", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", h.Address())
	assert.Equal(t, bluetooth.NewDuration(10*time.Second), params.ConnectionTimeout)
	assert.True(t, tr.IsConnected(h))

	dropped := false
	tr.NotifyDrop(h, func() { dropped = true })

	require.NoError(t, tr.Disconnect(context.Background(), h))
	assert.False(t, tr.IsConnected(h))
	assert.Equal(t, 1, dev.Disconnects())
	assert.False(t, dropped, "a requested disconnect is not a drop")
	assert.Empty(t, tr.conns)
}

func TestConnectErrors(t *testing.T) {
	tr := newTestTransport(func(bluetooth.Address, bluetooth.ConnectionParams) (device, error) {
		return nil, errors.New("connection timeout")
	})
	_, err := tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF", time.Second)
	assert.Equal(t, transport.KindTimeout, transport.KindOf(err))

	tr = newTestTransport(func(bluetooth.Address, bluetooth.ConnectionParams) (device, error) {
		return nil, errors.New("org.bluez.Error.Failed")
	})
	_, err = tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF", time.Second)
	assert.Equal(t, transport.KindTransport, transport.KindOf(err))
}

func TestConnectCancelled(t *testing.T) {
	dev := &fakeDevice{}
	release := make(chan struct{})
	tr := newTestTransport(func(bluetooth.Address, bluetooth.ConnectionParams) (device, error) {
		<-release
		return dev, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := tr.Connect(ctx, "AA:BB:CC:DD:EE:FF", time.Second)
	assert.Equal(t, transport.KindTimeout, transport.KindOf(err))

	// The late connection is released again
	close(release)
	require.Eventually(t, func() bool {
		return dev.Disconnects() == 1
	}, 5*time.Second, time.Millisecond)
}

func TestDrop(t *testing.T) {
	tr := newTestTransport(func(bluetooth.Address, bluetooth.ConnectionParams) (device, error) {
		return &fakeDevice{}, nil
	})

	h, err := tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF", time.Second)
	require.NoError(t, err)

	dropped := 0
	tr.NotifyDrop(h, func() { dropped++ })

	c := h.(*Conn)
	tr.drop(c)
	assert.Equal(t, 1, dropped)
	assert.False(t, tr.IsConnected(h))

	tr.drop(c)
	assert.Equal(t, 1, dropped)
}
