// Package bluez implements the BLE transport on top of the platform Bluetooth stack
// (BlueZ via D-Bus on Linux, CoreBluetooth on macOS)
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fako1024/blescale/pkg/scale"
	"github.com/fako1024/blescale/pkg/transport"
	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// device is the subset of bluetooth.Device used by the transport
type device interface {
	DiscoverServices(uuids []bluetooth.UUID) ([]bluetooth.DeviceService, error)
	Disconnect() error
}

type connectFunc func(address bluetooth.Address, params bluetooth.ConnectionParams) (device, error)

// Conn denotes a connection to a peripheral
type Conn struct {
	address string
	device  device

	mu        sync.Mutex
	connected bool
	closing   bool
	onDrop    func()
}

// Address returns the address of the connected peripheral
func (c *Conn) Address() string {
	return c.address
}

// Transport denotes a BLE central on the default adapter of the platform stack
type Transport struct {
	adapter *bluetooth.Adapter
	connect connectFunc

	mu    sync.Mutex
	conns map[string]*Conn

	logger scale.Logger
}

// New instantiates a new transport and enables the adapter, executing functional
// options, if any
func New(options ...func(*Transport)) (*Transport, error) {

	t := &Transport{
		adapter: bluetooth.DefaultAdapter,
		conns:   make(map[string]*Conn),
		logger:  &scale.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(t)
	}

	if err := t.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("failed to enable bluetooth adapter: %w", err)
	}

	// The adapter-level handler is the only way to learn about a connection loss
	t.adapter.SetConnectHandler(t.onConnectionChanged)

	t.connect = func(address bluetooth.Address, params bluetooth.ConnectionParams) (device, error) {
		d, err := t.adapter.Connect(address, params)
		if err != nil {
			return nil, err
		}
		return &d, nil
	}

	return t, nil
}

// Connect establishes a connection to the peripheral with the given address
func (t *Transport) Connect(ctx context.Context, address string, timeout time.Duration) (transport.Handle, error) {

	var addr bluetooth.Address
	addr.Set(address)

	// The stack's Connect blocks with its own timeout, so it is wrapped to also respect
	// ctx cancellation
	type connectResult struct {
		device device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		d, err := t.connect(addr, bluetooth.ConnectionParams{
			ConnectionTimeout: bluetooth.NewDuration(timeout),
		})
		ch <- connectResult{d, err}
	}()

	select {
	case <-ctx.Done():

		// Release a connection that is established after all
		go func() {
			if res := <-ch; res.err == nil {
				_ = res.device.Disconnect()
			}
		}()
		return nil, transport.Errorf(transport.KindTimeout, "connect", "connecting to %s: %w", address, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, transport.Errorf(classify(res.err), "connect", "connecting to %s: %w", address, res.err)
		}

		c := &Conn{
			address:   strings.ToUpper(address),
			device:    res.device,
			connected: true,
		}
		t.mu.Lock()
		t.conns[c.address] = c
		t.mu.Unlock()

		t.logger.Debugf("connected to `%s`", address)

		return c, nil
	}
}

// IsConnected returns if the connection behind the handle is still up
func (t *Transport) IsConnected(h transport.Handle) bool {
	c, ok := h.(*Conn)
	if !ok || c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Subscribe discovers the given characteristic and enables notifications on it
func (t *Transport) Subscribe(ctx context.Context, h transport.Handle, characteristic uuid.UUID, fn func(data []byte)) error {
	c, ok := h.(*Conn)
	if !ok || c == nil {
		return transport.Errorf(transport.KindUnexpected, "subscribe", "foreign handle %T", h)
	}
	if !t.IsConnected(c) {
		return transport.Errorf(transport.KindTransport, "subscribe", "not connected to %s", c.address)
	}

	target, err := bluetooth.ParseUUID(characteristic.String())
	if err != nil {
		return transport.Errorf(transport.KindUnexpected, "subscribe", "invalid characteristic %s: %w", characteristic, err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- t.subscribe(c, target, fn)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return transport.Errorf(transport.KindTimeout, "subscribe", "subscribing to %s: %w", characteristic, ctx.Err())
	}
}

// Disconnect terminates the connection behind the handle
func (t *Transport) Disconnect(ctx context.Context, h transport.Handle) error {
	c, ok := h.(*Conn)
	if !ok || c == nil {
		return transport.Errorf(transport.KindUnexpected, "disconnect", "foreign handle %T", h)
	}

	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		errChan <- c.device.Disconnect()
	}()

	var err error
	select {
	case err = <-errChan:
	case <-ctx.Done():
		err = ctx.Err()
	}

	t.release(c)
	if err != nil {
		return transport.Errorf(classify(err), "disconnect", "disconnecting from %s: %w", c.address, err)
	}

	return nil
}

// NotifyDrop registers fn to be called once the connection behind h is lost
func (t *Transport) NotifyDrop(h transport.Handle, fn func()) {
	if c, ok := h.(*Conn); ok && c != nil {
		c.mu.Lock()
		c.onDrop = fn
		c.mu.Unlock()
	}
}

////////////////////////////////////////////////////////////////////////////////

func (t *Transport) subscribe(c *Conn, target bluetooth.UUID, fn func(data []byte)) error {

	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return transport.Errorf(transport.KindTransport, "subscribe", "failed to discover services: %w", err)
	}
	for _, svc := range svcs {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return transport.Errorf(transport.KindTransport, "subscribe", "failed to discover characteristics of service %s: %w", svc.UUID(), err)
		}
		for _, char := range chars {
			if char.UUID() != target {
				continue
			}

			// The stack may reuse the notification buffer
			if err := char.EnableNotifications(func(buf []byte) {
				data := make([]byte, len(buf))
				copy(data, buf)
				fn(data)
			}); err != nil {
				return transport.Errorf(transport.KindTransport, "subscribe", "failed to enable notifications: %w", err)
			}

			t.logger.Debugf("subscribed to characteristic %s of `%s`", target, c.address)
			return nil
		}
	}

	return transport.Errorf(transport.KindTransport, "subscribe", "characteristic %s not found", target)
}

func (t *Transport) onConnectionChanged(d bluetooth.Device, connected bool) {
	if connected {
		return
	}

	key := strings.ToUpper(d.Address.String())
	t.mu.Lock()
	c, ok := t.conns[key]
	t.mu.Unlock()
	if !ok {
		return
	}

	t.logger.Debugf("lost connection to `%s`", key)
	t.drop(c)
}

func (t *Transport) drop(c *Conn) {
	c.mu.Lock()
	wasConnected := c.connected && !c.closing
	onDrop := c.onDrop
	c.mu.Unlock()

	t.release(c)
	if wasConnected && onDrop != nil {
		onDrop()
	}
}

func (t *Transport) release(c *Conn) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	t.mu.Lock()
	if t.conns[c.address] == c {
		delete(t.conns, c.address)
	}
	t.mu.Unlock()
}

func classify(err error) transport.Kind {
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return transport.KindTimeout
	}
	return transport.KindTransport
}
