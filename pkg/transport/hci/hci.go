// Package hci implements the BLE transport on top of a local HCI device (Linux), using
// the gatt central API
package hci

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"sync"
	"time"

	"github.com/fako1024/blescale/pkg/scale"
	"github.com/fako1024/blescale/pkg/transport"
	"github.com/fako1024/gatt"
	"github.com/google/uuid"
)

const defaultMTU = 500

// bluetoothBaseUUID is the base of all 16-bit SIG assigned UUIDs (bytes 4-15)
var bluetoothBaseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// Conn denotes a connection to a peripheral
type Conn struct {
	address    string
	peripheral gatt.Peripheral

	mu        sync.Mutex
	connected bool
	closing   bool
	onDrop    func()
}

// Address returns the address of the connected peripheral
func (c *Conn) Address() string {
	return c.address
}

type connectResult struct {
	conn *Conn
	err  error
}

type pendingConnect struct {
	result     chan connectResult
	connecting bool
}

// Transport denotes a BLE central on a local HCI device
type Transport struct {
	btDevice      gatt.Device
	deviceOptions []gatt.Option

	mu        sync.Mutex
	poweredOn chan struct{}
	isOn      bool
	pending   map[string]*pendingConnect
	conns     map[string]*Conn

	logger scale.Logger
}

// New instantiates a new HCI transport, executing functional options, if any
func New(options ...func(*Transport)) (*Transport, error) {

	t := &Transport{
		deviceOptions: defaultDeviceOptions,
		poweredOn:     make(chan struct{}),
		pending:       make(map[string]*pendingConnect),
		conns:         make(map[string]*Conn),
		logger:        &scale.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(t)
	}

	// Initialize a new GATT device (if not provided as option)
	if t.btDevice == nil {
		btDevice, err := gatt.NewDevice(t.deviceOptions...)
		if err != nil {
			return nil, err
		}
		t.btDevice = btDevice
	}

	// Register handlers
	t.btDevice.Handle(
		gatt.AddPeripheralDiscovered(t.onPeriphDiscovered),
		gatt.AddPeripheralConnected(t.onPeriphConnected),
		gatt.AddPeripheralDisconnected(t.onPeriphDisconnected),
	)

	// Initialize the device
	if err := t.btDevice.Init(t.onStateChanged); err != nil {
		return nil, err
	}

	return t, nil
}

// Connect scans for the peripheral with the given address and connects to it
func (t *Transport) Connect(ctx context.Context, address string, timeout time.Duration) (transport.Handle, error) {

	key := strings.ToUpper(address)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Wait for the adapter to be powered on
	t.mu.Lock()
	poweredOn := t.poweredOn
	t.mu.Unlock()
	select {
	case <-poweredOn:
	case <-ctx.Done():
		return nil, transport.Errorf(transport.KindTimeout, "connect", "waiting for adapter: %w", ctx.Err())
	case <-timer.C:
		return nil, transport.Errorf(transport.KindTimeout, "connect", "adapter not powered on within %v", timeout)
	}

	t.mu.Lock()
	if _, exists := t.pending[key]; exists {
		t.mu.Unlock()
		return nil, transport.Errorf(transport.KindTransport, "connect", "connection attempt to %s already in progress", address)
	}
	pc := &pendingConnect{
		result: make(chan connectResult, 1),
	}
	t.pending[key] = pc
	t.mu.Unlock()

	abort := func() {
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
		if err := t.btDevice.StopScanning(); err != nil {
			t.logger.Debugf("failed to stop scanning: %s", err)
		}
	}

	t.logger.Debugf("scanning for peripheral `%s`", address)
	if err := t.btDevice.Scan([]gatt.UUID{}, false); err != nil {
		abort()
		return nil, transport.Errorf(transport.KindTransport, "connect", "failed to start scanning: %w", err)
	}

	select {
	case res := <-pc.result:
		if res.err != nil {
			return nil, res.err
		}
		return res.conn, nil
	case <-ctx.Done():
		abort()
		return nil, transport.Errorf(transport.KindTimeout, "connect", "connecting to %s: %w", address, ctx.Err())
	case <-timer.C:
		abort()
		return nil, transport.Errorf(transport.KindTimeout, "connect", "peripheral %s not connected within %v", address, timeout)
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

	// GATT discovery is not cancellable, so it runs detached and the result is awaited
	// until ctx ends
	errChan := make(chan error, 1)
	go func() {
		errChan <- t.subscribe(c.peripheral, characteristic, fn)
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
		errChan <- t.btDevice.CancelConnection(c.peripheral)
	}()

	var err error
	select {
	case err = <-errChan:
	case <-ctx.Done():
		err = ctx.Err()
	}

	t.release(c)
	if err != nil {
		return transport.Errorf(transport.KindTransport, "disconnect", "failed to cancel connection to %s: %w", c.address, err)
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

// Close terminates all connections and stops scanning
func (t *Transport) Close() error {
	t.mu.Lock()
	conns := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		_ = t.btDevice.CancelConnection(c.peripheral)
		t.release(c)
	}

	_ = t.btDevice.StopScanning()
	return t.btDevice.RemoveAllServices()
}

////////////////////////////////////////////////////////////////////////////////

func (t *Transport) subscribe(p gatt.Peripheral, characteristic uuid.UUID, fn func(data []byte)) error {

	// Set connection MTU
	if err := p.SetMTU(defaultMTU); err != nil {
		t.logger.Debugf("failed to set MTU on `%s`: %s", p.ID(), err)
	}

	targets := gattUUIDs(characteristic)

	// Discover services
	ss, err := p.DiscoverServices(nil)
	if err != nil {
		return transport.Errorf(transport.KindTransport, "subscribe", "failed to discover services: %w", err)
	}
	for _, s := range ss {

		// Discover characteristics
		cs, err := p.DiscoverCharacteristics(nil, s)
		if err != nil {
			return transport.Errorf(transport.KindTransport, "subscribe", "failed to discover characteristics of service %s: %w", s.UUID(), err)
		}
		for _, c := range cs {
			if !matchesAny(c.UUID(), targets) {
				continue
			}

			// Discover descriptors (required to locate the CCCD)
			if _, err := p.DiscoverDescriptors(nil, c); err != nil {
				return transport.Errorf(transport.KindTransport, "subscribe", "failed to discover descriptors: %w", err)
			}

			if err := p.SetNotifyValue(c, func(_ *gatt.Characteristic, data []byte, err error) {
				if err != nil {
					t.logger.Debugf("notification error on `%s`: %s", p.ID(), err)
					return
				}
				fn(data)
			}); err != nil {
				return transport.Errorf(transport.KindTransport, "subscribe", "failed to subscribe characteristic: %w", err)
			}

			t.logger.Debugf("subscribed to characteristic %s of peripheral `%s`", characteristic, p.ID())
			return nil
		}
	}

	return transport.Errorf(transport.KindTransport, "subscribe", "characteristic %s not found", characteristic)
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

func (t *Transport) dropAll() {
	t.mu.Lock()
	conns := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		t.drop(c)
	}
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

////////////////////////////////////////////////////////////////////////////////

func (t *Transport) onStateChanged(d gatt.Device, s gatt.State) {
	t.logger.Debugf("HCI device state changed to `%v`", s)

	switch s {
	case gatt.StatePoweredOn:
		t.mu.Lock()
		if !t.isOn {
			t.isOn = true
			close(t.poweredOn)
		}
		t.mu.Unlock()
		return
	case gatt.StatePoweredOff:
		t.mu.Lock()
		if t.isOn {
			t.isOn = false
			t.poweredOn = make(chan struct{})
		}
		t.mu.Unlock()
		t.dropAll()
		return
	default:
		if err := d.StopScanning(); err != nil {
			t.logger.Warnf("failed to stop scanning: %s", err)
		}
	}
}

func (t *Transport) onPeriphDiscovered(p gatt.Peripheral, _ *gatt.Advertisement, _ int) {

	key := strings.ToUpper(p.ID())

	t.mu.Lock()
	pc, ok := t.pending[key]
	if !ok || pc.connecting {
		t.mu.Unlock()
		return
	}
	pc.connecting = true
	t.mu.Unlock()

	t.logger.Debugf("connecting device `%s/%s`", p.Name(), p.ID())

	// Stop scanning once we've got the peripheral we're looking for
	if err := p.Device().StopScanning(); err != nil {
		t.logger.Warnf("failed to stop scanning: %s", err)
	}
	if err := p.Device().Connect(p); err != nil {
		t.complete(key, connectResult{
			err: transport.Errorf(transport.KindTransport, "connect", "failed to connect device %s: %w", p.ID(), err),
		})
	}
}

func (t *Transport) onPeriphConnected(p gatt.Peripheral, connErr error) {

	key := strings.ToUpper(p.ID())

	if connErr != nil {
		t.complete(key, connectResult{
			err: transport.Errorf(transport.KindTransport, "connect", "failed to connect device %s: %w", p.ID(), connErr),
		})
		return
	}

	c := &Conn{
		address:    key,
		peripheral: p,
		connected:  true,
	}
	t.mu.Lock()
	t.conns[key] = c
	t.mu.Unlock()

	t.logger.Debugf("connected peripheral `%s/%s`", p.Name(), p.ID())

	// Nobody is waiting for this connection (anymore), release it right away
	if !t.complete(key, connectResult{conn: c}) {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		_ = p.Device().CancelConnection(p)
		t.release(c)
	}
}

func (t *Transport) onPeriphDisconnected(p gatt.Peripheral, _ error) {

	key := strings.ToUpper(p.ID())

	t.mu.Lock()
	c, ok := t.conns[key]
	t.mu.Unlock()
	if !ok {
		return
	}

	t.logger.Debugf("disconnected peripheral `%s/%s`", p.Name(), p.ID())
	t.drop(c)
}

func (t *Transport) complete(key string, res connectResult) bool {
	t.mu.Lock()
	pc, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	pc.result <- res

	return true
}

////////////////////////////////////////////////////////////////////////////////

// gattUUIDs converts a UUID into the representations a peripheral may report it in:
// always the full 128-bit form, additionally the 16-bit short form for UUIDs derived
// from the Bluetooth base UUID
func gattUUIDs(u uuid.UUID) []gatt.UUID {
	uuids := []gatt.UUID{gatt.MustParseUUID(u.String())}
	if u[0] == 0 && u[1] == 0 && bytes.Equal(u[4:], bluetoothBaseUUID[4:]) {
		uuids = append(uuids, gatt.UUID16(binary.BigEndian.Uint16(u[2:4])))
	}

	return uuids
}

func matchesAny(u gatt.UUID, candidates []gatt.UUID) bool {
	for _, candidate := range candidates {
		if u.Equal(candidate) {
			return true
		}
	}
	return false
}
