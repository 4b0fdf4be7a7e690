// Package mock provides an in-memory BLE transport simulating a scale, used by tests
// and for running the tools without hardware
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fako1024/blescale/pkg/decoder"
	"github.com/fako1024/blescale/pkg/scale"
	"github.com/fako1024/blescale/pkg/transport"
	"github.com/google/uuid"
)

// Conn denotes a simulated connection
type Conn struct {
	address string

	mu        sync.Mutex
	connected bool
	notify    func([]byte)
	onDrop    func()
}

// Address returns the address of the simulated peripheral
func (c *Conn) Address() string {
	return c.address
}

// Transport denotes a mock BLE transport
type Transport struct {
	mu sync.Mutex

	connectErrs   []error
	subscribeErrs []error
	gate          chan struct{}

	connects    int
	subscribes  int
	disconnects int

	current  *Conn
	feedDone chan struct{}
}

// New instantiates a new mock transport
func New() *Transport {
	return &Transport{}
}

// FailConnect queues errors returned by subsequent Connect calls (one per call)
func (t *Transport) FailConnect(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErrs = append(t.connectErrs, errs...)
}

// FailSubscribe queues errors returned by subsequent Subscribe calls (one per call)
func (t *Transport) FailSubscribe(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribeErrs = append(t.subscribeErrs, errs...)
}

// HoldConnect makes Connect calls block until the returned release function is called
// (or their context ends)
func (t *Transport) HoldConnect() (release func()) {
	gate := make(chan struct{})
	t.mu.Lock()
	t.gate = gate
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			if t.gate == gate {
				t.gate = nil
			}
			t.mu.Unlock()
			close(gate)
		})
	}
}

// Connects returns the number of Connect calls so far
func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// Subscribes returns the number of Subscribe calls so far
func (t *Transport) Subscribes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribes
}

// Disconnects returns the number of Disconnect calls so far
func (t *Transport) Disconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

// Current returns the most recent connection (if any)
func (t *Transport) Current() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Connect simulates connecting to a peripheral
func (t *Transport) Connect(ctx context.Context, address string, timeout time.Duration) (transport.Handle, error) {
	t.mu.Lock()
	t.connects++
	gate := t.gate
	var err error
	if len(t.connectErrs) > 0 {
		err, t.connectErrs = t.connectErrs[0], t.connectErrs[1:]
	}
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, transport.Errorf(transport.KindTimeout, "connect", "connecting to %s: %w", address, ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}

	c := &Conn{
		address:   strings.ToUpper(address),
		connected: true,
	}
	t.mu.Lock()
	t.current = c
	t.mu.Unlock()

	return c, nil
}

// IsConnected returns if the simulated connection is up
func (t *Transport) IsConnected(h transport.Handle) bool {
	c, ok := h.(*Conn)
	if !ok || c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Subscribe registers the notification callback of a simulated connection
func (t *Transport) Subscribe(ctx context.Context, h transport.Handle, characteristic uuid.UUID, fn func(data []byte)) error {
	t.mu.Lock()
	t.subscribes++
	var err error
	if len(t.subscribeErrs) > 0 {
		err, t.subscribeErrs = t.subscribeErrs[0], t.subscribeErrs[1:]
	}
	t.mu.Unlock()

	if err != nil {
		return err
	}
	if characteristic != decoder.NotifyCharacteristic {
		return transport.Errorf(transport.KindTransport, "subscribe", "characteristic %s not found", characteristic)
	}

	c, ok := h.(*Conn)
	if !ok {
		return transport.Errorf(transport.KindUnexpected, "subscribe", "foreign handle %T", h)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return transport.Errorf(transport.KindTransport, "subscribe", "not connected")
	}
	c.notify = fn

	return nil
}

// Disconnect closes a simulated connection
func (t *Transport) Disconnect(ctx context.Context, h transport.Handle) error {
	t.mu.Lock()
	t.disconnects++
	t.mu.Unlock()

	c, ok := h.(*Conn)
	if !ok {
		return transport.Errorf(transport.KindUnexpected, "disconnect", "foreign handle %T", h)
	}
	c.mu.Lock()
	c.connected = false
	c.notify = nil
	c.mu.Unlock()

	return nil
}

// NotifyDrop registers a callback invoked upon a simulated connection loss
func (t *Transport) NotifyDrop(h transport.Handle, fn func()) {
	if c, ok := h.(*Conn); ok {
		c.mu.Lock()
		c.onDrop = fn
		c.mu.Unlock()
	}
}

// Emit delivers a notification frame on the current connection. It returns false if
// nothing is subscribed
func (t *Transport) Emit(raw []byte) bool {
	c := t.Current()
	if c == nil {
		return false
	}

	c.mu.Lock()
	fn := c.notify
	c.mu.Unlock()
	if fn == nil {
		return false
	}

	fn(raw)
	return true
}

// Drop simulates the loss of the current connection (e.g. the scale powering off)
func (t *Transport) Drop() {
	if onDrop := t.sever(); onDrop != nil {
		onDrop()
	}
}

// Sever simulates the loss of the current connection without reporting it
func (t *Transport) Sever() {
	t.sever()
}

func (t *Transport) sever() (onDrop func()) {
	c := t.Current()
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	c.notify = nil

	return c.onDrop
}

////////////////////////////////////////////////////////////////////////////////

// StartFeed periodically emits frames in the given profile's layout, cycling through
// the provided weights (in raw protocol units). Each value is sent unstable once, then
// stable
func (t *Transport) StartFeed(p decoder.DeviceProfile, unit scale.Unit, interval time.Duration, rawWeights ...uint16) error {
	if len(rawWeights) == 0 {
		return fmt.Errorf("no weights to feed")
	}

	frames := make([][]byte, 0, 2*len(rawWeights))
	for _, w := range rawWeights {
		for _, stable := range []bool{false, true} {
			frame, err := p.Encode(false, w, unit, stable)
			if err != nil {
				return err
			}
			frames = append(frames, frame)
		}
	}

	t.mu.Lock()
	if t.feedDone != nil {
		t.mu.Unlock()
		return fmt.Errorf("feed already running")
	}
	done := make(chan struct{})
	t.feedDone = done
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			case <-ticker.C:
				t.Emit(frames[i%len(frames)])
			}
		}
	}()

	return nil
}

// StopFeed stops a running feed
func (t *Transport) StopFeed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.feedDone != nil {
		close(t.feedDone)
		t.feedDone = nil
	}
}
