// Package manager maintains the connection to a single BLE scale: it connects on
// demand, subscribes to weight notifications, disconnects an idle link and retries
// failed attempts, while exposing the latest stable reading to the host
package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fako1024/blescale/pkg/clock"
	"github.com/fako1024/blescale/pkg/decoder"
	"github.com/fako1024/blescale/pkg/scale"
	"github.com/fako1024/blescale/pkg/transport"
	"github.com/fatih/stopwatch"
	"golang.org/x/sync/singleflight"
)

// Default timeouts and intervals
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultSetupTimeout   = 20 * time.Second
	DefaultRetryInterval  = 60 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
	DefaultCloseTimeout   = 10 * time.Second

	defaultName    = "Etekcity Smart Nutrition Scale Weight"
	uniqueIDPrefix = "etekcity_smart_nutrition_scale_"
)

var instanceID atomic.Uint64

// Manager denotes the connection manager of a single scale
type Manager struct {
	id        uint64
	address   string
	name      string
	profile   decoder.DeviceProfile
	transport transport.Transport
	clock     clock.Clock
	registry  *Registry

	connectTimeout time.Duration
	setupTimeout   time.Duration
	retryInterval  time.Duration
	idleTimeout    time.Duration
	closeTimeout   time.Duration

	// ctx is cancelled on teardown, aborting an in-flight connection attempt
	ctx    context.Context
	cancel context.CancelFunc

	flight singleflight.Group

	// connMu spans connect / disconnect / teardown
	connMu sync.Mutex

	// mu guards the state below and is the only lock taken on the notification path
	mu            sync.Mutex
	phase         scale.Phase
	handle        transport.Handle
	lastReading   *scale.WeightReading
	available     bool
	retryDeadline time.Time
	lastErr       error
	idleTimer     clock.Timer
	idleGen       uint64
	retryTimer    clock.Timer
	retryGen      uint64
	uptime        *stopwatch.Stopwatch
	closed        bool

	stateChangeHandler func(status scale.ConnectionStatus)
	stateChangeChan    chan scale.ConnectionStatus
	dataHandler        func(data scale.WeightReading)
	dataChan           chan scale.WeightReading

	logger scale.Logger
}

// New instantiates a new connection manager for the scale with the given address,
// executing functional options, if any. The manager starts disconnected
func New(address string, t transport.Transport, options ...func(*Manager)) (*Manager, error) {

	if err := transport.ValidateAddress(address); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("no transport provided")
	}

	profile, err := decoder.Lookup(decoder.DefaultProfile)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		id:             instanceID.Add(1),
		address:        address,
		name:           defaultName,
		profile:        profile,
		transport:      t,
		clock:          clock.New(),
		registry:       DefaultRegistry,
		connectTimeout: DefaultConnectTimeout,
		setupTimeout:   DefaultSetupTimeout,
		retryInterval:  DefaultRetryInterval,
		idleTimeout:    DefaultIdleTimeout,
		closeTimeout:   DefaultCloseTimeout,
		phase:          scale.PhaseDisconnected,
		logger:         &scale.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(m)
	}

	if err := m.profile.Validate(); err != nil {
		return nil, fmt.Errorf("invalid device profile: %w", err)
	}
	for _, d := range []time.Duration{m.connectTimeout, m.setupTimeout, m.retryInterval, m.idleTimeout, m.closeTimeout} {
		if d <= 0 {
			return nil, fmt.Errorf("invalid non-positive interval / timeout: %v", d)
		}
	}

	if err := m.registry.Register(m); err != nil {
		return nil, err
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.logger.Debugf("initialized connection manager for `%s` (profile `%s`)", m.address, m.profile.Name)

	return m, nil
}

// Address returns the address of the scale
func (m *Manager) Address() string {
	return m.address
}

// Name returns the display name of the scale
func (m *Manager) Name() string {
	return m.name
}

// UniqueID returns an identifier that is stable across restarts
func (m *Manager) UniqueID() string {
	return uniqueIDPrefix + m.address
}

// Profile returns the device profile in use
func (m *Manager) Profile() decoder.DeviceProfile {
	return m.profile
}

// CurrentReading returns the last accepted stable reading, if any
func (m *Manager) CurrentReading() (scale.WeightReading, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReading == nil {
		return scale.WeightReading{}, false
	}
	return *m.lastReading, true
}

// IsAvailable returns if the scale is currently considered available
func (m *Manager) IsAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// Status returns a snapshot of the current connection status
func (m *Manager) Status() scale.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// ConnectedFor returns for how long the current connection has been established
func (m *Manager) ConnectedFor() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != scale.PhaseConnected || m.uptime == nil {
		return 0
	}
	return m.uptime.ElapsedTime()
}

// SetStateChangeHandler defines a handler function that is called upon state change.
// Handlers must not call back into EnsureConnected, Disconnect or Teardown
func (m *Manager) SetStateChangeHandler(fn func(status scale.ConnectionStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateChangeHandler = fn
}

// SetStateChangeChannel defines a channel that receives state changes (non-blocking)
func (m *Manager) SetStateChangeChannel(ch chan scale.ConnectionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateChangeChan = ch
}

// SetDataHandler defines a handler function that is called upon retrieval of data
func (m *Manager) SetDataHandler(fn func(data scale.WeightReading)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dataHandler = fn
}

// SetDataChannel defines a channel that receives readings (non-blocking)
func (m *Manager) SetDataChannel(ch chan scale.WeightReading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dataChan = ch
}

// EnsureConnected connects to the scale unless a live connection already exists.
// Concurrent calls are folded into a single connection attempt whose result all callers
// share. A failed attempt schedules a retry
func (m *Manager) EnsureConnected(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}
	if m.isConnected() {
		return nil
	}

	_, err, shared := m.flight.Do(normalizeAddress(m.address), func() (interface{}, error) {
		return nil, m.connect(ctx)
	})
	if shared {
		m.logger.Debugf("joined in-flight connection attempt to `%s`", m.address)
	}

	return err
}

// OnNotification processes a raw notification frame received on the current
// connection
func (m *Manager) OnNotification(raw []byte) {
	m.handleNotification(nil, raw)
}

// Disconnect terminates the connection to the scale. It is a no-op if no connection
// exists
func (m *Manager) Disconnect(ctx context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	return m.disconnectLocked(ctx)
}

// Teardown cancels all pending timers and any in-flight connection attempt, then
// closes the connection. The manager cannot be used afterwards
func (m *Manager) Teardown() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopIdleLocked()
	m.stopRetryLocked()
	m.mu.Unlock()

	m.registry.Unregister(m)
	m.cancel()

	m.connMu.Lock()
	defer m.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.closeTimeout)
	defer cancel()

	m.logger.Debugf("tearing down connection manager for `%s`", m.address)

	return m.disconnectLocked(ctx)
}

////////////////////////////////////////////////////////////////////////////////

func (m *Manager) connect(ctx context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.isClosed() {
		return ErrClosed
	}
	if m.isConnected() {
		return nil
	}

	// Release a connection the transport no longer reports as up
	if err := m.disconnectLocked(m.ctx); err != nil {
		m.logger.Debugf("failed to release stale connection to `%s`: %s", m.address, err)
	}

	// The attempt ends on teardown, on cancellation by the caller, or after the overall
	// setup timeout, whichever comes first
	attemptCtx, cancel := context.WithTimeout(m.ctx, m.setupTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	m.mu.Lock()
	m.phase = scale.PhaseConnecting
	m.mu.Unlock()

	m.logger.Debugf("connecting to `%s`", m.address)

	h, err := m.transport.Connect(attemptCtx, m.address, m.connectTimeout)
	if err != nil {
		return m.fail(nil, fmt.Errorf("failed to connect: %w", err))
	}

	m.mu.Lock()
	m.handle = h
	m.mu.Unlock()

	if err := m.transport.Subscribe(attemptCtx, h, m.profile.Characteristic, func(data []byte) {
		m.handleNotification(h, data)
	}); err != nil {
		return m.fail(h, fmt.Errorf("failed to subscribe to characteristic %s: %w", m.profile.Characteristic, err))
	}
	if err := attemptCtx.Err(); err != nil {
		return m.fail(h, fmt.Errorf("connection setup did not complete: %w", err))
	}

	m.mu.Lock()
	m.phase = scale.PhaseConnected
	m.available = true
	m.lastErr = nil
	m.stopRetryLocked()
	m.resetIdleLocked()
	m.uptime = stopwatch.Start(0)
	status := m.statusLocked()
	m.mu.Unlock()

	m.logger.Infof("connected to `%s`, notifications enabled on %s", m.address, m.profile.Characteristic)
	m.emitStateChange(status)

	if dn, ok := m.transport.(transport.DropNotifier); ok {
		dn.NotifyDrop(h, m.registry.dispatch(m.address, m.id, func(mgr *Manager) {
			mgr.handleDrop(h)
		}))
		if !m.transport.IsConnected(h) {
			m.handleDrop(h)
		}
	}

	return nil
}

func (m *Manager) fail(h transport.Handle, err error) error {
	cErr := newConnectError(m.address, err)

	if h != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.closeTimeout)
		if dErr := m.transport.Disconnect(ctx, h); dErr != nil {
			m.logger.Debugf("failed to release connection to `%s` after error: %s", m.address, dErr)
		}
		cancel()
	}

	m.mu.Lock()
	m.phase = scale.PhaseDisconnected
	m.handle = nil
	m.available = false
	m.lastErr = cErr
	m.stopIdleLocked()
	closed := m.closed
	if !closed {
		m.scheduleRetryLocked()
	}
	retryDeadline := m.retryDeadline
	status := m.statusLocked()
	m.mu.Unlock()

	switch {
	case closed:
		m.logger.Debugf("connection attempt to `%s` aborted by teardown: %s", m.address, err)
	case cErr.Kind == UnexpectedError:
		m.logger.Errorf("%s, retrying at %s", cErr, retryDeadline.Format(time.RFC3339))
	default:
		m.logger.Warnf("%s, retrying at %s", cErr, retryDeadline.Format(time.RFC3339))
	}
	m.emitStateChange(status)

	return cErr
}

func (m *Manager) disconnectLocked(ctx context.Context) error {
	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()

	if h == nil {
		return nil
	}

	var err error
	if m.transport.IsConnected(h) {
		closeCtx, cancel := context.WithTimeout(ctx, m.closeTimeout)
		if dErr := m.transport.Disconnect(closeCtx, h); dErr != nil {
			err = fmt.Errorf("failed to disconnect from `%s`: %w", m.address, dErr)
			m.logger.Errorf("%s", err)
		}
		cancel()
	}

	m.mu.Lock()
	if m.handle != h {
		m.mu.Unlock()
		return err
	}
	m.setDisconnectedLocked()
	status := m.statusLocked()
	m.mu.Unlock()

	m.logger.Debugf("disconnected from `%s`", m.address)
	m.emitStateChange(status)

	return err
}

func (m *Manager) handleDrop(h transport.Handle) {
	m.mu.Lock()
	if m.closed || m.handle != h {
		m.mu.Unlock()
		return
	}
	m.setDisconnectedLocked()
	status := m.statusLocked()
	m.mu.Unlock()

	m.logger.Warnf("lost connection to `%s`", m.address)
	m.emitStateChange(status)
}

func (m *Manager) handleNotification(h transport.Handle, raw []byte) {

	reading, err := decoder.Decode(raw, m.profile)

	m.mu.Lock()
	if m.closed || m.handle == nil || (h != nil && m.handle != h) {
		m.mu.Unlock()
		return
	}
	// Frames delivered while the subscription is still being set up are not published
	accepted := err == nil && m.phase == scale.PhaseConnected
	var status scale.ConnectionStatus
	if accepted {
		m.lastReading = &reading
		m.available = true
		status = m.statusLocked()
	}

	// Any frame keeps the link alive, not just stable readings
	m.resetIdleLocked()
	m.mu.Unlock()

	if err != nil {
		m.logger.Debugf("dropping frame `%x` from `%s`: %s", raw, m.address, err)
		return
	}
	if !accepted {
		m.logger.Debugf("ignoring reading from `%s` received during connection setup: %s", m.address, reading)
		return
	}

	m.logger.Infof("updated weight from `%s`: %s", m.address, reading)
	m.emitData(reading)
	m.emitStateChange(status)
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.retryGen {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.retryDeadline = time.Time{}
	m.mu.Unlock()

	m.logger.Debugf("retrying connection to `%s`", m.address)
	if err := m.EnsureConnected(m.ctx); err != nil {
		m.logger.Debugf("retry of connection to `%s` failed: %s", m.address, err)
	}
}

func (m *Manager) idle(gen uint64) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	// A notification may have re-armed the timer while waiting for the lock
	m.mu.Lock()
	stale := m.closed || gen != m.idleGen
	if !stale {
		m.idleTimer = nil
	}
	m.mu.Unlock()
	if stale {
		return
	}

	m.logger.Infof("no notification from `%s` within %v, disconnecting", m.address, m.idleTimeout)
	if err := m.disconnectLocked(m.ctx); err != nil {
		m.logger.Warnf("failed to disconnect idle scale `%s`: %s", m.address, err)
	}
}

////////////////////////////////////////////////////////////////////////////////

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) isConnected() bool {
	m.mu.Lock()
	h, phase := m.handle, m.phase
	m.mu.Unlock()

	return phase == scale.PhaseConnected && h != nil && m.transport.IsConnected(h)
}

func (m *Manager) setDisconnectedLocked() {
	m.phase = scale.PhaseDisconnected
	m.handle = nil
	m.available = false
	m.stopIdleLocked()
	if m.uptime != nil {
		m.uptime.Stop()
	}
}

func (m *Manager) resetIdleLocked() {
	m.stopIdleLocked()
	m.idleGen++
	gen := m.idleGen
	m.idleTimer = m.clock.AfterFunc(m.idleTimeout, m.registry.dispatch(m.address, m.id, func(mgr *Manager) {
		mgr.idle(gen)
	}))
}

func (m *Manager) stopIdleLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
}

func (m *Manager) scheduleRetryLocked() {
	m.stopRetryLocked()
	m.retryGen++
	gen := m.retryGen
	m.retryDeadline = m.clock.Now().Add(m.retryInterval)
	m.retryTimer = m.clock.AfterFunc(m.retryInterval, m.registry.dispatch(m.address, m.id, func(mgr *Manager) {
		mgr.retry(gen)
	}))
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.retryDeadline = time.Time{}
}

func (m *Manager) statusLocked() scale.ConnectionStatus {
	status := scale.ConnectionStatus{
		Phase:         m.phase,
		Available:     m.available,
		RetryDeadline: m.retryDeadline,
		Error:         m.lastErr,
	}
	if m.lastReading != nil {
		reading := *m.lastReading
		status.LastReading = &reading
	}

	return status
}

func (m *Manager) emitStateChange(status scale.ConnectionStatus) {
	m.mu.Lock()
	fn, ch := m.stateChangeHandler, m.stateChangeChan
	m.mu.Unlock()

	// Call handler function, if any
	if fn != nil {
		fn(status)
	}

	// Put state change on channel, if any
	if ch != nil {
		select {
		case ch <- status:
		default:
		}
	}
}

func (m *Manager) emitData(reading scale.WeightReading) {
	m.mu.Lock()
	fn, ch := m.dataHandler, m.dataChan
	m.mu.Unlock()

	if fn != nil {
		fn(reading)
	}

	if ch != nil {
		select {
		case ch <- reading:
		default:
		}
	}
}
