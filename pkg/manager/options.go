package manager

import (
	"time"

	"github.com/fako1024/blescale/pkg/clock"
	"github.com/fako1024/blescale/pkg/decoder"
	"github.com/fako1024/blescale/pkg/scale"
)

// WithProfile sets the packet layout of the scale
func WithProfile(p decoder.DeviceProfile) func(*Manager) {
	return func(m *Manager) {
		m.profile = p
	}
}

// WithName sets the display name of the scale
func WithName(name string) func(*Manager) {
	return func(m *Manager) {
		m.name = name
	}
}

// WithLogger sets the logger
func WithLogger(logger scale.Logger) func(*Manager) {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock sets the clock driving the idle and retry timers
func WithClock(c clock.Clock) func(*Manager) {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithRegistry sets the registry the manager is registered in
func WithRegistry(r *Registry) func(*Manager) {
	return func(m *Manager) {
		m.registry = r
	}
}

// WithRetryInterval sets the delay between a failed connection attempt and its retry
func WithRetryInterval(d time.Duration) func(*Manager) {
	return func(m *Manager) {
		m.retryInterval = d
	}
}

// WithIdleTimeout sets the time without notifications after which the connection is
// closed
func WithIdleTimeout(d time.Duration) func(*Manager) {
	return func(m *Manager) {
		m.idleTimeout = d
	}
}

// WithConnectTimeout sets the timeout passed to the transport's connect
func WithConnectTimeout(d time.Duration) func(*Manager) {
	return func(m *Manager) {
		m.connectTimeout = d
	}
}

// WithSetupTimeout sets the overall bound for connecting and subscribing
func WithSetupTimeout(d time.Duration) func(*Manager) {
	return func(m *Manager) {
		m.setupTimeout = d
	}
}

// WithCloseTimeout sets the bound for closing the connection during teardown
func WithCloseTimeout(d time.Duration) func(*Manager) {
	return func(m *Manager) {
		m.closeTimeout = d
	}
}
