package scale

import "context"

// Scale denotes the host-facing view of a single BLE scale
type Scale interface {

	// CurrentReading returns the last accepted stable reading, if any
	CurrentReading() (WeightReading, bool)

	// IsAvailable returns if the scale is currently considered available
	IsAvailable() bool

	// Status returns a snapshot of the current connection status
	Status() ConnectionStatus

	// EnsureConnected connects to the scale unless a connection already exists
	EnsureConnected(ctx context.Context) error

	// Disconnect terminates an existing connection (if any)
	Disconnect(ctx context.Context) error

	// SetStateChangeHandler defines a handler function that is called upon state change
	SetStateChangeHandler(fn func(status ConnectionStatus))

	// SetStateChangeChannel defines a channel that receives state changes (non-blocking)
	SetStateChangeChannel(ch chan ConnectionStatus)

	// SetDataHandler defines a handler function that is called upon retrieval of data
	SetDataHandler(fn func(data WeightReading))

	// SetDataChannel defines a channel that receives readings (non-blocking)
	SetDataChannel(ch chan WeightReading)

	// Teardown cancels all pending work and terminates the connection to the device
	Teardown() error
}
