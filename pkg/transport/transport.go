// Package transport defines the BLE primitives the connection manager relies on
package transport

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var macAddressRegex = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// ValidateAddress checks that address is either a MAC address (Linux) or a
// CoreBluetooth peripheral UUID (macOS)
func ValidateAddress(address string) error {
	if macAddressRegex.MatchString(address) {
		return nil
	}
	if _, err := uuid.Parse(address); err == nil {
		return nil
	}

	return fmt.Errorf("invalid device address `%s` (expected XX:XX:XX:XX:XX:XX or a peripheral UUID)", address)
}

// Handle denotes an established connection to a peripheral
type Handle interface {

	// Address returns the address of the connected peripheral
	Address() string
}

// Transport denotes the GATT central primitives of an underlying BLE stack
type Transport interface {

	// Connect establishes a connection to the peripheral with the given address
	Connect(ctx context.Context, address string, timeout time.Duration) (Handle, error)

	// IsConnected returns if the connection behind the handle is still up
	IsConnected(h Handle) bool

	// Subscribe enables notifications on the given characteristic
	Subscribe(ctx context.Context, h Handle, characteristic uuid.UUID, fn func(data []byte)) error

	// Disconnect terminates the connection behind the handle
	Disconnect(ctx context.Context, h Handle) error
}

// DropNotifier is implemented by transports that can report connection loss
type DropNotifier interface {

	// NotifyDrop registers fn to be called once the connection behind h is lost
	// without having been disconnected via Disconnect
	NotifyDrop(h Handle, fn func())
}

// Kind classifies transport errors
type Kind int

const (

	// KindTransport denotes a failure reported by the BLE stack
	KindTransport Kind = iota

	// KindTimeout denotes an operation that exceeded its time bound
	KindTimeout

	// KindUnexpected denotes any other failure
	KindUnexpected
)

// String fulfils the Stringer interface
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindUnexpected:
		return "unexpected"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error denotes an error returned by a transport
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Errorf returns a new transport error of the given kind
func Errorf(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{
		Kind: kind,
		Op:   op,
		Err:  fmt.Errorf(format, args...),
	}
}

// Error fulfils the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf classifies an arbitrary error. Context deadlines count as timeouts, errors
// not produced by a transport as unexpected
func KindOf(err error) Kind {
	var tErr *Error
	if errors.As(err, &tErr) {
		return tErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnexpected
}
