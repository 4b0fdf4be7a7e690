package manager

import (
	"errors"
	"fmt"

	"github.com/fako1024/blescale/pkg/transport"
)

// ErrClosed is returned by operations on a manager that has been torn down
var ErrClosed = errors.New("connection manager has been torn down")

// ErrorKind classifies connection failures. All kinds are recovered by scheduling a
// retry
type ErrorKind int

const (

	// ConnectTimeout denotes a connection attempt exceeding its time bound
	ConnectTimeout ErrorKind = iota + 1

	// TransportError denotes a failure reported by the BLE stack
	TransportError

	// UnexpectedError denotes any other failure
	UnexpectedError
)

// String fulfils the Stringer interface
func (k ErrorKind) String() string {
	switch k {
	case ConnectTimeout:
		return "connect timeout"
	case TransportError:
		return "transport error"
	case UnexpectedError:
		return "unexpected error"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ConnectError denotes a failed connection attempt
type ConnectError struct {
	Kind    ErrorKind
	Address string
	Err     error
}

func newConnectError(address string, err error) *ConnectError {
	var kind ErrorKind
	switch transport.KindOf(err) {
	case transport.KindTimeout:
		kind = ConnectTimeout
	case transport.KindTransport:
		kind = TransportError
	case transport.KindUnexpected:
		kind = UnexpectedError
	default:
		kind = UnexpectedError
	}

	return &ConnectError{
		Kind:    kind,
		Address: address,
		Err:     err,
	}
}

// Error fulfils the error interface
func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s connecting to `%s`: %s", e.Kind, e.Address, e.Err)
}

// Unwrap returns the underlying error
func (e *ConnectError) Unwrap() error {
	return e.Err
}
