package endpoint

import (
	"errors"
	"fmt"
)

var (
	// ErrBind is matched by every BindError.
	ErrBind = errors.New("endpoint bind failed")

	// ErrTimeoutExceeded is returned by Receive when the window elapses
	// without a packet.
	ErrTimeoutExceeded = errors.New("receive timeout exceeded")

	// ErrConcurrentReceive is returned when a second Receive starts while one
	// is already waiting on the same endpoint.
	ErrConcurrentReceive = errors.New("concurrent receive on endpoint")

	ErrClosed = errors.New("endpoint closed")
	ErrNoPeer = errors.New("no destination and no peer seen yet")
)

// BindError reports a failure to allocate the listening socket.
type BindError struct {
	Protocol string
	Address  string
	Err      error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind %s endpoint on %s: %v", e.Protocol, e.Address, e.Err)
}

func (e *BindError) Unwrap() []error {
	return []error{ErrBind, e.Err}
}
