// Package expect holds the error raised when an expected packet does not
// arrive in time. It sits below dm and harness so both can return it.
package expect

import (
	"errors"
	"fmt"
	"time"
)

var ErrTimeout = errors.New("expectation timeout")

// Error reports what was awaited, on which server and for how long.
type Error struct {
	SSID   int
	What   string
	Within time.Duration
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("server %d: expected %s within %s", e.SSID, e.What, e.Within)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTimeout}
	}
	return []error{ErrTimeout, e.Err}
}

// Timeout builds an Error wrapping the underlying receive failure.
func Timeout(ssid int, what string, within time.Duration, cause error) error {
	return &Error{SSID: ssid, What: what, Within: within, Err: cause}
}
