package dm

import (
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

var (
	ErrUnexpectedResponseCode = errors.New("unexpected response code")

	// ErrObservationActive means the device established an observation the
	// operation expected it to refuse.
	ErrObservationActive = errors.New("observation unexpectedly active")

	// ErrObservationRefused means a 2.05 arrived without the Observe option.
	ErrObservationRefused = errors.New("observation not established")

	ErrNoACLInstance = errors.New("no access control instance for target")
	ErrRequestReset  = errors.New("request rejected with reset")
)

// ResponseCodeError carries the expected and actual codes of a failed
// operation.
type ResponseCodeError struct {
	Operation string
	Path      string
	Expected  codes.Code
	Actual    codes.Code
	Payload   []byte
}

func (e *ResponseCodeError) Error() string {
	msg := fmt.Sprintf("%s %s: expected %s, got %s", e.Operation, e.Path, e.Expected, e.Actual)
	if len(e.Payload) > 0 && len(e.Payload) <= 64 {
		msg += fmt.Sprintf(" (%q)", e.Payload)
	}
	return msg
}

func (e *ResponseCodeError) Unwrap() error {
	return ErrUnexpectedResponseCode
}
