package harness

import (
	"errors"

	"github.com/twinfer/lwm2m-harness/pkg/dm"
	"github.com/twinfer/lwm2m-harness/pkg/dut"
	"github.com/twinfer/lwm2m-harness/pkg/endpoint"
	"github.com/twinfer/lwm2m-harness/pkg/expect"
	"github.com/twinfer/lwm2m-harness/pkg/registration"
)

var (
	ErrExpectationTimeout = expect.ErrTimeout
	ErrScenarioPanic      = errors.New("scenario panicked")
	ErrNoLauncher         = errors.New("no DUT launcher configured")
)

// ExpectationError reports which server waited for what.
type ExpectationError = expect.Error

// ErrorCategory classifies why a scenario failed.
type ErrorCategory int

const (
	ErrCatNone ErrorCategory = iota
	// ErrCatBind means an endpoint could not be opened.
	ErrCatBind
	// ErrCatExpectation means an expected packet never arrived.
	ErrCatExpectation
	// ErrCatProtocol means the device broke the registration interface or
	// was not silent when it had to be.
	ErrCatProtocol
	// ErrCatResponse means the device answered with the wrong code.
	ErrCatResponse
	// ErrCatDevice means the DUT process itself misbehaved.
	ErrCatDevice
	ErrCatOther
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrCatNone:
		return "none"
	case ErrCatBind:
		return "bind"
	case ErrCatExpectation:
		return "expectation-timeout"
	case ErrCatProtocol:
		return "protocol"
	case ErrCatResponse:
		return "response"
	case ErrCatDevice:
		return "dut"
	default:
		return "other"
	}
}

// Category classifies err. A nil error is ErrCatNone.
func Category(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrCatNone
	case errors.Is(err, endpoint.ErrBind):
		return ErrCatBind
	case errors.Is(err, expect.ErrTimeout):
		return ErrCatExpectation
	case errors.Is(err, registration.ErrProtocolViolation):
		return ErrCatProtocol
	case errors.Is(err, dm.ErrUnexpectedResponseCode),
		errors.Is(err, dm.ErrObservationRefused),
		errors.Is(err, dm.ErrObservationActive),
		errors.Is(err, dm.ErrRequestReset):
		return ErrCatResponse
	case errors.Is(err, dut.ErrNotRunning),
		errors.Is(err, dut.ErrStillRunning),
		errors.Is(err, dut.ErrNoMatchingOutput),
		errors.Is(err, ErrNoLauncher):
		return ErrCatDevice
	default:
		return ErrCatOther
	}
}
