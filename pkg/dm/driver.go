// Package dm drives LwM2M data-model operations against the device, one
// confirmable request and one matching response per primitive.
package dm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/lwm2m-harness/pkg/access"
	"github.com/twinfer/lwm2m-harness/pkg/attributes"
	"github.com/twinfer/lwm2m-harness/pkg/endpoint"
	"github.com/twinfer/lwm2m-harness/pkg/expect"
	"github.com/twinfer/lwm2m-harness/pkg/metrics"
	"github.com/twinfer/lwm2m-harness/pkg/packet"
)

const DefaultTimeout = 5 * time.Second

// Exchanger is the server side of the conversation with the device.
// Packets Next returns that do not answer the pending request are handed
// back through Defer so later assertions still see them.
type Exchanger interface {
	SSID() int
	Send(pkt *packet.Packet) error
	Next(ctx context.Context, timeout time.Duration) (*packet.Packet, error)
	Defer(pkt *packet.Packet)
}

type Driver struct {
	x        Exchanger
	timeout  time.Duration
	registry *attributes.Registry
	acl      *access.Table
	logger   *service.Logger
	metrics  metrics.Recorder
}

type Option func(*Driver)

func WithTimeout(d time.Duration) Option {
	return func(dr *Driver) { dr.timeout = d }
}

// WithRegistry shares the observation registry across drivers.
func WithRegistry(r *attributes.Registry) Option {
	return func(dr *Driver) { dr.registry = r }
}

// WithAccessTable shares the ACL view across drivers.
func WithAccessTable(t *access.Table) Option {
	return func(dr *Driver) { dr.acl = t }
}

func WithLogger(l *service.Logger) Option {
	return func(dr *Driver) { dr.logger = l }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(dr *Driver) { dr.metrics = r }
}

func New(x Exchanger, opts ...Option) *Driver {
	d := &Driver{
		x:       x,
		timeout: DefaultTimeout,
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.registry == nil {
		d.registry = attributes.NewRegistry()
	}
	if d.acl == nil {
		d.acl = access.NewTable()
	}
	if d.logger == nil {
		d.logger = service.NewLoggerFromSlog(slog.New(slog.NewTextHandler(io.Discard, nil)))
	}
	return d
}

func (d *Driver) Registry() *attributes.Registry {
	return d.registry
}

func (d *Driver) AccessTable() *access.Table {
	return d.acl
}

func (d *Driver) ssid() uint16 {
	return uint16(d.x.SSID())
}

// Request sends one confirmable request and waits for the response with the
// same token, failing unless it carries the expected code.
func (d *Driver) Request(ctx context.Context, op string, req *packet.Packet, expected codes.Code) (*packet.Packet, error) {
	timer := metrics.StartTimer(op)
	resp, err := d.roundTrip(ctx, op, req)
	if err == nil && resp.Code() != expected {
		err = &ResponseCodeError{
			Operation: op,
			Path:      req.Path(),
			Expected:  expected,
			Actual:    resp.Code(),
			Payload:   resp.Payload(),
		}
	}
	timer.StopOperation(d.metrics, err)
	if err != nil {
		d.logger.Debugf("%s %s failed: %v", op, req.Path(), err)
		return resp, err
	}
	d.logger.Debugf("%s %s -> %s", op, req.Path(), resp.Code())
	return resp, nil
}

func (d *Driver) roundTrip(ctx context.Context, op string, req *packet.Packet) (*packet.Packet, error) {
	if err := d.x.Send(req); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(d.timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, expect.Timeout(d.x.SSID(), op+" response for "+req.Path(), d.timeout, endpoint.ErrTimeoutExceeded)
		}
		p, err := d.x.Next(ctx, remaining)
		if err != nil {
			if errors.Is(err, endpoint.ErrTimeoutExceeded) {
				return nil, expect.Timeout(d.x.SSID(), op+" response for "+req.Path(), d.timeout, err)
			}
			return nil, err
		}

		if p.MessageID() == req.MessageID() {
			switch {
			case p.Type() == message.Reset:
				return nil, fmt.Errorf("%s %s: %w", op, req.Path(), ErrRequestReset)
			case p.Type() == message.Acknowledgement && p.Code() == codes.Empty:
				// Separate response follows.
				continue
			}
		}
		if p.IsResponse() && bytes.Equal(p.Token(), req.Token()) {
			return p, nil
		}
		d.x.Defer(p)
	}
}

func (d *Driver) newRequest(code codes.Code, path string, opts ...packet.Option) (*packet.Packet, error) {
	req, err := packet.NewRequest(code, path, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	return req, nil
}
