package harness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/lwm2m-harness/pkg/dm"
	"github.com/twinfer/lwm2m-harness/pkg/endpoint"
	"github.com/twinfer/lwm2m-harness/pkg/expect"
	"github.com/twinfer/lwm2m-harness/pkg/metrics"
	"github.com/twinfer/lwm2m-harness/pkg/packet"
	"github.com/twinfer/lwm2m-harness/pkg/registration"
)

// Server is one simulated LwM2M server: an endpoint, the registration state
// the device holds with it, and a data-model driver speaking through it.
type Server struct {
	ep      *endpoint.Endpoint
	tracker *registration.Tracker
	driver  *dm.Driver
	logger  *service.Logger
	metrics metrics.Recorder

	mu      sync.Mutex
	backlog []*packet.Packet
}

// NewServer wraps an open endpoint. The driver is built over the server
// itself with the given options.
func NewServer(ep *endpoint.Endpoint, logger *service.Logger, recorder metrics.Recorder, opts ...dm.Option) *Server {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	s := &Server{
		ep:      ep,
		tracker: registration.NewTracker(ep.SSID()),
		logger:  logger.With("ssid", ep.SSID()),
		metrics: recorder,
	}
	opts = append([]dm.Option{dm.WithLogger(s.logger), dm.WithMetrics(recorder)}, opts...)
	s.driver = dm.New(s, opts...)
	return s
}

func (s *Server) SSID() int {
	return s.ep.SSID()
}

func (s *Server) Endpoint() *endpoint.Endpoint {
	return s.ep
}

func (s *Server) Tracker() *registration.Tracker {
	return s.tracker
}

func (s *Server) DM() *dm.Driver {
	return s.driver
}

func (s *Server) URI() string {
	return s.ep.URI()
}

func (s *Server) ListenPort() int {
	return s.ep.ListenPort()
}

// Send delivers pkt to the device, preferring the registered peer address.
func (s *Server) Send(pkt *packet.Packet) error {
	return s.ep.Send(pkt, s.peer())
}

func (s *Server) peer() net.Addr {
	if rec, ok := s.tracker.Current(); ok && rec.State == registration.Registered && rec.Peer != nil {
		return rec.Peer
	}
	return s.ep.Peer()
}

// Next returns the next packet from the device. Registration updates at the
// current location are answered here, and confirmable notifications are
// acknowledged, so callers only see what they assert on.
func (s *Server) Next(ctx context.Context, timeout time.Duration) (*packet.Packet, error) {
	deadline := time.Now().Add(timeout)
	for {
		p, err := s.ep.ReceiveContext(ctx, remaining(deadline))
		if err != nil {
			return nil, err
		}

		if s.isUpdate(p) {
			if err := s.handleRegistration(p, registration.TransitionUpdated); err != nil {
				return nil, err
			}
			continue
		}
		if p.IsConfirmable() && !p.IsRequest() {
			if err := s.Ack(p); err != nil {
				s.logger.Warnf("Failed to acknowledge %s: %v", p, err)
			}
		}
		return p, nil
	}
}

// Defer puts a packet back for the next Recv.
func (s *Server) Defer(pkt *packet.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backlog = append(s.backlog, pkt)
}

// Recv returns the next packet not consumed by a data-model operation.
func (s *Server) Recv(ctx context.Context, timeout time.Duration) (*packet.Packet, error) {
	s.mu.Lock()
	if len(s.backlog) > 0 {
		p := s.backlog[0]
		s.backlog = s.backlog[1:]
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()
	return s.Next(ctx, timeout)
}

// Ack sends an empty acknowledgement for a confirmable packet.
func (s *Server) Ack(pkt *packet.Packet) error {
	return s.ep.Send(packet.NewEmptyAck(pkt), pkt.Remote)
}

func (s *Server) isUpdate(p *packet.Packet) bool {
	loc := s.tracker.Location()
	return loc != "" && p.IsRequest() && p.Path() == loc && p.Code() == codes.POST
}

func (s *Server) handleRegistration(p *packet.Packet, want registration.Transition) error {
	tr, err := s.tracker.OnPacket(p)
	if err != nil {
		return err
	}
	if tr != want && tr != registration.TransitionDuplicate {
		return &registration.ViolationError{
			SSID:   s.SSID(),
			Packet: p.String(),
			Reason: fmt.Sprintf("expected %s, got %s", want, tr),
		}
	}
	resp := s.tracker.Response(p, tr)
	if err := s.ep.Send(resp, p.Remote); err != nil {
		return err
	}
	if tr != registration.TransitionDuplicate {
		s.metrics.RecordRegistrationEvent(tr.String())
		s.logger.Infof("Device %s at %s", tr, s.tracker.Location())
	}
	return nil
}

// AssertRegistered waits for a Register, answers it with location (or a
// generated one when empty) and returns the new record. On failure the
// location is not left queued for a later registration.
func (s *Server) AssertRegistered(ctx context.Context, location string, timeout time.Duration) (rec registration.Record, err error) {
	if location != "" {
		s.tracker.Assign(location)
		defer func() {
			if err != nil {
				s.tracker.Unassign(location)
			}
		}()
	}
	deadline := time.Now().Add(timeout)
	for {
		p, err := s.Recv(ctx, remaining(deadline))
		if err != nil {
			return registration.Record{}, s.expectation("register", timeout, err)
		}
		if err := s.handleRegistration(p, registration.TransitionRegistered); err != nil {
			return registration.Record{}, err
		}
		rec, _ := s.tracker.Current()
		if rec.State == registration.Registered && (location == "" || rec.Location == normalize(location)) {
			return rec, nil
		}
	}
}

// AssertDeregistered waits for a De-register at path, or at the current
// location when path is empty. Notifications still in flight from earlier
// observations are skipped.
func (s *Server) AssertDeregistered(ctx context.Context, path string, timeout time.Duration) error {
	if path != "" && normalize(path) != s.tracker.Location() {
		return &registration.ViolationError{
			SSID:   s.SSID(),
			Reason: fmt.Sprintf("expected deregistration from %s but registered at %q", path, s.tracker.Location()),
		}
	}
	deadline := time.Now().Add(timeout)
	for {
		p, err := s.Recv(ctx, remaining(deadline))
		if err != nil {
			return s.expectation("deregister", timeout, err)
		}
		if _, ok := p.Observe(); ok && !p.IsRequest() {
			s.logger.Debugf("Skipping notification while waiting for De-register: %s", p)
			continue
		}
		if err := s.handleRegistration(p, registration.TransitionDeregistered); err != nil {
			return err
		}
		if s.tracker.State() == registration.Deregistered {
			return nil
		}
	}
}

// AssertSilent fails if the device sends anything within window.
func (s *Server) AssertSilent(ctx context.Context, window time.Duration) error {
	p, err := s.Recv(ctx, window)
	if errors.Is(err, endpoint.ErrTimeoutExceeded) {
		return nil
	}
	if err != nil {
		return err
	}
	return &registration.ViolationError{
		SSID:   s.SSID(),
		Packet: p.String(),
		Reason: fmt.Sprintf("expected silence for %s", window),
	}
}

func (s *Server) expectation(what string, timeout time.Duration, err error) error {
	if errors.Is(err, endpoint.ErrTimeoutExceeded) {
		return expect.Timeout(s.SSID(), what, timeout, err)
	}
	return err
}

// Close releases the endpoint.
func (s *Server) Close() error {
	return s.ep.Close()
}

func remaining(deadline time.Time) time.Duration {
	return max(0, time.Until(deadline))
}

func normalize(path string) string {
	return "/" + strings.Join(packet.SplitPath(path), "/")
}

var _ dm.Exchanger = (*Server)(nil)
