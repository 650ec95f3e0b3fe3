// Package endpoint implements the simulated LwM2M server endpoint: a
// datagram socket exchanging raw CoAP packets with the device under test,
// with bounded-time receive.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/lwm2m-harness/pkg/metrics"
	"github.com/twinfer/lwm2m-harness/pkg/packet"
	"github.com/twinfer/lwm2m-harness/pkg/trace"
)

const (
	maxDatagramSize  = 65535
	defaultQueueSize = 64
)

// Endpoint is one simulated server. It owns its socket; a single reader
// goroutine decodes datagrams into a buffered queue consumed by Receive.
type Endpoint struct {
	transport Transport
	scheme    string
	ssid      int

	logger  *service.Logger
	tracer  trace.Tracer
	metrics metrics.Recorder

	incoming  chan *packet.Packet
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
	receiving atomic.Bool

	peerMu sync.RWMutex
	peer   net.Addr
}

type settings struct {
	protocol  string
	security  Security
	ssid      int
	queueSize int
	logger    *service.Logger
	tracer    trace.Tracer
	metrics   metrics.Recorder
}

type Option func(*settings)

// WithProtocol selects "udp" (default) or "udp-dtls".
func WithProtocol(protocol string) Option {
	return func(s *settings) { s.protocol = protocol }
}

func WithSecurity(security Security) Option {
	return func(s *settings) { s.security = security }
}

// WithSSID tags logs, traces and metrics with the short server id.
func WithSSID(ssid int) Option {
	return func(s *settings) { s.ssid = ssid }
}

func WithQueueSize(n int) Option {
	return func(s *settings) { s.queueSize = n }
}

func WithLogger(logger *service.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *settings) { s.tracer = tracer }
}

func WithMetrics(recorder metrics.Recorder) Option {
	return func(s *settings) { s.metrics = recorder }
}

// Open binds a new endpoint. Use port 0 to let the OS pick one.
func Open(bindAddress string, opts ...Option) (*Endpoint, error) {
	s := settings{
		protocol:  "udp",
		queueSize: defaultQueueSize,
		tracer:    trace.Nop{},
		metrics:   metrics.Nop{},
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = service.NewLoggerFromSlog(slog.New(slog.NewTextHandler(io.Discard, nil)))
	}

	factory, err := CreateFactory(s.protocol)
	if err != nil {
		return nil, &BindError{Protocol: s.protocol, Address: bindAddress, Err: err}
	}
	transport, err := factory.Listen(bindAddress, s.security)
	if err != nil {
		return nil, &BindError{Protocol: s.protocol, Address: bindAddress, Err: err}
	}

	e := &Endpoint{
		transport: transport,
		scheme:    factory.Scheme(),
		ssid:      s.ssid,
		logger:    s.logger.With("ssid", s.ssid, "local", transport.LocalAddr().String()),
		tracer:    s.tracer,
		metrics:   s.metrics,
		incoming:  make(chan *packet.Packet, s.queueSize),
		done:      make(chan struct{}),
	}

	e.wg.Add(1)
	go e.readLoop()

	e.logger.Debugf("Endpoint listening on %s", e.URI())
	return e, nil
}

func (e *Endpoint) readLoop() {
	defer e.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := e.transport.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.logger.Warnf("Read failed: %v", err)
			continue
		}

		e.tracer.Record(trace.Event{
			Timestamp:  time.Now(),
			Direction:  trace.DirectionIn,
			SSID:       e.ssid,
			LocalAddr:  e.transport.LocalAddr().String(),
			RemoteAddr: addr.String(),
			Data:       append([]byte(nil), buf[:n]...),
		})

		pkt, err := packet.Decode(buf[:n], addr)
		if err != nil {
			e.metrics.RecordDecodeError(e.ssid)
			e.logger.Warnf("Dropping undecodable datagram from %s: %v", addr, err)
			continue
		}
		e.metrics.RecordPacketReceived(e.ssid)
		e.logger.Debugf("<- %s from %s", pkt, addr)

		e.setPeer(addr)

		select {
		case e.incoming <- pkt:
		case <-e.done:
			return
		}
	}
}

// Send transmits pkt once. A nil dest sends to the last peer seen.
func (e *Endpoint) Send(pkt *packet.Packet, dest net.Addr) error {
	if e.isClosed() {
		return ErrClosed
	}
	if dest == nil {
		dest = e.Peer()
		if dest == nil {
			return ErrNoPeer
		}
	}

	raw, err := packet.Encode(pkt)
	if err != nil {
		return err
	}
	if _, err := e.transport.WriteTo(raw, dest); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", pkt, dest, err)
	}

	e.tracer.Record(trace.Event{
		Timestamp:  time.Now(),
		Direction:  trace.DirectionOut,
		SSID:       e.ssid,
		LocalAddr:  e.transport.LocalAddr().String(),
		RemoteAddr: dest.String(),
		Data:       raw,
	})
	e.metrics.RecordPacketSent(e.ssid)
	e.logger.Debugf("-> %s to %s", pkt, dest)
	return nil
}

// Receive returns the next packet within timeout or ErrTimeoutExceeded.
func (e *Endpoint) Receive(timeout time.Duration) (*packet.Packet, error) {
	return e.ReceiveContext(context.Background(), timeout)
}

// ReceiveContext is Receive that also stops when ctx is done.
func (e *Endpoint) ReceiveContext(ctx context.Context, timeout time.Duration) (*packet.Packet, error) {
	if !e.receiving.CompareAndSwap(false, true) {
		return nil, ErrConcurrentReceive
	}
	defer e.receiving.Store(false)

	// A queued packet wins over an already expired window.
	select {
	case pkt := <-e.incoming:
		return pkt, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case pkt := <-e.incoming:
		return pkt, nil
	case <-timer.C:
		e.metrics.RecordReceiveTimeout(e.ssid)
		return nil, fmt.Errorf("%w: nothing received on %s within %s", ErrTimeoutExceeded, e.URI(), timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrClosed
	}
}

// Close releases the socket. It is idempotent and safe on a nil endpoint.
func (e *Endpoint) Close() error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		close(e.done)
		if e.transport != nil {
			e.closeErr = e.transport.Close()
		}
		e.wg.Wait()
		e.logger.Debugf("Endpoint closed")
	})
	return e.closeErr
}

func (e *Endpoint) isClosed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Endpoint) Addr() net.Addr {
	return e.transport.LocalAddr()
}

func (e *Endpoint) ListenPort() int {
	if addr, ok := e.transport.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	_, port, err := net.SplitHostPort(e.transport.LocalAddr().String())
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

// URI is the address handed to the DUT, e.g. coap://127.0.0.1:5683.
// Unspecified bind addresses are reported as loopback.
func (e *Endpoint) URI() string {
	host := "127.0.0.1"
	if addr, ok := e.transport.LocalAddr().(*net.UDPAddr); ok && addr.IP != nil && !addr.IP.IsUnspecified() {
		host = addr.IP.String()
	}
	return fmt.Sprintf("%s://%s", e.scheme, net.JoinHostPort(host, strconv.Itoa(e.ListenPort())))
}

func (e *Endpoint) SSID() int {
	return e.ssid
}

// Peer is the source address of the most recently received packet.
func (e *Endpoint) Peer() net.Addr {
	e.peerMu.RLock()
	defer e.peerMu.RUnlock()
	return e.peer
}

func (e *Endpoint) setPeer(addr net.Addr) {
	e.peerMu.Lock()
	e.peer = addr
	e.peerMu.Unlock()
}

// Pending reports how many decoded packets are waiting to be received.
func (e *Endpoint) Pending() int {
	return len(e.incoming)
}
