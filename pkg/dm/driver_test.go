package dm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/lwm2m-harness/pkg/access"
	"github.com/twinfer/lwm2m-harness/pkg/attributes"
	"github.com/twinfer/lwm2m-harness/pkg/endpoint"
	"github.com/twinfer/lwm2m-harness/pkg/expect"
	"github.com/twinfer/lwm2m-harness/pkg/lwm2m"
	"github.com/twinfer/lwm2m-harness/pkg/metrics"
	"github.com/twinfer/lwm2m-harness/pkg/packet"
)

// scriptedDevice answers each request with whatever respond returns.
type scriptedDevice struct {
	mu       sync.Mutex
	ssid     int
	respond  func(req *packet.Packet) []*packet.Packet
	queue    []*packet.Packet
	sent     []*packet.Packet
	deferred []*packet.Packet
}

func (s *scriptedDevice) SSID() int { return s.ssid }

func (s *scriptedDevice) Send(pkt *packet.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, pkt)
	if s.respond != nil {
		s.queue = append(s.queue, s.respond(pkt)...)
	}
	return nil
}

func (s *scriptedDevice) Next(_ context.Context, _ time.Duration) (*packet.Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, endpoint.ErrTimeoutExceeded
	}
	p := s.queue[0]
	s.queue = s.queue[1:]
	return p, nil
}

func (s *scriptedDevice) Defer(pkt *packet.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferred = append(s.deferred, pkt)
}

func (s *scriptedDevice) lastSent() *packet.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

func reply(code codes.Code, opts ...packet.Option) func(req *packet.Packet) []*packet.Packet {
	return func(req *packet.Packet) []*packet.Packet {
		return []*packet.Packet{packet.NewResponse(req, code, opts...)}
	}
}

func setupDriver(t *testing.T, respond func(req *packet.Packet) []*packet.Packet) (*Driver, *scriptedDevice, *metrics.CountingRecorder) {
	t.Helper()
	dev := &scriptedDevice{ssid: 1, respond: respond}
	rec := metrics.NewCountingRecorder()
	return New(dev, WithTimeout(time.Second), WithMetrics(rec)), dev, rec
}

func TestCreateInstance(t *testing.T) {
	d, dev, rec := setupDriver(t, reply(codes.Created))

	_, err := d.CreateInstance(context.Background(), 1337, 0)
	require.NoError(t, err)

	req := dev.lastSent()
	assert.Equal(t, codes.POST, req.Code())
	assert.Equal(t, "/1337", req.Path())
	cf, ok := req.ContentFormat()
	require.True(t, ok)
	assert.Equal(t, packet.FormatTLV, cf)

	entries, err := lwm2m.DecodeTLV(req.Payload())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, lwm2m.KindObjectInstance, entries[0].Kind)
	assert.Equal(t, uint16(0), entries[0].ID)

	assert.Equal(t, int64(1), rec.Snapshot().Operations["create"])
}

func TestRequest_UnexpectedCode(t *testing.T) {
	d, _, rec := setupDriver(t, reply(codes.MethodNotAllowed))

	_, err := d.ExecuteResource(context.Background(), 1337, 0, 2)
	require.ErrorIs(t, err, ErrUnexpectedResponseCode)

	var rc *ResponseCodeError
	require.True(t, errors.As(err, &rc))
	assert.Equal(t, "execute", rc.Operation)
	assert.Equal(t, "/1337/0/2", rc.Path)
	assert.Equal(t, codes.Changed, rc.Expected)
	assert.Equal(t, codes.MethodNotAllowed, rc.Actual)
	assert.Equal(t, int64(1), rec.Snapshot().OperationsFailed["execute"])
}

func TestRequest_Silence(t *testing.T) {
	d, _, _ := setupDriver(t, nil)

	_, err := d.ReadResource(context.Background(), 3, 0, 0)
	assert.ErrorIs(t, err, expect.ErrTimeout)
	assert.ErrorIs(t, err, endpoint.ErrTimeoutExceeded)
}

func TestRequest_DefersUnrelatedPackets(t *testing.T) {
	other := packet.NewNotification(message.Token("other"), 3, packet.FormatPlainText, []byte("9"), false)
	d, dev, _ := setupDriver(t, func(req *packet.Packet) []*packet.Packet {
		return []*packet.Packet{other, packet.NewResponse(req, codes.Content, packet.WithPayload([]byte("x")))}
	})

	resp, err := d.ReadResource(context.Background(), 3, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), resp.Payload())
	require.Len(t, dev.deferred, 1)
	assert.Same(t, other, dev.deferred[0])
}

func TestRequest_SeparateResponse(t *testing.T) {
	d, _, _ := setupDriver(t, func(req *packet.Packet) []*packet.Packet {
		sep := &packet.Packet{Message: message.Message{
			Code:      codes.Content,
			Token:     req.Token(),
			Type:      message.Confirmable,
			MessageID: req.MessageID() + 1,
			Payload:   []byte("late"),
		}}
		return []*packet.Packet{packet.NewEmptyAck(req), sep}
	})

	resp, err := d.ReadResource(context.Background(), 3, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), resp.Payload())
}

func TestRequest_Reset(t *testing.T) {
	d, _, _ := setupDriver(t, func(req *packet.Packet) []*packet.Packet {
		return []*packet.Packet{{Message: message.Message{Type: message.Reset, Code: codes.Empty, MessageID: req.MessageID()}}}
	})

	_, err := d.ReadResource(context.Background(), 3, 0, 0)
	assert.ErrorIs(t, err, ErrRequestReset)
}

func TestObserve_RegistersBaseline(t *testing.T) {
	d, dev, _ := setupDriver(t, reply(codes.Content, packet.WithObserve(0), packet.WithPayload([]byte("0"))))

	resp, err := d.Observe(context.Background(), 1337, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("0"), resp.Payload())

	obs, ok := d.Registry().Get(attributes.Key{SSID: 1, Object: 1337, Instance: 0, Resource: 1})
	require.True(t, ok)
	assert.True(t, obs.Active)
	assert.Equal(t, []byte("0"), obs.LastValue)
	assert.Equal(t, dev.lastSent().Token(), obs.Token)

	o, ok := dev.lastSent().Observe()
	require.True(t, ok)
	assert.Equal(t, uint32(0), o)
}

func TestObserve_WithoutObserveOption(t *testing.T) {
	d, _, _ := setupDriver(t, reply(codes.Content))

	_, err := d.Observe(context.Background(), 1337, 0, 1)
	assert.ErrorIs(t, err, ErrObservationRefused)
	_, ok := d.Registry().Get(attributes.Key{SSID: 1, Object: 1337, Resource: 1})
	assert.False(t, ok)
}

func TestObserve_ExpectError(t *testing.T) {
	d, _, _ := setupDriver(t, reply(codes.InternalServerError))
	_, err := d.Observe(context.Background(), 1337, 0, 5, ExpectError(codes.InternalServerError))
	require.NoError(t, err)
	assert.Empty(t, d.Registry().Active(1))

	d, _, _ = setupDriver(t, reply(codes.Content, packet.WithObserve(0)))
	_, err = d.Observe(context.Background(), 1337, 0, 5, ExpectError(codes.InternalServerError))
	assert.ErrorIs(t, err, ErrUnexpectedResponseCode)

	d, _, _ = setupDriver(t, reply(codes.InternalServerError, packet.WithObserve(0)))
	_, err = d.Observe(context.Background(), 1337, 0, 5, ExpectError(codes.InternalServerError))
	assert.ErrorIs(t, err, ErrObservationActive)
}

func TestWriteAttributes(t *testing.T) {
	d, dev, _ := setupDriver(t, func(req *packet.Packet) []*packet.Packet {
		if req.Code() == codes.GET {
			return []*packet.Packet{packet.NewResponse(req, codes.Content, packet.WithObserve(0), packet.WithPayload([]byte("0")))}
		}
		return []*packet.Packet{packet.NewResponse(req, codes.Changed)}
	})
	ctx := context.Background()

	_, err := d.Observe(ctx, 1337, 0, 1)
	require.NoError(t, err)
	_, err = d.WriteAttributes(ctx, 1337, 0, 1, []string{"pmax=2"})
	require.NoError(t, err)

	req := dev.lastSent()
	assert.Equal(t, codes.PUT, req.Code())
	assert.Equal(t, []string{"pmax=2"}, req.Queries())

	obs, _ := d.Registry().Get(attributes.Key{SSID: 1, Object: 1337, Resource: 1})
	require.NotNil(t, obs.Attributes.PMax)
	assert.Equal(t, int64(2), *obs.Attributes.PMax)

	sent := len(dev.sent)
	_, err = d.WriteAttributes(ctx, 1337, 0, 1, []string{"bogus=1"})
	assert.ErrorIs(t, err, attributes.ErrInvalidAttribute)
	assert.Len(t, dev.sent, sent)
}

func TestCancelObserve(t *testing.T) {
	d, dev, _ := setupDriver(t, reply(codes.Content, packet.WithObserve(0)))
	ctx := context.Background()

	_, err := d.Observe(ctx, 1337, 0, 1)
	require.NoError(t, err)
	token := dev.lastSent().Token()

	_, err = d.CancelObserve(ctx, 1337, 0, 1)
	require.NoError(t, err)
	cancel := dev.lastSent()
	assert.Equal(t, token, cancel.Token())
	o, _ := cancel.Observe()
	assert.Equal(t, uint32(1), o)
	assert.Empty(t, d.Registry().Active(1))
}

func TestUpdateAccess(t *testing.T) {
	objects := lwm2m.EncodeTLV(
		lwm2m.Instance(0,
			lwm2m.Resource(lwm2m.ACLResObjectID, lwm2m.IntValue(1)),
			lwm2m.Resource(lwm2m.ACLResInstanceID, lwm2m.IntValue(0))),
		lwm2m.Instance(3,
			lwm2m.Resource(lwm2m.ACLResObjectID, lwm2m.IntValue(1337)),
			lwm2m.Resource(lwm2m.ACLResInstanceID, lwm2m.IntValue(0)),
			lwm2m.Resource(lwm2m.ACLResOwner, lwm2m.IntValue(2))),
	)
	d, dev, _ := setupDriver(t, func(req *packet.Packet) []*packet.Packet {
		if req.Code() == codes.GET {
			return []*packet.Packet{packet.NewResponse(req, codes.Content,
				packet.WithContentFormat(packet.FormatTLV), packet.WithPayload(objects))}
		}
		return []*packet.Packet{packet.NewResponse(req, codes.Changed)}
	})

	acl := []access.Entry{{SSID: 1, Mask: access.Read | access.Execute}, {SSID: 2, Mask: access.Owner}}
	_, err := d.UpdateAccess(context.Background(), 1337, 0, acl)
	require.NoError(t, err)

	req := dev.lastSent()
	assert.Equal(t, codes.PUT, req.Code())
	assert.Equal(t, "/2/3/2", req.Path())
	decoded, err := access.DecodeACL(req.Payload())
	require.NoError(t, err)
	assert.Equal(t, acl, decoded)

	assert.True(t, d.AccessTable().CanObserve(1, 1337, 0))
	assert.False(t, d.AccessTable().Allowed(1, 1337, 0, access.Write))

	_, err = d.UpdateAccess(context.Background(), 1337, 7, acl)
	assert.ErrorIs(t, err, ErrNoACLInstance)
}

func TestDeleteInstance(t *testing.T) {
	d, _, _ := setupDriver(t, func(req *packet.Packet) []*packet.Packet {
		if req.Code() == codes.GET {
			return []*packet.Packet{packet.NewResponse(req, codes.Content, packet.WithObserve(0))}
		}
		return []*packet.Packet{packet.NewResponse(req, codes.Deleted)}
	})
	ctx := context.Background()

	_, err := d.Observe(ctx, 1337, 0, 1)
	require.NoError(t, err)
	_, err = d.DeleteInstance(ctx, 1337, 0)
	require.NoError(t, err)

	_, ok := d.Registry().Get(attributes.Key{SSID: 1, Object: 1337, Resource: 1})
	assert.False(t, ok)
}

func TestDiscoverAndWrite(t *testing.T) {
	d, dev, _ := setupDriver(t, func(req *packet.Packet) []*packet.Packet {
		if req.Code() == codes.GET {
			return []*packet.Packet{packet.NewResponse(req, codes.Content, packet.WithPayload([]byte("</1337/0>,</1337/0/1>")))}
		}
		return []*packet.Packet{packet.NewResponse(req, codes.Changed)}
	})
	ctx := context.Background()

	links, err := d.Discover(ctx, lwm2m.InstancePath(1337, 0))
	require.NoError(t, err)
	assert.Equal(t, "</1337/0>,</1337/0/1>", links)

	_, err = d.WriteResource(ctx, 1337, 0, 3, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), dev.lastSent().Payload())

	_, err = d.ExecuteWithArguments(ctx, 1337, 0, 2, "0='x'")
	require.NoError(t, err)
	assert.Equal(t, []byte("0='x'"), dev.lastSent().Payload())
}
