package registration

import (
	"net"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/lwm2m-harness/pkg/packet"
)

var peer = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 56830}

func request(t *testing.T, code codes.Code, path string, opts ...packet.Option) *packet.Packet {
	t.Helper()
	p, err := packet.NewRequest(code, path, opts...)
	require.NoError(t, err)
	p.Remote = peer
	p.ReceivedAt = time.Now()
	return p
}

func registerRequest(t *testing.T) *packet.Packet {
	return request(t, codes.POST, "/rd",
		packet.WithQuery("lwm2m=1.0", "ep=urn:dev:test", "lt=86400", "b=U"),
		packet.WithPayload([]byte("</1/0>,</1337>")))
}

func TestTracker_RegisterDeregister(t *testing.T) {
	tracker := NewTracker(1)
	tracker.Assign("/rd/demo")
	assert.Equal(t, Unregistered, tracker.State())

	reg := registerRequest(t)
	tr, err := tracker.OnPacket(reg)
	require.NoError(t, err)
	assert.Equal(t, TransitionRegistered, tr)
	assert.Equal(t, Registered, tracker.State())
	assert.Equal(t, "/rd/demo", tracker.Location())

	rec, ok := tracker.Current()
	require.True(t, ok)
	assert.Equal(t, "urn:dev:test", rec.EndpointName)
	assert.Equal(t, 86400*time.Second, rec.Lifetime)
	assert.Equal(t, "U", rec.Binding)
	assert.Equal(t, "1.0", rec.Version)
	assert.Equal(t, "</1/0>,</1337>", rec.Objects)

	resp := tracker.Response(reg, tr)
	require.NotNil(t, resp)
	assert.Equal(t, codes.Created, resp.Code())
	assert.Equal(t, "/rd/demo", resp.LocationPath())

	dereg := request(t, codes.DELETE, "/rd/demo")
	tr, err = tracker.OnPacket(dereg)
	require.NoError(t, err)
	assert.Equal(t, TransitionDeregistered, tr)
	assert.Equal(t, Deregistered, tracker.State())
	assert.Empty(t, tracker.Location())
	assert.Equal(t, codes.Deleted, tracker.Response(dereg, tr).Code())
}

func TestTracker_RegisterTwiceIsViolation(t *testing.T) {
	tracker := NewTracker(1)
	_, err := tracker.OnPacket(registerRequest(t))
	require.NoError(t, err)

	_, err = tracker.OnPacket(registerRequest(t))
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, Registered, tracker.State())
}

func TestTracker_DeregisterMismatch(t *testing.T) {
	tracker := NewTracker(2)

	_, err := tracker.OnPacket(request(t, codes.DELETE, "/rd/0"))
	assert.ErrorIs(t, err, ErrProtocolViolation)

	_, err = tracker.OnPacket(registerRequest(t))
	require.NoError(t, err)

	_, err = tracker.OnPacket(request(t, codes.DELETE, "/rd/other"))
	var v *ViolationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, 2, v.SSID)
	assert.Equal(t, Registered, tracker.State())
}

func TestTracker_Update(t *testing.T) {
	tracker := NewTracker(1)
	tracker.Assign("rd/demo")
	_, err := tracker.OnPacket(registerRequest(t))
	require.NoError(t, err)

	upd := request(t, codes.POST, "/rd/demo", packet.WithQuery("lt=60"))
	tr, err := tracker.OnPacket(upd)
	require.NoError(t, err)
	assert.Equal(t, TransitionUpdated, tr)
	assert.Equal(t, codes.Changed, tracker.Response(upd, tr).Code())

	rec, _ := tracker.Current()
	assert.Equal(t, 60*time.Second, rec.Lifetime)
	assert.Equal(t, 1, rec.Updates)

	_, err = tracker.OnPacket(request(t, codes.POST, "/rd/nope"))
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestTracker_ReRegisterGetsFreshLocation(t *testing.T) {
	tracker := NewTracker(1)

	for i := 0; i < 3; i++ {
		_, err := tracker.OnPacket(registerRequest(t))
		require.NoError(t, err)
		loc := tracker.Location()
		assert.NotContains(t, tracker.PriorLocations(), loc)
		_, err = tracker.OnPacket(request(t, codes.DELETE, loc))
		require.NoError(t, err)
	}

	history := tracker.History()
	require.Len(t, history, 3)
	assert.Equal(t, []string{"/rd/0", "/rd/1", "/rd/2"}, []string{history[0].Location, history[1].Location, history[2].Location})
	for _, r := range history {
		assert.Equal(t, Deregistered, r.State)
	}
}

func TestTracker_Retransmission(t *testing.T) {
	tracker := NewTracker(1)
	reg := registerRequest(t)

	tr, err := tracker.OnPacket(reg)
	require.NoError(t, err)
	first := tracker.Response(reg, tr)

	tr, err = tracker.OnPacket(reg)
	require.NoError(t, err)
	assert.Equal(t, TransitionDuplicate, tr)
	assert.Same(t, first, tracker.Response(reg, tr))
}

func TestTracker_IgnoresOtherTraffic(t *testing.T) {
	tracker := NewTracker(1)

	tr, err := tracker.OnPacket(request(t, codes.GET, "/1337/0/1"))
	require.NoError(t, err)
	assert.Equal(t, TransitionNone, tr)
	assert.Nil(t, tracker.Response(request(t, codes.GET, "/1337/0/1"), tr))

	tr, err = tracker.OnPacket(request(t, codes.POST, "/rd", packet.WithQuery("lt=5")))
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, TransitionNone, tr)
}

func TestTracker_Reset(t *testing.T) {
	tracker := NewTracker(1)
	_, err := tracker.OnPacket(registerRequest(t))
	require.NoError(t, err)

	tracker.Reset()
	assert.Equal(t, Unregistered, tracker.State())
	assert.Empty(t, tracker.History())
	_, ok := tracker.Current()
	assert.False(t, ok)
}

func TestTracker_Unassign(t *testing.T) {
	tracker := NewTracker(1)
	tracker.Assign("/rd/a")
	tracker.Assign("/rd/b")
	tracker.Unassign("rd/a")
	tracker.Unassign("/rd/never")

	_, err := tracker.OnPacket(registerRequest(t))
	require.NoError(t, err)
	assert.Equal(t, "/rd/b", tracker.Location())

	_, err = tracker.OnPacket(request(t, codes.DELETE, "/rd/b"))
	require.NoError(t, err)
	_, err = tracker.OnPacket(registerRequest(t))
	require.NoError(t, err)
	assert.Equal(t, "/rd/0", tracker.Location())
}
