package endpoint

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/redpanda-data/benthos/v4/public/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/lwm2m-harness/pkg/metrics"
	"github.com/twinfer/lwm2m-harness/pkg/packet"
	"github.com/twinfer/lwm2m-harness/pkg/trace"
)

func testLogger() *service.Logger {
	return service.NewLoggerFromSlog(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})))
}

type recordingTracer struct {
	mu     sync.Mutex
	events []trace.Event
}

func (r *recordingTracer) Record(e trace.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingTracer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Helper function to open an endpoint and return it along with a cleanup function.
func setupEndpoint(t *testing.T, opts ...Option) (*Endpoint, func()) {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger()), WithSSID(1)}, opts...)
	ep, err := Open("127.0.0.1:0", opts...)
	require.NoError(t, err, "endpoint should open")

	cleanup := func() {
		assert.NoError(t, ep.Close())
	}
	return ep, cleanup
}

// Helper function to create a raw UDP client aimed at the endpoint.
func setupClient(t *testing.T, ep *Endpoint) (*net.UDPConn, func()) {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, ep.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	return conn, func() { conn.Close() }
}

func sendRaw(t *testing.T, conn *net.UDPConn, pkt *packet.Packet) {
	t.Helper()
	raw, err := packet.Encode(pkt)
	require.NoError(t, err)
	_, err = conn.Write(raw)
	require.NoError(t, err)
}

func TestEndpoint_ReceiveAndReply(t *testing.T) {
	tracer := &recordingTracer{}
	rec := metrics.NewCountingRecorder()
	ep, cleanup := setupEndpoint(t, WithTracer(tracer), WithMetrics(rec))
	defer cleanup()
	client, closeClient := setupClient(t, ep)
	defer closeClient()

	req, err := packet.NewRequest(codes.POST, "/rd", packet.WithQuery("ep=dut"))
	require.NoError(t, err)
	sendRaw(t, client, req)

	got, err := ep.Receive(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "/rd", got.Path())
	assert.Equal(t, client.LocalAddr().String(), got.Remote.String())
	assert.Equal(t, client.LocalAddr().String(), ep.Peer().String())

	require.NoError(t, ep.Send(packet.NewResponse(got, codes.Created, packet.WithLocation("/rd/0")), nil))

	buf := make([]byte, 1500)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := client.Read(buf)
	require.NoError(t, err)
	resp, err := packet.Decode(buf[:n], nil)
	require.NoError(t, err)
	assert.Equal(t, codes.Created, resp.Code())
	assert.Equal(t, "/rd/0", resp.LocationPath())
	assert.Equal(t, req.MessageID(), resp.MessageID())

	assert.Equal(t, 2, tracer.count())
	snap := rec.Snapshot()
	assert.Equal(t, int64(1), snap.PacketsReceived)
	assert.Equal(t, int64(1), snap.PacketsSent)
}

func TestEndpoint_ReceiveTimeout(t *testing.T) {
	rec := metrics.NewCountingRecorder()
	ep, cleanup := setupEndpoint(t, WithMetrics(rec))
	defer cleanup()

	start := time.Now()
	_, err := ep.Receive(100 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeoutExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, int64(1), rec.Snapshot().ReceiveTimeouts)
}

func TestEndpoint_SkipsUndecodableDatagrams(t *testing.T) {
	rec := metrics.NewCountingRecorder()
	ep, cleanup := setupEndpoint(t, WithMetrics(rec))
	defer cleanup()
	client, closeClient := setupClient(t, ep)
	defer closeClient()

	_, err := client.Write([]byte{0xff})
	require.NoError(t, err)
	req, err := packet.NewRequest(codes.GET, "/3/0")
	require.NoError(t, err)
	sendRaw(t, client, req)

	got, err := ep.Receive(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "/3/0", got.Path())
	assert.Equal(t, int64(1), rec.Snapshot().DecodeErrors)
}

func TestEndpoint_ConcurrentReceive(t *testing.T) {
	ep, cleanup := setupEndpoint(t)
	defer cleanup()

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := ep.Receive(500 * time.Millisecond)
		done <- err
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	_, err := ep.Receive(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrConcurrentReceive)
	assert.ErrorIs(t, <-done, ErrTimeoutExceeded)
}

func TestEndpoint_CloseIsIdempotent(t *testing.T) {
	ep, err := Open("127.0.0.1:0", WithLogger(testLogger()))
	require.NoError(t, err)

	require.NoError(t, ep.Close())
	require.NoError(t, ep.Close())

	_, err = ep.Receive(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, ep.Send(&packet.Packet{}, ep.Addr()), ErrClosed)

	var nilEndpoint *Endpoint
	assert.NoError(t, nilEndpoint.Close())
}

func TestEndpoint_CloseUnblocksReceive(t *testing.T) {
	ep, err := Open("127.0.0.1:0", WithLogger(testLogger()))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := ep.Receive(5 * time.Second)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ep.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after Close")
	}
}

func TestEndpoint_BindError(t *testing.T) {
	ep, cleanup := setupEndpoint(t)
	defer cleanup()

	_, err := Open(ep.Addr().String(), WithLogger(testLogger()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBind)

	var bindErr *BindError
	require.True(t, errors.As(err, &bindErr))
	assert.Equal(t, "udp", bindErr.Protocol)

	_, err = Open("127.0.0.1:0", WithProtocol("sctp"))
	assert.ErrorIs(t, err, ErrBind)
}

func TestEndpoint_SendWithoutPeer(t *testing.T) {
	ep, cleanup := setupEndpoint(t)
	defer cleanup()

	req, err := packet.NewRequest(codes.GET, "/1/0")
	require.NoError(t, err)
	assert.ErrorIs(t, ep.Send(req, nil), ErrNoPeer)
}

func TestEndpoint_URI(t *testing.T) {
	ep, cleanup := setupEndpoint(t)
	defer cleanup()

	assert.NotZero(t, ep.ListenPort())
	assert.Regexp(t, `^coap://127\.0\.0\.1:\d+$`, ep.URI())
	assert.Equal(t, 1, ep.SSID())
}

func TestCreateFactory(t *testing.T) {
	tests := []struct {
		protocol string
		scheme   string
		wantErr  bool
	}{
		{protocol: "", scheme: "coap"},
		{protocol: "udp", scheme: "coap"},
		{protocol: "udp-dtls", scheme: "coaps"},
		{protocol: "tcp", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.protocol, func(t *testing.T) {
			f, err := CreateFactory(tt.protocol)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, f.Scheme())
		})
	}
}

func TestDTLSConfigValidation(t *testing.T) {
	f := &DTLSFactory{}

	_, err := f.createDTLSConfig(Security{Mode: "psk", PSKIdentity: "id"})
	assert.Error(t, err)

	_, err = f.createDTLSConfig(Security{Mode: "certificate"})
	assert.Error(t, err)

	_, err = f.createDTLSConfig(Security{Mode: "none"})
	assert.Error(t, err)

	cfg, err := f.createDTLSConfig(Security{Mode: "psk", PSKIdentity: "id", PSKKey: "secret"})
	require.NoError(t, err)
	key, err := cfg.PSK([]byte("id"))
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), key)
	_, err = cfg.PSK([]byte("intruder"))
	assert.Error(t, err)
}
