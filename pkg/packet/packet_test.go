package packet

import (
	"fmt"
	"net"
	"testing"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest_EncodeDecode(t *testing.T) {
	req, err := NewRequest(codes.POST, "/rd",
		WithQuery("lwm2m=1.0", "ep=urn:dev:os:harness", "lt=86400"),
		WithContentFormat(FormatLinkFormat),
		WithPayload([]byte("</1/0>,</1337/0>")))
	require.NoError(t, err)

	raw, err := Encode(req)
	require.NoError(t, err)

	remote := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
	decoded, err := Decode(raw, remote)
	require.NoError(t, err)

	assert.Equal(t, codes.POST, decoded.Code())
	assert.True(t, decoded.IsRequest())
	assert.True(t, decoded.IsConfirmable())
	assert.Equal(t, "/rd", decoded.Path())
	assert.Equal(t, []string{"lwm2m=1.0", "ep=urn:dev:os:harness", "lt=86400"}, decoded.Queries())
	assert.Equal(t, req.MessageID(), decoded.MessageID())
	assert.Equal(t, req.Token(), decoded.Token())
	assert.Equal(t, []byte("</1/0>,</1337/0>"), decoded.Payload())
	assert.Equal(t, remote, decoded.Remote)

	ep, ok := decoded.Query("ep")
	require.True(t, ok)
	assert.Equal(t, "urn:dev:os:harness", ep)

	_, ok = decoded.Query("b")
	assert.False(t, ok)

	cf, ok := decoded.ContentFormat()
	require.True(t, ok)
	assert.Equal(t, FormatLinkFormat, cf)
}

func TestNewResponse_PiggybacksOnConfirmable(t *testing.T) {
	req, err := NewRequest(codes.POST, "/rd", WithQuery("ep=x"))
	require.NoError(t, err)

	resp := NewResponse(req, codes.Created, WithLocation("/rd/demo"))
	assert.Equal(t, message.Acknowledgement, resp.Type())
	assert.Equal(t, req.MessageID(), resp.MessageID())
	assert.Equal(t, req.Token(), resp.Token())
	assert.Equal(t, "/rd/demo", resp.LocationPath())
	assert.True(t, resp.IsResponse())

	raw, err := Encode(resp)
	require.NoError(t, err)
	decoded, err := Decode(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, "/rd/demo", decoded.LocationPath())
}

func TestNewResponse_NonConfirmableRequest(t *testing.T) {
	req, err := NewRequest(codes.GET, "/1/0/1", NonConfirmable())
	require.NoError(t, err)

	resp := NewResponse(req, codes.Content)
	assert.Equal(t, message.NonConfirmable, resp.Type())
	assert.Equal(t, req.Token(), resp.Token())
}

func TestObserveOption(t *testing.T) {
	req, err := NewRequest(codes.GET, "/1337/0/1", WithObserve(0))
	require.NoError(t, err)

	raw, err := Encode(req)
	require.NoError(t, err)
	decoded, err := Decode(raw, nil)
	require.NoError(t, err)

	obs, ok := decoded.Observe()
	require.True(t, ok)
	assert.Equal(t, uint32(0), obs)
	assert.Equal(t, "/1337/0/1", decoded.Path())

	plain, err := NewRequest(codes.GET, "/1337/0/1")
	require.NoError(t, err)
	_, ok = plain.Observe()
	assert.False(t, ok)
}

func TestNewNotification(t *testing.T) {
	n := NewNotification(message.Token("abcd"), 7, FormatPlainText, []byte("2"), false)
	raw, err := Encode(n)
	require.NoError(t, err)

	decoded, err := Decode(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, codes.Content, decoded.Code())
	assert.Equal(t, message.NonConfirmable, decoded.Type())
	seq, ok := decoded.Observe()
	require.True(t, ok)
	assert.Equal(t, uint32(7), seq)
	assert.Equal(t, []byte("2"), decoded.Payload())
}

func TestDecode_RegisterWithQueries(t *testing.T) {
	req, err := NewRequest(codes.POST, "/rd", WithQuery("ep=dev"))
	require.NoError(t, err)
	raw, err := Encode(req)
	require.NoError(t, err)

	decoded, err := Decode(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, "/rd", decoded.Path())
	ep, ok := decoded.Query("ep")
	require.True(t, ok)
	assert.Equal(t, "dev", ep)
}

func TestDecode_GrowsOptionsBuffer(t *testing.T) {
	var queries []string
	for i := 0; i < 40; i++ {
		queries = append(queries, fmt.Sprintf("q%d=%d", i, i))
	}
	req, err := NewRequest(codes.GET, "/a/b/c/d/e/f/g/h/i/j", WithQuery(queries...), WithObserve(0))
	require.NoError(t, err)
	raw, err := Encode(req)
	require.NoError(t, err)

	decoded, err := Decode(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, "/a/b/c/d/e/f/g/h/i/j", decoded.Path())
	assert.Equal(t, queries, decoded.Queries())
	seq, ok := decoded.Observe()
	require.True(t, ok)
	assert.Equal(t, uint32(0), seq)
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte{0xff}, nil)
	assert.Error(t, err)
}

func TestSplitPath(t *testing.T) {
	assert.Equal(t, []string{"rd", "server2"}, SplitPath("/rd/server2"))
	assert.Equal(t, []string{"rd"}, SplitPath("rd/"))
	assert.Nil(t, SplitPath("/"))
}
