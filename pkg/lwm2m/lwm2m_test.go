package lwm2m

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []uint16
		wantErr bool
	}{
		{name: "object", input: "/1337", want: []uint16{1337}},
		{name: "instance", input: "/1337/0", want: []uint16{1337, 0}},
		{name: "resource", input: "/2/3/2", want: []uint16{2, 3, 2}},
		{name: "root", input: "/", want: nil},
		{name: "not numeric", input: "/rd/demo", wantErr: true},
		{name: "too long", input: "/1/2/3/4/5", wantErr: true},
		{name: "overflow", input: "/70000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePath(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.IDs)
		})
	}
}

func TestPathAccessors(t *testing.T) {
	p := ResourcePath(1337, 0, 5)
	assert.Equal(t, "/1337/0/5", p.String())
	assert.True(t, p.IsResource())
	assert.Equal(t, uint16(1337), p.Object())
	assert.Equal(t, uint16(0), p.Instance())
	assert.Equal(t, uint16(5), p.Resource())

	assert.Equal(t, "/2/1", InstancePath(2, 1).String())
	assert.True(t, ObjectPath(3).IsObject())
	assert.Equal(t, "/", Path{}.String())
}

func TestTLV_ACLInstanceRoundTrip(t *testing.T) {
	payload := EncodeTLV(Instance(4,
		Resource(ACLResObjectID, IntValue(1337)),
		Resource(ACLResInstanceID, IntValue(0)),
		MultipleResource(ACLResACL,
			ResourceInstance(1, IntValue(5)),
			ResourceInstance(2, IntValue(15)),
		),
		Resource(ACLResOwner, IntValue(2)),
	))

	entries, err := DecodeTLV(payload)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	inst := entries[0]
	assert.Equal(t, KindObjectInstance, inst.Kind)
	assert.Equal(t, uint16(4), inst.ID)

	oid, ok := inst.Child(ACLResObjectID)
	require.True(t, ok)
	v, err := oid.Int()
	require.NoError(t, err)
	assert.Equal(t, int64(1337), v)

	acl, ok := inst.Child(ACLResACL)
	require.True(t, ok)
	assert.Equal(t, KindMultipleResource, acl.Kind)
	require.Len(t, acl.Children, 2)
	mask, err := acl.Children[1].Int()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), acl.Children[1].ID)
	assert.Equal(t, int64(15), mask)

	_, ok = inst.Child(99)
	assert.False(t, ok)
}

func TestTLV_LengthEncodings(t *testing.T) {
	for _, size := range []int{0, 7, 8, 255, 256, 70000} {
		value := bytes.Repeat([]byte{0xab}, size)
		entries, err := DecodeTLV(EncodeTLV(Resource(300, value)))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, uint16(300), entries[0].ID)
		assert.Len(t, entries[0].Value, size)
	}
}

func TestTLV_Truncated(t *testing.T) {
	full := EncodeTLV(Resource(1, []byte("hello world")))
	_, err := DecodeTLV(full[:len(full)-1])
	assert.ErrorIs(t, err, ErrTruncatedTLV)

	_, err = DecodeTLV([]byte{0xc8})
	assert.ErrorIs(t, err, ErrTruncatedTLV)
}

func TestIntValue(t *testing.T) {
	for _, v := range []int64{0, -1, 127, -128, 128, 40000, -40000, 1 << 40} {
		got, err := TLV{Value: IntValue(v)}.Int()
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	assert.Len(t, IntValue(5), 1)
	assert.Len(t, IntValue(300), 2)

	_, err := TLV{Value: []byte{1, 2, 3}}.Int()
	assert.Error(t, err)
}
