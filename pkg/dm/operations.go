package dm

import (
	"context"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/twinfer/lwm2m-harness/pkg/access"
	"github.com/twinfer/lwm2m-harness/pkg/attributes"
	"github.com/twinfer/lwm2m-harness/pkg/lwm2m"
	"github.com/twinfer/lwm2m-harness/pkg/packet"
)

// CreateInstance creates /oid/iid with the given resource values.
func (d *Driver) CreateInstance(ctx context.Context, oid, iid uint16, resources ...lwm2m.TLV) (*packet.Packet, error) {
	req, err := d.newRequest(codes.POST, lwm2m.ObjectPath(oid).String(),
		packet.WithContentFormat(packet.FormatTLV),
		packet.WithPayload(lwm2m.EncodeTLV(lwm2m.Instance(iid, resources...))))
	if err != nil {
		return nil, err
	}
	return d.Request(ctx, "create", req, codes.Created)
}

// DeleteInstance removes /oid/iid; observations on it end.
func (d *Driver) DeleteInstance(ctx context.Context, oid, iid uint16) (*packet.Packet, error) {
	req, err := d.newRequest(codes.DELETE, lwm2m.InstancePath(oid, iid).String())
	if err != nil {
		return nil, err
	}
	resp, err := d.Request(ctx, "delete", req, codes.Deleted)
	if err != nil {
		return resp, err
	}
	d.registry.DestroyInstance(oid, iid)
	d.acl.Remove(oid, iid)
	return resp, nil
}

type observeSettings struct {
	expectError *codes.Code
}

type ObserveOption func(*observeSettings)

// ExpectError makes Observe assert that the device refuses with code.
func ExpectError(code codes.Code) ObserveOption {
	return func(s *observeSettings) { s.expectError = &code }
}

// Observe registers an observation on a resource and returns the initial
// notification, which becomes the baseline for later ones.
func (d *Driver) Observe(ctx context.Context, oid, iid, rid uint16, opts ...ObserveOption) (*packet.Packet, error) {
	var s observeSettings
	for _, opt := range opts {
		opt(&s)
	}

	req, err := d.newRequest(codes.GET, lwm2m.ResourcePath(oid, iid, rid).String(), packet.WithObserve(0))
	if err != nil {
		return nil, err
	}

	if s.expectError != nil {
		resp, err := d.Request(ctx, "observe", req, *s.expectError)
		if err != nil {
			return resp, err
		}
		if _, ok := resp.Observe(); ok {
			return resp, fmt.Errorf("observe %s: %w", req.Path(), ErrObservationActive)
		}
		return resp, nil
	}

	resp, err := d.Request(ctx, "observe", req, codes.Content)
	if err != nil {
		return resp, err
	}
	if _, ok := resp.Observe(); !ok {
		return resp, fmt.Errorf("observe %s: %w", req.Path(), ErrObservationRefused)
	}
	d.registry.Observe(d.key(oid, iid, rid), req.Token(), resp.Payload(), resp.ReceivedAt)
	return resp, nil
}

// CancelObserve deregisters the observation using its original token.
func (d *Driver) CancelObserve(ctx context.Context, oid, iid, rid uint16) (*packet.Packet, error) {
	opts := []packet.Option{packet.WithObserve(1)}
	if obs, ok := d.registry.Get(d.key(oid, iid, rid)); ok {
		opts = append(opts, packet.WithToken(obs.Token))
	}
	req, err := d.newRequest(codes.GET, lwm2m.ResourcePath(oid, iid, rid).String(), opts...)
	if err != nil {
		return nil, err
	}
	resp, err := d.Request(ctx, "cancel-observe", req, codes.Content)
	if err != nil {
		return resp, err
	}
	d.registry.Cancel(d.key(oid, iid, rid))
	return resp, nil
}

// WriteAttributes sets notification attributes, e.g. []string{"pmax=2"}.
func (d *Driver) WriteAttributes(ctx context.Context, oid, iid, rid uint16, query []string) (*packet.Packet, error) {
	update, err := attributes.ParseQuery(query)
	if err != nil {
		return nil, err
	}
	req, err := d.newRequest(codes.PUT, lwm2m.ResourcePath(oid, iid, rid).String(), packet.WithQuery(query...))
	if err != nil {
		return nil, err
	}
	resp, err := d.Request(ctx, "write-attributes", req, codes.Changed)
	if err != nil {
		return resp, err
	}
	d.registry.WriteAttributes(d.key(oid, iid, rid), update)
	return resp, nil
}

func (d *Driver) ExecuteResource(ctx context.Context, oid, iid, rid uint16) (*packet.Packet, error) {
	return d.ExecuteWithArguments(ctx, oid, iid, rid, "")
}

// ExecuteWithArguments executes a resource with an argument list such as
// "0='on',1".
func (d *Driver) ExecuteWithArguments(ctx context.Context, oid, iid, rid uint16, args string) (*packet.Packet, error) {
	var opts []packet.Option
	if args != "" {
		opts = append(opts, packet.WithPayload([]byte(args)), packet.WithContentFormat(packet.FormatPlainText))
	}
	req, err := d.newRequest(codes.POST, lwm2m.ResourcePath(oid, iid, rid).String(), opts...)
	if err != nil {
		return nil, err
	}
	return d.Request(ctx, "execute", req, codes.Changed)
}

func (d *Driver) ReadResource(ctx context.Context, oid, iid, rid uint16) (*packet.Packet, error) {
	req, err := d.newRequest(codes.GET, lwm2m.ResourcePath(oid, iid, rid).String())
	if err != nil {
		return nil, err
	}
	return d.Request(ctx, "read", req, codes.Content)
}

// WriteResource replaces a single resource value.
func (d *Driver) WriteResource(ctx context.Context, oid, iid, rid uint16, value []byte) (*packet.Packet, error) {
	req, err := d.newRequest(codes.PUT, lwm2m.ResourcePath(oid, iid, rid).String(),
		packet.WithContentFormat(packet.FormatPlainText),
		packet.WithPayload(value))
	if err != nil {
		return nil, err
	}
	return d.Request(ctx, "write", req, codes.Changed)
}

// Discover returns the link-format description of path.
func (d *Driver) Discover(ctx context.Context, path lwm2m.Path) (string, error) {
	req, err := d.newRequest(codes.GET, path.String(), packet.WithAccept(packet.FormatLinkFormat))
	if err != nil {
		return "", err
	}
	resp, err := d.Request(ctx, "discover", req, codes.Content)
	if err != nil {
		return "", err
	}
	return string(resp.Payload()), nil
}

// UpdateAccess replaces the ACL of /oid/iid. The matching Access Control
// instance is located by reading object 2.
func (d *Driver) UpdateAccess(ctx context.Context, oid, iid uint16, acl []access.Entry) (*packet.Packet, error) {
	aclIID, err := d.findACLInstance(ctx, oid, iid)
	if err != nil {
		return nil, err
	}
	req, err := d.newRequest(codes.PUT,
		lwm2m.ResourcePath(lwm2m.ObjectAccessControl, aclIID, lwm2m.ACLResACL).String(),
		packet.WithContentFormat(packet.FormatTLV),
		packet.WithPayload(access.EncodeACL(acl)))
	if err != nil {
		return nil, err
	}
	resp, err := d.Request(ctx, "update-access", req, codes.Changed)
	if err != nil {
		return resp, err
	}
	d.acl.Set(oid, iid, acl)
	return resp, nil
}

func (d *Driver) findACLInstance(ctx context.Context, oid, iid uint16) (uint16, error) {
	req, err := d.newRequest(codes.GET, lwm2m.ObjectPath(lwm2m.ObjectAccessControl).String(),
		packet.WithAccept(packet.FormatTLV))
	if err != nil {
		return 0, err
	}
	resp, err := d.Request(ctx, "read", req, codes.Content)
	if err != nil {
		return 0, err
	}
	instances, err := lwm2m.DecodeTLV(resp.Payload())
	if err != nil {
		return 0, fmt.Errorf("failed to decode access control object: %w", err)
	}
	for _, inst := range instances {
		if inst.Kind != lwm2m.KindObjectInstance {
			continue
		}
		if intChild(inst, lwm2m.ACLResObjectID) == int64(oid) && intChild(inst, lwm2m.ACLResInstanceID) == int64(iid) {
			return inst.ID, nil
		}
	}
	return 0, fmt.Errorf("%w %s", ErrNoACLInstance, lwm2m.InstancePath(oid, iid))
}

func intChild(inst lwm2m.TLV, id uint16) int64 {
	c, ok := inst.Child(id)
	if !ok {
		return -1
	}
	v, err := c.Int()
	if err != nil {
		return -1
	}
	return v
}

func (d *Driver) key(oid, iid, rid uint16) attributes.Key {
	return attributes.Key{SSID: d.ssid(), Object: oid, Instance: iid, Resource: rid}
}
