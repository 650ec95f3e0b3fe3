// pkg/testing/mock_objects.go
package testing

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/twinfer/lwm2m-harness/pkg/access"
	"github.com/twinfer/lwm2m-harness/pkg/attributes"
	"github.com/twinfer/lwm2m-harness/pkg/lwm2m"
	"github.com/twinfer/lwm2m-harness/pkg/packet"
)

func (d *MockDevice) handleRequest(srv *mockServerConn, req *packet.Packet) *packet.Packet {
	path, err := lwm2m.ParsePath(req.Path())
	if err != nil || path.Len() == 0 {
		return packet.NewResponse(req, codes.BadRequest)
	}

	switch req.Code() {
	case codes.GET:
		if accept, ok := req.Accept(); ok && accept == packet.FormatLinkFormat {
			return d.discover(srv, req, path)
		}
		if obs, ok := req.Observe(); ok {
			if obs == 0 {
				return d.observe(srv, req, path)
			}
			return d.cancelObserve(srv, req, path)
		}
		return d.read(srv, req, path)
	case codes.PUT:
		if len(req.Payload()) == 0 && len(req.Queries()) > 0 {
			return d.writeAttributes(srv, req, path)
		}
		return d.write(srv, req, path)
	case codes.POST:
		switch {
		case path.IsObject():
			return d.create(srv, req, path)
		case path.IsResource():
			return d.executeResource(srv, req, path)
		}
		return packet.NewResponse(req, codes.MethodNotAllowed)
	case codes.DELETE:
		if !path.IsInstance() {
			return packet.NewResponse(req, codes.MethodNotAllowed)
		}
		return d.deleteInstance(srv, req, path)
	default:
		return packet.NewResponse(req, codes.MethodNotAllowed)
	}
}

// allowedLocked applies access control. With a single server every
// operation is allowed; an instance without an ACL is unrestricted.
func (d *MockDevice) allowedLocked(ssid, oid, iid uint16, perm access.Mask) bool {
	if len(d.servers) <= 1 || d.cfg.IgnoreAccess {
		return true
	}
	return d.acl.Allowed(ssid, oid, iid, perm)
}

// readValueLocked returns the plain-text value of a resource, or the error
// code a read would produce.
func (d *MockDevice) readValueLocked(ssid uint16, path lwm2m.Path) ([]byte, codes.Code) {
	inst := d.instanceLocked(path.Object(), path.Instance(), false)
	if inst == nil {
		return nil, codes.NotFound
	}
	if !d.allowedLocked(ssid, path.Object(), path.Instance(), access.Read) {
		return nil, codes.Unauthorized
	}
	if path.Object() == TestObjectID && path.Resource() == ResEmptyHandler {
		return nil, codes.InternalServerError
	}
	v, ok := inst.resources[path.Resource()]
	if !ok {
		return nil, codes.NotFound
	}
	return v, codes.Content
}

func (d *MockDevice) read(srv *mockServerConn, req *packet.Packet, path lwm2m.Path) *packet.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()

	if path.Object() == lwm2m.ObjectAccessControl {
		return packet.NewResponse(req, codes.Content,
			packet.WithContentFormat(packet.FormatTLV),
			packet.WithPayload(d.encodeACLObjectLocked(path)))
	}

	switch {
	case path.IsResource():
		v, code := d.readValueLocked(srv.ssid, path)
		if code != codes.Content {
			return packet.NewResponse(req, code)
		}
		return packet.NewResponse(req, codes.Content,
			packet.WithContentFormat(packet.FormatPlainText),
			packet.WithPayload(v))
	case path.IsInstance():
		inst := d.instanceLocked(path.Object(), path.Instance(), false)
		if inst == nil {
			return packet.NewResponse(req, codes.NotFound)
		}
		if !d.allowedLocked(srv.ssid, path.Object(), path.Instance(), access.Read) {
			return packet.NewResponse(req, codes.Unauthorized)
		}
		return packet.NewResponse(req, codes.Content,
			packet.WithContentFormat(packet.FormatTLV),
			packet.WithPayload(lwm2m.EncodeTLV(instanceTLV(path.Instance(), inst))))
	case path.IsObject():
		obj, ok := d.objects[path.Object()]
		if !ok {
			return packet.NewResponse(req, codes.NotFound)
		}
		var entries []lwm2m.TLV
		for _, iid := range sortedKeys(obj) {
			if d.allowedLocked(srv.ssid, path.Object(), iid, access.Read) {
				entries = append(entries, instanceTLV(iid, obj[iid]))
			}
		}
		return packet.NewResponse(req, codes.Content,
			packet.WithContentFormat(packet.FormatTLV),
			packet.WithPayload(lwm2m.EncodeTLV(entries...)))
	default:
		return packet.NewResponse(req, codes.BadRequest)
	}
}

func instanceTLV(iid uint16, inst *mockInstance) lwm2m.TLV {
	var resources []lwm2m.TLV
	for _, rid := range sortedKeys(inst.resources) {
		resources = append(resources, lwm2m.Resource(rid, inst.resources[rid]))
	}
	return lwm2m.Instance(iid, resources...)
}

func (d *MockDevice) encodeACLObjectLocked(path lwm2m.Path) []byte {
	var entries []lwm2m.TLV
	for _, iid := range sortedKeys(d.aclOwners) {
		if path.Len() >= 2 && path.Instance() != iid {
			continue
		}
		a := d.aclOwners[iid]
		acl, _ := d.acl.Entries(a.oid, a.iid)
		instances := make([]lwm2m.TLV, 0, len(acl))
		for _, e := range acl {
			instances = append(instances, lwm2m.ResourceInstance(e.SSID, lwm2m.IntValue(int64(e.Mask))))
		}
		entries = append(entries, lwm2m.Instance(iid,
			lwm2m.Resource(lwm2m.ACLResObjectID, lwm2m.IntValue(int64(a.oid))),
			lwm2m.Resource(lwm2m.ACLResInstanceID, lwm2m.IntValue(int64(a.iid))),
			lwm2m.MultipleResource(lwm2m.ACLResACL, instances...),
			lwm2m.Resource(lwm2m.ACLResOwner, lwm2m.IntValue(int64(a.owner)))))
	}
	return lwm2m.EncodeTLV(entries...)
}

func (d *MockDevice) write(srv *mockServerConn, req *packet.Packet, path lwm2m.Path) *packet.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()

	if path.Object() == lwm2m.ObjectAccessControl {
		return d.writeACLLocked(srv, req, path)
	}
	if !path.IsResource() {
		return packet.NewResponse(req, codes.MethodNotAllowed)
	}
	inst := d.instanceLocked(path.Object(), path.Instance(), false)
	if inst == nil {
		return packet.NewResponse(req, codes.NotFound)
	}
	if !d.allowedLocked(srv.ssid, path.Object(), path.Instance(), access.Write) {
		return packet.NewResponse(req, codes.Unauthorized)
	}
	inst.resources[path.Resource()] = append([]byte(nil), req.Payload()...)
	return packet.NewResponse(req, codes.Changed)
}

// writeACLLocked replaces the ACL resource of an Access Control instance.
// Only the owning server may do so.
func (d *MockDevice) writeACLLocked(srv *mockServerConn, req *packet.Packet, path lwm2m.Path) *packet.Packet {
	if !path.IsResource() || path.Resource() != lwm2m.ACLResACL {
		return packet.NewResponse(req, codes.MethodNotAllowed)
	}
	a, ok := d.aclOwners[path.Instance()]
	if !ok {
		return packet.NewResponse(req, codes.NotFound)
	}
	if a.owner != srv.ssid {
		return packet.NewResponse(req, codes.Unauthorized)
	}
	entries, err := access.DecodeACL(req.Payload())
	if err != nil {
		return packet.NewResponse(req, codes.BadRequest)
	}
	d.acl.Set(a.oid, a.iid, entries)
	d.logger.Debugf("ACL of /%d/%d set to %v by server %d", a.oid, a.iid, entries, srv.ssid)
	return packet.NewResponse(req, codes.Changed)
}

func (d *MockDevice) create(srv *mockServerConn, req *packet.Packet, path lwm2m.Path) *packet.Packet {
	oid := path.Object()
	if oid == lwm2m.ObjectAccessControl || oid == lwm2m.ObjectDevice {
		return packet.NewResponse(req, codes.MethodNotAllowed)
	}
	entries, err := lwm2m.DecodeTLV(req.Payload())
	if err != nil || len(entries) != 1 || entries[0].Kind != lwm2m.KindObjectInstance {
		return packet.NewResponse(req, codes.BadRequest)
	}
	tlv := entries[0]

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.instanceLocked(oid, tlv.ID, false) != nil {
		return packet.NewResponse(req, codes.BadRequest)
	}
	inst := d.instanceLocked(oid, tlv.ID, true)
	if oid == TestObjectID {
		inst.resources[ResTimestamp] = []byte(strconv.FormatInt(time.Now().Unix(), 10))
		inst.resources[ResCounter] = []byte("0")
	}
	for _, r := range tlv.Children {
		if r.Kind == lwm2m.KindResource {
			inst.resources[r.ID] = r.Value
		}
	}

	d.aclOwners[d.nextACL] = &mockACL{oid: oid, iid: tlv.ID, owner: srv.ssid}
	d.nextACL++

	return packet.NewResponse(req, codes.Created,
		packet.WithLocation(lwm2m.InstancePath(oid, tlv.ID).String()))
}

func (d *MockDevice) executeResource(srv *mockServerConn, req *packet.Packet, path lwm2m.Path) *packet.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()

	inst := d.instanceLocked(path.Object(), path.Instance(), false)
	if inst == nil {
		return packet.NewResponse(req, codes.NotFound)
	}
	if !d.allowedLocked(srv.ssid, path.Object(), path.Instance(), access.Execute) {
		return packet.NewResponse(req, codes.Unauthorized)
	}
	if path.Object() != TestObjectID || path.Resource() != ResIncrement {
		return packet.NewResponse(req, codes.MethodNotAllowed)
	}
	n, _ := strconv.Atoi(string(inst.resources[ResCounter]))
	inst.resources[ResCounter] = []byte(strconv.Itoa(n + 1))
	return packet.NewResponse(req, codes.Changed)
}

func (d *MockDevice) deleteInstance(srv *mockServerConn, req *packet.Packet, path lwm2m.Path) *packet.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()

	oid, iid := path.Object(), path.Instance()
	if d.instanceLocked(oid, iid, false) == nil {
		return packet.NewResponse(req, codes.NotFound)
	}
	if !d.allowedLocked(srv.ssid, oid, iid, access.Delete) {
		return packet.NewResponse(req, codes.Unauthorized)
	}
	delete(d.objects[oid], iid)
	d.registry.DestroyInstance(oid, iid)
	d.acl.Remove(oid, iid)
	for id, a := range d.aclOwners {
		if a.oid == oid && a.iid == iid {
			delete(d.aclOwners, id)
		}
	}
	return packet.NewResponse(req, codes.Deleted)
}

func (d *MockDevice) discover(srv *mockServerConn, req *packet.Packet, path lwm2m.Path) *packet.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !path.IsInstance() && !path.IsResource() {
		return packet.NewResponse(req, codes.MethodNotAllowed)
	}
	inst := d.instanceLocked(path.Object(), path.Instance(), false)
	if inst == nil {
		return packet.NewResponse(req, codes.NotFound)
	}

	var links []string
	for _, rid := range sortedKeys(inst.resources) {
		if path.IsResource() && rid != path.Resource() {
			continue
		}
		link := "<" + lwm2m.ResourcePath(path.Object(), path.Instance(), rid).String() + ">"
		key := attributes.Key{SSID: srv.ssid, Object: path.Object(), Instance: path.Instance(), Resource: rid}
		if obs, ok := d.registry.Get(key); ok && !obs.Attributes.IsEmpty() {
			link += ";" + strings.Join(obs.Attributes.Query(), ";")
		}
		links = append(links, link)
	}
	if len(links) == 0 {
		return packet.NewResponse(req, codes.NotFound)
	}
	return packet.NewResponse(req, codes.Content,
		packet.WithContentFormat(packet.FormatLinkFormat),
		packet.WithPayload([]byte(strings.Join(links, ","))))
}

func (d *MockDevice) objectLinks() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	links := []string{"</1>", "</2>"}
	for _, oid := range sortedKeys(d.objects) {
		obj := d.objects[oid]
		if len(obj) == 0 {
			links = append(links, fmt.Sprintf("</%d>", oid))
			continue
		}
		for _, iid := range sortedKeys(obj) {
			links = append(links, lwm2m.InstancePath(oid, iid).String())
		}
	}
	for i, l := range links {
		if !strings.HasPrefix(l, "<") {
			links[i] = "<" + l + ">"
		}
	}
	return strings.Join(links, ",")
}

func sortedKeys[V any](m map[uint16]V) []uint16 {
	keys := make([]uint16, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
