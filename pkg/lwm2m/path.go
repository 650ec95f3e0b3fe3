// Package lwm2m holds the LwM2M data-model vocabulary shared by the
// harness: object/instance/resource paths, well-known object ids and the
// TLV content format.
package lwm2m

import (
	"fmt"
	"strconv"
	"strings"
)

// Well-known object ids.
const (
	ObjectSecurity      uint16 = 0
	ObjectServer        uint16 = 1
	ObjectAccessControl uint16 = 2
	ObjectDevice        uint16 = 3
)

// Access Control object resources.
const (
	ACLResObjectID   uint16 = 0
	ACLResInstanceID uint16 = 1
	ACLResACL        uint16 = 2
	ACLResOwner      uint16 = 3
)

// Path addresses an object, an object instance or a resource.
type Path struct {
	IDs []uint16
}

func ObjectPath(oid uint16) Path {
	return Path{IDs: []uint16{oid}}
}

func InstancePath(oid, iid uint16) Path {
	return Path{IDs: []uint16{oid, iid}}
}

func ResourcePath(oid, iid, rid uint16) Path {
	return Path{IDs: []uint16{oid, iid, rid}}
}

// ParsePath parses "/oid[/iid[/rid[/riid]]]".
func ParsePath(s string) (Path, error) {
	trimmed := strings.Trim(s, "/")
	if trimmed == "" {
		return Path{}, nil
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) > 4 {
		return Path{}, fmt.Errorf("path %q has too many segments", s)
	}
	ids := make([]uint16, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			return Path{}, fmt.Errorf("path %q: invalid segment %q: %w", s, part, err)
		}
		ids = append(ids, uint16(v))
	}
	return Path{IDs: ids}, nil
}

func (p Path) Len() int {
	return len(p.IDs)
}

func (p Path) Object() uint16 {
	return p.id(0)
}

func (p Path) Instance() uint16 {
	return p.id(1)
}

func (p Path) Resource() uint16 {
	return p.id(2)
}

func (p Path) IsObject() bool   { return len(p.IDs) == 1 }
func (p Path) IsInstance() bool { return len(p.IDs) == 2 }
func (p Path) IsResource() bool { return len(p.IDs) == 3 }

func (p Path) String() string {
	if len(p.IDs) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, id := range p.IDs {
		b.WriteByte('/')
		b.WriteString(strconv.Itoa(int(id)))
	}
	return b.String()
}

func (p Path) id(i int) uint16 {
	if i < len(p.IDs) {
		return p.IDs[i]
	}
	return 0
}
