// Package access models LwM2M Access Control entries: which server may do
// what on an object instance.
package access

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/twinfer/lwm2m-harness/pkg/lwm2m"
)

// Mask is the permission bitset stored in the ACL resource.
type Mask uint16

const (
	Read    Mask = 1 << 0
	Write   Mask = 1 << 1
	Execute Mask = 1 << 2
	Delete  Mask = 1 << 3
	Create  Mask = 1 << 4

	// Owner grants everything an instance owner may do on it.
	Owner = Read | Write | Execute | Delete
)

func (m Mask) Has(p Mask) bool {
	return m&p == p
}

func (m Mask) String() string {
	if m == 0 {
		return "NONE"
	}
	var parts []string
	for _, p := range []struct {
		bit  Mask
		name string
	}{{Read, "R"}, {Write, "W"}, {Execute, "E"}, {Delete, "D"}, {Create, "C"}} {
		if m&p.bit != 0 {
			parts = append(parts, p.name)
		}
	}
	return strings.Join(parts, "|")
}

// Entry grants Mask to the server with short id SSID.
type Entry struct {
	SSID uint16
	Mask Mask
}

type instanceKey struct {
	oid, iid uint16
}

// Table is the harness view of the ACLs it has written to the device.
type Table struct {
	mu      sync.RWMutex
	entries map[instanceKey][]Entry
}

func NewTable() *Table {
	return &Table{entries: make(map[instanceKey][]Entry)}
}

// Set replaces the ACL of (oid, iid). Entries keep the given order.
func (t *Table) Set(oid, iid uint16, entries []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[instanceKey{oid, iid}] = slices.Clone(entries)
}

func (t *Table) Entries(oid, iid uint16) ([]Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[instanceKey{oid, iid}]
	return slices.Clone(e), ok
}

func (t *Table) Remove(oid, iid uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, instanceKey{oid, iid})
}

// Allowed reports whether ssid holds perm on (oid, iid). An instance with no
// recorded ACL is treated as unrestricted.
func (t *Table) Allowed(ssid, oid, iid uint16, perm Mask) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries, ok := t.entries[instanceKey{oid, iid}]
	if !ok {
		return true
	}
	for _, e := range entries {
		if e.SSID == ssid {
			return e.Mask.Has(perm)
		}
	}
	return false
}

// CanObserve is Allowed with Read, the precondition for any notification.
func (t *Table) CanObserve(ssid, oid, iid uint16) bool {
	return t.Allowed(ssid, oid, iid, Read)
}

// EncodeACL renders entries as the TLV multiple resource /2/x/2, keyed by
// SSID.
func EncodeACL(entries []Entry) []byte {
	instances := make([]lwm2m.TLV, 0, len(entries))
	for _, e := range entries {
		instances = append(instances, lwm2m.ResourceInstance(e.SSID, lwm2m.IntValue(int64(e.Mask))))
	}
	return lwm2m.EncodeTLV(lwm2m.MultipleResource(lwm2m.ACLResACL, instances...))
}

// DecodeACL parses the ACL multiple resource back into entries.
func DecodeACL(payload []byte) ([]Entry, error) {
	tlvs, err := lwm2m.DecodeTLV(payload)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, tlv := range tlvs {
		if tlv.Kind != lwm2m.KindMultipleResource || tlv.ID != lwm2m.ACLResACL {
			continue
		}
		for _, ri := range tlv.Children {
			v, err := ri.Int()
			if err != nil {
				return nil, fmt.Errorf("ACL entry for ssid %d: %w", ri.ID, err)
			}
			out = append(out, Entry{SSID: ri.ID, Mask: Mask(v)})
		}
	}
	return out, nil
}
