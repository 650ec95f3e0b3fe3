// Package registration tracks the registration lifecycle a device runs
// against one simulated server.
package registration

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/twinfer/lwm2m-harness/pkg/packet"
)

// RegistrationPath is the resource directory the device registers with.
const RegistrationPath = "/rd"

var ErrProtocolViolation = errors.New("protocol violation")

// ViolationError describes a registration packet that does not fit the
// current state.
type ViolationError struct {
	SSID   int
	Packet string
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("protocol violation on server %d: %s (%s)", e.SSID, e.Reason, e.Packet)
}

func (e *ViolationError) Unwrap() error {
	return ErrProtocolViolation
}

type State int

const (
	Unregistered State = iota
	Registered
	Deregistered
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Registered:
		return "registered"
	case Deregistered:
		return "deregistered"
	default:
		return "unknown"
	}
}

type Transition int

const (
	TransitionNone Transition = iota
	TransitionRegistered
	TransitionUpdated
	TransitionDeregistered
	// TransitionDuplicate is a retransmission of the last handled request.
	TransitionDuplicate
)

func (t Transition) String() string {
	switch t {
	case TransitionNone:
		return "none"
	case TransitionRegistered:
		return "register"
	case TransitionUpdated:
		return "update"
	case TransitionDeregistered:
		return "deregister"
	case TransitionDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Record is one registration of the device with this server.
type Record struct {
	SSID           int
	Location       string
	State          State
	EndpointName   string
	Lifetime       time.Duration
	Binding        string
	Version        string
	Objects        string
	Peer           net.Addr
	RegisteredAt   time.Time
	UpdatedAt      time.Time
	DeregisteredAt time.Time
	Updates        int
}

// Tracker holds the registration state for one endpoint. Registered always
// implies a non-empty location; at most one record is live.
type Tracker struct {
	ssid int

	mu        sync.Mutex
	current   *Record
	history   []Record
	assigned  []string
	generated int

	lastMID      int32
	lastPeer     string
	lastResponse *packet.Packet
}

func NewTracker(ssid int) *Tracker {
	return &Tracker{ssid: ssid, lastMID: -1}
}

func (t *Tracker) SSID() int {
	return t.ssid
}

// Assign queues the location handed out on the next registration.
func (t *Tracker) Assign(location string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.assigned = append(t.assigned, "/"+strings.Join(packet.SplitPath(location), "/"))
}

// Unassign drops location from the queue if no registration has taken it.
func (t *Tracker) Unassign(location string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	loc := "/" + strings.Join(packet.SplitPath(location), "/")
	if i := slices.Index(t.assigned, loc); i >= 0 {
		t.assigned = slices.Delete(t.assigned, i, i+1)
	}
}

// OnPacket applies a request received from the device. Packets unrelated to
// registration yield TransitionNone.
func (t *Tracker) OnPacket(req *packet.Packet) (Transition, error) {
	if !req.IsRequest() {
		return TransitionNone, nil
	}
	path := req.Path()
	if path != RegistrationPath && !strings.HasPrefix(path, RegistrationPath+"/") {
		return TransitionNone, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isRetransmission(req) {
		return TransitionDuplicate, nil
	}

	switch {
	case req.Code() == codes.POST && path == RegistrationPath:
		return t.register(req)
	case req.Code() == codes.POST:
		return t.update(req)
	case req.Code() == codes.DELETE:
		return t.deregister(req)
	default:
		return TransitionNone, t.violation(req, "unsupported method on registration interface")
	}
}

func (t *Tracker) register(req *packet.Packet) (Transition, error) {
	if t.current != nil && t.current.State == Registered {
		return TransitionNone, t.violation(req, "register while already registered at "+t.current.Location)
	}
	ep, ok := req.Query("ep")
	if !ok || ep == "" {
		return TransitionNone, t.violation(req, "register without endpoint name")
	}

	if t.current != nil {
		t.history = append(t.history, *t.current)
	}
	rec := &Record{
		SSID:         t.ssid,
		Location:     t.allocate(),
		State:        Registered,
		EndpointName: ep,
		Objects:      string(req.Payload()),
		Peer:         req.Remote,
		RegisteredAt: receivedAt(req),
	}
	rec.UpdatedAt = rec.RegisteredAt
	applyParams(rec, req)
	t.current = rec
	return TransitionRegistered, nil
}

func (t *Tracker) update(req *packet.Packet) (Transition, error) {
	if t.current == nil || t.current.State != Registered {
		return TransitionNone, t.violation(req, "update while not registered")
	}
	if req.Path() != t.current.Location {
		return TransitionNone, t.violation(req, "update at unknown location, registered at "+t.current.Location)
	}
	applyParams(t.current, req)
	if len(req.Payload()) > 0 {
		t.current.Objects = string(req.Payload())
	}
	t.current.Peer = req.Remote
	t.current.UpdatedAt = receivedAt(req)
	t.current.Updates++
	return TransitionUpdated, nil
}

func (t *Tracker) deregister(req *packet.Packet) (Transition, error) {
	if t.current == nil || t.current.State != Registered {
		return TransitionNone, t.violation(req, "deregister while not registered")
	}
	if req.Path() != t.current.Location {
		return TransitionNone, t.violation(req, "deregister at unknown location, registered at "+t.current.Location)
	}
	t.current.State = Deregistered
	t.current.DeregisteredAt = receivedAt(req)
	return TransitionDeregistered, nil
}

func (t *Tracker) allocate() string {
	if len(t.assigned) > 0 {
		loc := t.assigned[0]
		t.assigned = t.assigned[1:]
		return loc
	}
	used := t.usedLocations()
	for {
		loc := RegistrationPath + "/" + strconv.Itoa(t.generated)
		t.generated++
		if !slices.Contains(used, loc) {
			return loc
		}
	}
}

func (t *Tracker) usedLocations() []string {
	var used []string
	for _, r := range t.history {
		used = append(used, r.Location)
	}
	if t.current != nil {
		used = append(used, t.current.Location)
	}
	return used
}

func (t *Tracker) isRetransmission(req *packet.Packet) bool {
	if t.lastResponse == nil || req.MessageID() != t.lastMID || req.Remote == nil {
		return false
	}
	return req.Remote.String() == t.lastPeer
}

func (t *Tracker) violation(req *packet.Packet, reason string) error {
	return &ViolationError{SSID: t.ssid, Packet: req.String(), Reason: reason}
}

// Response builds the server reply for a transition and remembers it for
// answering retransmissions.
func (t *Tracker) Response(req *packet.Packet, tr Transition) *packet.Packet {
	t.mu.Lock()
	defer t.mu.Unlock()

	var resp *packet.Packet
	switch tr {
	case TransitionRegistered:
		resp = packet.NewResponse(req, codes.Created, packet.WithLocation(t.current.Location))
	case TransitionUpdated:
		resp = packet.NewResponse(req, codes.Changed)
	case TransitionDeregistered:
		resp = packet.NewResponse(req, codes.Deleted)
	case TransitionDuplicate:
		return t.lastResponse
	default:
		return nil
	}

	t.lastMID = req.MessageID()
	t.lastPeer = ""
	if req.Remote != nil {
		t.lastPeer = req.Remote.String()
	}
	t.lastResponse = resp
	return resp
}

// Current returns a copy of the live or most recent record.
func (t *Tracker) Current() (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return Record{}, false
	}
	return *t.current, true
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return Unregistered
	}
	return t.current.State
}

// Location is the current registration location, empty unless Registered.
func (t *Tracker) Location() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil || t.current.State != Registered {
		return ""
	}
	return t.current.Location
}

// History returns every record in order, including the current one.
func (t *Tracker) History() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := slices.Clone(t.history)
	if t.current != nil {
		out = append(out, *t.current)
	}
	return out
}

// PriorLocations lists every location used before the current record.
func (t *Tracker) PriorLocations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	locs := make([]string, 0, len(t.history))
	for _, r := range t.history {
		locs = append(locs, r.Location)
	}
	return locs
}

// Reset forgets all records and pending assignments.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = nil
	t.history = nil
	t.assigned = nil
	t.generated = 0
	t.lastMID = -1
	t.lastPeer = ""
	t.lastResponse = nil
}

func applyParams(rec *Record, req *packet.Packet) {
	if lt, ok := req.Query("lt"); ok {
		if secs, err := strconv.Atoi(lt); err == nil {
			rec.Lifetime = time.Duration(secs) * time.Second
		}
	}
	if b, ok := req.Query("b"); ok {
		rec.Binding = b
	}
	if v, ok := req.Query("lwm2m"); ok {
		rec.Version = v
	}
}

func receivedAt(req *packet.Packet) time.Time {
	if req.ReceivedAt.IsZero() {
		return time.Now()
	}
	return req.ReceivedAt
}
