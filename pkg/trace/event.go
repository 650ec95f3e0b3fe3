// Package trace captures the datagrams exchanged between simulated servers
// and the device under test.
package trace

import (
	"time"
)

// Event is one datagram seen by an endpoint.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	Timestamp  time.Time `cbor:"1,keyasint"`
	RunID      string    `cbor:"2,keyasint,omitempty"`
	Direction  Direction `cbor:"3,keyasint"`
	SSID       int       `cbor:"4,keyasint,omitempty"`
	LocalAddr  string    `cbor:"5,keyasint,omitempty"`
	RemoteAddr string    `cbor:"6,keyasint,omitempty"`
	Data       []byte    `cbor:"7,keyasint"`
}

// Direction is relative to the harness.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Tracer receives every datagram an endpoint sends or receives.
// Implementations must be safe for concurrent use.
type Tracer interface {
	Record(event Event)
}

// Nop drops events.
type Nop struct{}

func (Nop) Record(Event) {}

// Multi fans events out to several tracers.
type Multi []Tracer

func (m Multi) Record(event Event) {
	for _, t := range m {
		t.Record(event)
	}
}

// WithRunID stamps every event passed to next with the given run id.
func WithRunID(next Tracer, runID string) Tracer {
	return runTagger{next: next, runID: runID}
}

type runTagger struct {
	next  Tracer
	runID string
}

func (r runTagger) Record(event Event) {
	if event.RunID == "" {
		event.RunID = r.runID
	}
	r.next.Record(event)
}

var (
	_ Tracer = Nop{}
	_ Tracer = Multi(nil)
)
